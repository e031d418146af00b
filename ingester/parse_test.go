package ingester

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine_Header(t *testing.T) {
	ev, ok := ParseLine(`2025-08-09 10:00:00 [combat] BOSS_DEFEAT boss_name="Dragon" defeated_by=p1 xp=100 gold=20`, nil)
	require.True(t, ok)

	assert.True(t, ev.Timestamp.Equal(time.Date(2025, 8, 9, 10, 0, 0, 0, time.UTC)), "got %s", ev.Timestamp)
	assert.Equal(t, "combat", ev.Category)
	assert.Equal(t, "BOSS_DEFEAT", ev.EventType)
	assert.Equal(t, Payload{
		"boss_name":   StringValue("Dragon"),
		"defeated_by": StringValue("p1"),
		"xp":          IntValue(100),
		"gold":        IntValue(20),
	}, ev.Payload)
}

func TestParseLine_QuotedWinsOverBare(t *testing.T) {
	ev := mustParse(t, `2025-08-09 10:00:00 [chat] MESSAGE player_id=p1 message="hello there x=5 world"`)

	assert.Equal(t, StringValue("hello there x=5 world"), ev.Payload["message"])
	_, leaked := ev.Payload["x"]
	assert.False(t, leaked, "bare token inside a quoted value must not become a key")
	assert.Equal(t, StringValue("p1"), ev.Payload["player_id"])
}

func TestParseLine_QuotedDuplicateKeyBeatsBare(t *testing.T) {
	ev := mustParse(t, `2025-08-09 10:00:00 [system] PLAYER_JOIN name=bob name="Robert Smith" id=p7`)
	assert.Equal(t, StringValue("Robert Smith"), ev.Payload["name"])
}

func TestParseLine_NumericCoercion(t *testing.T) {
	ev := mustParse(t, `2025-08-09 10:00:00 [misc] STATS a=42 b=-7 c=3.25 d=.5 e=1e3 f=12abc g="15" h=p1`)
	p := ev.Payload

	assert.Equal(t, IntValue(42), p["a"])
	assert.Equal(t, IntValue(-7), p["b"])
	assert.Equal(t, FloatValue(3.25), p["c"])
	assert.Equal(t, FloatValue(0.5), p["d"])
	assert.Equal(t, FloatValue(1000), p["e"])
	assert.Equal(t, StringValue("12abc"), p["f"])
	assert.Equal(t, IntValue(15), p["g"])
	assert.Equal(t, StringValue("p1"), p["h"])
}

func TestParseLine_Location(t *testing.T) {
	ev := mustParse(t, `2025-08-09 10:07:00 [loot] ITEM_PICKUP player_id=p1 item="Potion" qty=3 location=(10,20)`)

	assert.Equal(t, StringValue("(10,20)"), ev.Payload["location"])
	assert.Equal(t, IntValue(10), ev.Payload["location_x"])
	assert.Equal(t, IntValue(20), ev.Payload["location_y"])
	assert.Equal(t, IntValue(3), ev.Payload["qty"])
	assert.Len(t, ev.Payload, 6)
}

func TestParseLine_Malformed(t *testing.T) {
	cases := []string{
		"",
		"just some text",
		"2025-08-09 10:00:00 BOSS_DEFEAT boss_name=Dragon",
		"2025-08-09 [combat] BOSS_DEFEAT boss_name=Dragon",
		"2025-08-09 10:00:00 [combat] BOSS_DEFEAT",
		"2025-13-45 10:00:00 [combat] BOSS_DEFEAT boss_name=Dragon",
		"09/08/2025 10:00:00 [combat] BOSS_DEFEAT boss_name=Dragon",
	}
	for _, line := range cases {
		_, ok := ParseLine(line, nil)
		assert.False(t, ok, "expected %q to be rejected", line)
	}
}

func TestParseLine_TrailingCarriageReturn(t *testing.T) {
	ev := mustParse(t, "2025-08-09 10:00:00 [score] SCORE player_id=p1 points=10\r")
	assert.Equal(t, IntValue(10), ev.Payload["points"])
}

func TestParseLine_TimezoneConvertedToUTC(t *testing.T) {
	plus2 := time.FixedZone("UTC+2", 2*3600)
	ev, ok := ParseLine(`2025-08-09 10:00:00 [score] SCORE player_id=p1 points=10`, plus2)
	require.True(t, ok)
	assert.True(t, ev.Timestamp.Equal(time.Date(2025, 8, 9, 8, 0, 0, 0, time.UTC)), "got %s", ev.Timestamp)
	assert.Equal(t, time.UTC, ev.Timestamp.Location())
}
