package ingester

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var testNow = time.Date(2025, 8, 9, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

// openTestDB returns a migrated database file under t.TempDir.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = CloseDB(db) })
	return db
}

func newTestRunner(t *testing.T, db *gorm.DB) *Runner {
	t.Helper()
	r, err := NewRunner(db, RunnerConfig{Now: fixedClock})
	require.NoError(t, err)
	return r
}

func writeLog(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return p
}

func mustParse(t *testing.T, line string) ParsedEvent {
	t.Helper()
	ev, ok := ParseLine(line, nil)
	require.True(t, ok, "line should parse: %s", line)
	return ev
}

func loadPlayer(t *testing.T, db *gorm.DB, id string) Player {
	t.Helper()
	var p Player
	require.NoError(t, db.Where("player_id = ?", id).First(&p).Error)
	return p
}

func countEvents(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&GameEvent{}).Count(&n).Error)
	return n
}

// failEventInsertsAfter makes every GameEvent insert after the first n fail.
// The returned func removes the hook.
func failEventInsertsAfter(t *testing.T, db *gorm.DB, n int) func() {
	t.Helper()
	const name = "test:fail_event_insert"
	seen := 0
	err := db.Callback().Create().Before("gorm:create").Register(name, func(tx *gorm.DB) {
		if tx.Statement.Schema == nil || tx.Statement.Schema.Name != "GameEvent" {
			return
		}
		seen++
		if seen > n {
			_ = tx.AddError(errInjected)
		}
	})
	require.NoError(t, err)
	removed := false
	remove := func() {
		if !removed {
			removed = true
			_ = db.Callback().Create().Remove(name)
		}
	}
	t.Cleanup(remove)
	return remove
}

var errInjected = errors.New("injected storage failure")

// sampleSession is a small play session touching every entity kind.
var sampleSession = []string{
	`2025-08-09 10:00:00 [system] PLAYER_JOIN id=p1 name="Alice" level=3`,
	`2025-08-09 10:00:05 [system] PLAYER_JOIN id=p2 name="Bob"`,
	`2025-08-09 10:01:00 [world] ZONE_ENTER player_id=p1 zone="Forest"`,
	`2025-08-09 10:02:00 [combat] BOSS_FIGHT_START boss_name="Dragon"`,
	`2025-08-09 10:03:00 [combat] BOSS_DAMAGE boss_name="Dragon" player_id=p1 damage=250`,
	`2025-08-09 10:03:30 [combat] BOSS_DAMAGE boss_name="Dragon" player_id=p2 damage=120.4`,
	`2025-08-09 10:04:00 [combat] BOSS_DEFEAT boss_name="Dragon" defeated_by=p1 xp=100 gold=20`,
	`2025-08-09 10:05:00 [quest] QUEST_START player_id=p1 quest_id=101 name="Slay the Dragon"`,
	`2025-08-09 10:06:00 [quest] QUEST_COMPLETE player_id=p1 quest_id=101 xp=50 gold=5`,
	`2025-08-09 10:06:30 [quest] QUEST_START player_id=p2 quest_id=101`,
	`2025-08-09 10:07:00 [loot] ITEM_PICKUP player_id=p1 item="Potion" qty=3 location=(10,20)`,
	`2025-08-09 10:07:00 [loot] ITEM_PICKUP player_id=p1 item="Potion" qty=3 location=(11,21)`,
	`2025-08-09 10:08:00 [combat] DEATH victim_id=p2 killer_id=p1`,
	`2025-08-09 10:09:00 [score] SCORE player_id=p1 points=40`,
	`2025-08-09 10:09:30 [score] SCORE player_id=p1 points=15`,
	`server restarted, nothing to see here`,
	`2025-08-09 10:10:00 [world] ZONE_ENTER player_id=p1 zone="Cave"`,
}
