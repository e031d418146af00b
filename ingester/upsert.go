package ingester

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"time"

	"gorm.io/gorm"
)

// DefaultPlayerIDPattern matches identifiers such as "p1" or "p042".
const DefaultPlayerIDPattern = `^p\d+$`

// Payload fields that may name a player other than the actor.
var playerRefFields = []string{"defeated_by", "victim_id", "killer_id", "id"}

func placeholderName(playerID string) string { return "Player " + playerID }

// keySet is a set of natural keys keyed by their text form.
type keySet map[string]struct{}

func (s keySet) add(k string) {
	if k != "" {
		s[k] = struct{}{}
	}
}

// Sorted returns the members in lexical order.
func (s keySet) Sorted() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Touched collects the natural keys of every entity referenced by the events
// a run persisted.
type Touched struct {
	Players keySet
	Bosses  keySet
	Items   keySet
	Zones   keySet
	Quests  keySet
}

func NewTouched() *Touched {
	return &Touched{
		Players: make(keySet),
		Bosses:  make(keySet),
		Items:   make(keySet),
		Zones:   make(keySet),
		Quests:  make(keySet),
	}
}

func (t *Touched) Empty() bool {
	return len(t.Players)+len(t.Bosses)+len(t.Items)+len(t.Zones)+len(t.Quests) == 0
}

// Upserter makes sure the entities an accepted event references exist.
type Upserter struct {
	tx       *gorm.DB
	now      func() time.Time
	playerID *regexp.Regexp
	touched  *Touched

	players Repo[Player]
	bosses  Repo[Boss]
	items   Repo[Item]
	zones   Repo[Zone]
	quests  Repo[Quest]
}

// NewUpserter binds an upserter to the run's transaction. A nil pattern
// uses DefaultPlayerIDPattern.
func NewUpserter(tx *gorm.DB, now func() time.Time, playerID *regexp.Regexp, touched *Touched) *Upserter {
	if now == nil {
		now = time.Now
	}
	if playerID == nil {
		playerID = regexp.MustCompile(DefaultPlayerIDPattern)
	}
	if touched == nil {
		touched = NewTouched()
	}
	return &Upserter{tx: tx, now: now, playerID: playerID, touched: touched}
}

func (u *Upserter) Touched() *Touched { return u.touched }

// LooksLikePlayerID reports whether s has the player identifier shape.
func (u *Upserter) LooksLikePlayerID(s string) bool { return u.playerID.MatchString(s) }

// Actor returns the player an event is attributed to.
func (u *Upserter) Actor(ev ParsedEvent) *string {
	if id, ok := ev.Payload.Str("player_id"); ok && id != "" {
		return &id
	}
	var fallback string
	switch ev.EventType {
	case "BOSS_DEFEAT":
		fallback = "defeated_by"
	case "PLAYER_JOIN":
		fallback = "id"
	default:
		return nil
	}
	if id, ok := ev.Payload.Str(fallback); ok && u.LooksLikePlayerID(id) {
		return &id
	}
	return nil
}

// Apply upserts every entity referenced by ev.
func (u *Upserter) Apply(ctx context.Context, ev ParsedEvent) error {
	p := ev.Payload
	if id, ok := p.Str("player_id"); ok && id != "" {
		if err := u.ensurePlayer(ctx, id, p); err != nil {
			return err
		}
	}
	for _, field := range playerRefFields {
		id, ok := p.Str(field)
		if !ok || !u.LooksLikePlayerID(id) {
			continue
		}
		if err := u.ensurePlayer(ctx, id, p); err != nil {
			return err
		}
	}

	if name, ok := p.Str("boss_name"); ok && name != "" {
		if _, _, err := u.bosses.FindOrCreate(ctx, u.tx, Boss{Name: name}, "name = ?", name); err != nil {
			return fmt.Errorf("upsert boss %q: %w", name, err)
		}
		u.touched.Bosses.add(name)
	}
	if name, ok := p.Str("zone"); ok && name != "" {
		if _, _, err := u.zones.FindOrCreate(ctx, u.tx, Zone{Name: name}, "name = ?", name); err != nil {
			return fmt.Errorf("upsert zone %q: %w", name, err)
		}
		u.touched.Zones.add(name)
	}
	if name, ok := p.Str("item"); ok && name != "" {
		if _, _, err := u.items.FindOrCreate(ctx, u.tx, Item{Name: name}, "name = ?", name); err != nil {
			return fmt.Errorf("upsert item %q: %w", name, err)
		}
		u.touched.Items.add(name)
	}
	if qid, ok := p.Str("quest_id"); ok && qid != "" {
		name, ok := p.Str("name")
		if !ok || name == "" {
			name = "Quest " + qid
		}
		if _, _, err := u.quests.FindOrCreate(ctx, u.tx, Quest{QuestID: qid, Name: name}, "quest_id = ?", qid); err != nil {
			return fmt.Errorf("upsert quest %q: %w", qid, err)
		}
		u.touched.Quests.add(qid)
	}
	return nil
}

func (u *Upserter) ensurePlayer(ctx context.Context, id string, p Payload) error {
	now := u.now().UTC()
	placeholder := placeholderName(id)

	name, hasName := p.Str("name")
	level, hasLevel := p.Int("level")
	zone, hasZone := p.Str("zone")

	fresh := Player{PlayerID: id, Name: placeholder, Level: 1, LastSeen: &now}
	if hasName && name != "" {
		fresh.Name = name
	}
	if hasLevel {
		fresh.Level = int(level)
	}
	if hasZone {
		fresh.CurrentZone = &zone
	}

	row, created, err := u.players.FindOrCreate(ctx, u.tx, fresh, "player_id = ?", id)
	if err != nil {
		return fmt.Errorf("upsert player %q: %w", id, err)
	}
	u.touched.Players.add(id)
	if created {
		return nil
	}

	updates := map[string]any{"last_seen": now}
	if hasName && name != "" && name != placeholder && row.Name == placeholder {
		updates["name"] = name
	}
	if hasLevel && int(level) > row.Level {
		updates["level"] = int(level)
	}
	if hasZone {
		if row.CurrentZone != nil && *row.CurrentZone != zone {
			// The zone being left loses a current player.
			u.touched.Zones.add(*row.CurrentZone)
		}
		updates["current_zone"] = zone
	}
	if err := u.players.Update(ctx, u.tx, row.ID, updates); err != nil {
		return fmt.Errorf("update player %q: %w", id, err)
	}
	return nil
}
