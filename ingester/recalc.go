package ingester

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Recalculator rebuilds derived counters from the full event history.
// Each entity is recomputed from scratch, so running it twice, or
// concurrently with another run's recompute, converges to the same values.
type Recalculator struct {
	tx *gorm.DB
}

func NewRecalculator(tx *gorm.DB) *Recalculator {
	return &Recalculator{tx: tx}
}

// RecalculateTouched recomputes every entity named in t.
func (r *Recalculator) RecalculateTouched(ctx context.Context, t *Touched) error {
	for _, id := range t.Players.Sorted() {
		if err := r.Player(ctx, id); err != nil {
			return err
		}
	}
	for _, name := range t.Bosses.Sorted() {
		if err := r.Boss(ctx, name); err != nil {
			return err
		}
	}
	for _, name := range t.Items.Sorted() {
		if err := r.Item(ctx, name); err != nil {
			return err
		}
	}
	for _, name := range t.Zones.Sorted() {
		if err := r.Zone(ctx, name); err != nil {
			return err
		}
	}
	for _, qid := range t.Quests.Sorted() {
		if err := r.Quest(ctx, qid); err != nil {
			return err
		}
	}
	return nil
}

// RecalculateAll recomputes every stored entity.
func (r *Recalculator) RecalculateAll(ctx context.Context) (*Touched, error) {
	t := NewTouched()
	load := func(model any, column string, into keySet) error {
		var keys []string
		if err := r.tx.WithContext(ctx).Model(model).Pluck(column, &keys).Error; err != nil {
			return fmt.Errorf("list %s: %w", column, err)
		}
		for _, k := range keys {
			into.add(k)
		}
		return nil
	}
	if err := load(&Player{}, "player_id", t.Players); err != nil {
		return nil, err
	}
	if err := load(&Boss{}, "name", t.Bosses); err != nil {
		return nil, err
	}
	if err := load(&Item{}, "name", t.Items); err != nil {
		return nil, err
	}
	if err := load(&Zone{}, "name", t.Zones); err != nil {
		return nil, err
	}
	if err := load(&Quest{}, "quest_id", t.Quests); err != nil {
		return nil, err
	}
	return t, r.RecalculateTouched(ctx, t)
}

// Player recomputes one player's totals. A player with no attributed events
// keeps its stored last_seen.
func (r *Recalculator) Player(ctx context.Context, playerID string) error {
	row, err := Repo[Player]{}.Find(ctx, r.tx, "player_id = ?", playerID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load player %q: %w", playerID, err)
	}

	var events []GameEvent
	if err := r.tx.WithContext(ctx).Where("player_id = ?", playerID).Find(&events).Error; err != nil {
		return fmt.Errorf("load events for player %q: %w", playerID, err)
	}
	var score, xp, gold float64
	var quests int64
	var lastSeen *time.Time
	for i := range events {
		ev := &events[i]
		data := ev.Data()
		switch ev.EventType {
		case "SCORE":
			score += data.Number("points")
		case "BOSS_DEFEAT":
			xp += data.Number("xp")
			gold += data.Number("gold")
		case "QUEST_COMPLETE":
			xp += data.Number("xp")
			gold += data.Number("gold")
			quests++
		}
		if lastSeen == nil || ev.Timestamp.After(*lastSeen) {
			ts := ev.Timestamp.UTC()
			lastSeen = &ts
		}
	}

	deaths, err := r.countByField(ctx, "DEATH", "victim_id", playerID)
	if err != nil {
		return err
	}
	kills, err := r.countByField(ctx, "DEATH", "killer_id", playerID)
	if err != nil {
		return err
	}
	bosses, err := r.countByField(ctx, "BOSS_DEFEAT", "defeated_by", playerID)
	if err != nil {
		return err
	}

	cols := map[string]any{
		"total_score":      round(score),
		"total_xp":         round(xp),
		"total_gold":       round(gold),
		"deaths":           deaths,
		"kills":            kills,
		"bosses_defeated":  bosses,
		"quests_completed": quests,
	}
	if lastSeen != nil {
		cols["last_seen"] = *lastSeen
	}
	if err := (Repo[Player]{}).Update(ctx, r.tx, row.ID, cols); err != nil {
		return fmt.Errorf("save player %q: %w", playerID, err)
	}
	return nil
}

func (r *Recalculator) Boss(ctx context.Context, name string) error {
	row, err := Repo[Boss]{}.Find(ctx, r.tx, "name = ?", name)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load boss %q: %w", name, err)
	}
	defeats, err := r.countByField(ctx, "BOSS_DEFEAT", "boss_name", name)
	if err != nil {
		return err
	}
	spawns, err := r.countByField(ctx, "BOSS_FIGHT_START", "boss_name", name)
	if err != nil {
		return err
	}
	damageEvents, err := r.eventsByField(ctx, "BOSS_DAMAGE", "boss_name", name)
	if err != nil {
		return err
	}
	var damage float64
	for _, ev := range damageEvents {
		damage += ev.Data().Number("damage")
	}
	return wrapSave("boss", name, (Repo[Boss]{}).Update(ctx, r.tx, row.ID, map[string]any{
		"total_defeats":      defeats,
		"total_damage_taken": round(damage),
		"times_spawned":      spawns,
	}))
}

func (r *Recalculator) Item(ctx context.Context, name string) error {
	row, err := Repo[Item]{}.Find(ctx, r.tx, "name = ?", name)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load item %q: %w", name, err)
	}
	pickups, err := r.eventsByField(ctx, "ITEM_PICKUP", "item", name)
	if err != nil {
		return err
	}
	var qty float64
	for _, ev := range pickups {
		qty += ev.Data().Number("qty")
	}
	return wrapSave("item", name, (Repo[Item]{}).Update(ctx, r.tx, row.ID, map[string]any{
		"total_pickups":  int64(len(pickups)),
		"total_quantity": round(qty),
	}))
}

func (r *Recalculator) Zone(ctx context.Context, name string) error {
	row, err := Repo[Zone]{}.Find(ctx, r.tx, "name = ?", name)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load zone %q: %w", name, err)
	}
	visits, err := r.countByField(ctx, "ZONE_ENTER", "zone", name)
	if err != nil {
		return err
	}
	present, err := Repo[Player]{}.Count(ctx, r.tx, "current_zone = ?", name)
	if err != nil {
		return fmt.Errorf("count players in zone %q: %w", name, err)
	}
	return wrapSave("zone", name, (Repo[Zone]{}).Update(ctx, r.tx, row.ID, map[string]any{
		"total_visits":    visits,
		"current_players": present,
	}))
}

func (r *Recalculator) Quest(ctx context.Context, questID string) error {
	row, err := Repo[Quest]{}.Find(ctx, r.tx, "quest_id = ?", questID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load quest %q: %w", questID, err)
	}
	started, err := r.countByField(ctx, "QUEST_START", "quest_id", questID)
	if err != nil {
		return err
	}
	completed, err := r.countByField(ctx, "QUEST_COMPLETE", "quest_id", questID)
	if err != nil {
		return err
	}
	return wrapSave("quest", questID, (Repo[Quest]{}).Update(ctx, r.tx, row.ID, map[string]any{
		"times_started":   started,
		"times_completed": completed,
	}))
}

// eventQuery selects events of eventType whose payload key, read as text,
// equals value. Reading as text lets numeric identifiers such as
// quest_id=101 match the string key stored on the entity.
func (r *Recalculator) eventQuery(ctx context.Context, eventType, key, value string) *gorm.DB {
	return r.tx.WithContext(ctx).Model(&GameEvent{}).
		Where("event_type = ?", eventType).
		Where(gorm.Expr("CAST(? AS TEXT) = ?", datatypes.JSONQuery(payloadColumn).Extract(key), value))
}

func (r *Recalculator) countByField(ctx context.Context, eventType, key, value string) (int64, error) {
	var n int64
	if err := r.eventQuery(ctx, eventType, key, value).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count %s by %s=%q: %w", eventType, key, value, err)
	}
	return n, nil
}

func (r *Recalculator) eventsByField(ctx context.Context, eventType, key, value string) ([]GameEvent, error) {
	var events []GameEvent
	if err := r.eventQuery(ctx, eventType, key, value).Find(&events).Error; err != nil {
		return nil, fmt.Errorf("load %s by %s=%q: %w", eventType, key, value, err)
	}
	return events, nil
}

func wrapSave(kind, key string, err error) error {
	if err != nil {
		return fmt.Errorf("save %s %q: %w", kind, key, err)
	}
	return nil
}

func round(f float64) int64 { return int64(math.Round(f)) }
