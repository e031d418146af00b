package ingester

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"
)

// FileStatusView is the status surface of one upload.
type FileStatusView struct {
	ID          uint       `json:"id"`
	Filename    string     `json:"filename"`
	Status      FileStatus `json:"status"`
	EventsCount int        `json:"events_count"`
	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

func viewOf(f UploadedFile) FileStatusView {
	return FileStatusView{
		ID:          f.ID,
		Filename:    f.Name,
		Status:      f.Status,
		EventsCount: f.EventsCount,
		CreatedAt:   f.CreatedAt,
		ProcessedAt: f.ProcessedAt,
	}
}

func GetFileStatus(ctx context.Context, db *gorm.DB, id uint) (*FileStatusView, error) {
	rec, err := Repo[UploadedFile]{}.Find(ctx, db, "id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("upload %d: %w", id, err)
	}
	v := viewOf(*rec)
	return &v, nil
}

// ListUploads returns the newest uploads first, optionally filtered by status.
func ListUploads(ctx context.Context, db *gorm.DB, status FileStatus, limit int) ([]FileStatusView, error) {
	q := db.WithContext(ctx).Order("id desc").Limit(clampLimit(limit, 50))
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var recs []UploadedFile
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]FileStatusView, 0, len(recs))
	for _, r := range recs {
		out = append(out, viewOf(r))
	}
	return out, nil
}

// Leaderboard ranks players by total score.
func Leaderboard(ctx context.Context, db *gorm.DB, limit int) ([]Player, error) {
	var players []Player
	err := db.WithContext(ctx).
		Order("total_score desc").Order("player_id asc").
		Limit(clampLimit(limit, 10)).
		Find(&players).Error
	return players, err
}

type PlayerStats struct {
	Player       Player      `json:"player"`
	KDRatio      float64     `json:"kd_ratio"`
	RecentEvents []GameEvent `json:"recent_events"`
}

// GetPlayerStats returns a player with its kill/death ratio and latest events.
func GetPlayerStats(ctx context.Context, db *gorm.DB, playerID string, recent int) (*PlayerStats, error) {
	p, err := Repo[Player]{}.Find(ctx, db, "player_id = ?", playerID)
	if err != nil {
		return nil, fmt.Errorf("player %q: %w", playerID, err)
	}
	var events []GameEvent
	err = db.WithContext(ctx).
		Where("player_id = ?", playerID).
		Order("timestamp desc").
		Limit(clampLimit(recent, 10)).
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return &PlayerStats{Player: *p, KDRatio: p.KDRatio(), RecentEvents: events}, nil
}

// TopItems ranks items by "pickups" (default) or "quantity".
func TopItems(ctx context.Context, db *gorm.DB, by string, limit int) ([]Item, error) {
	order := "total_pickups desc"
	if by == "quantity" {
		order = "total_quantity desc"
	}
	var items []Item
	err := db.WithContext(ctx).Order(order).Order("name asc").Limit(clampLimit(limit, 10)).Find(&items).Error
	return items, err
}

type CountByKey struct {
	Key      string `json:"key"`
	Count    int64  `json:"count"`
	Quantity int64  `json:"quantity,omitempty"`
}

type ItemStats struct {
	Item            Item         `json:"item"`
	PickupLocations []CountByKey `json:"pickup_locations"`
	TopCollectors   []CountByKey `json:"top_collectors"`
}

// GetItemStats breaks an item's pickups down by location and by player.
func GetItemStats(ctx context.Context, db *gorm.DB, name string) (*ItemStats, error) {
	item, err := Repo[Item]{}.Find(ctx, db, "name = ?", name)
	if err != nil {
		return nil, fmt.Errorf("item %q: %w", name, err)
	}
	events, err := NewRecalculator(db).eventsByField(ctx, "ITEM_PICKUP", "item", name)
	if err != nil {
		return nil, err
	}
	byLoc := map[string]*CountByKey{}
	byPlayer := map[string]*CountByKey{}
	for _, ev := range events {
		data := ev.Data()
		qty := round(data.Number("qty"))
		loc, ok := data.Str("location")
		if !ok {
			loc = "unknown"
		}
		bump(byLoc, loc, qty)
		if ev.PlayerID != nil {
			bump(byPlayer, *ev.PlayerID, qty)
		}
	}
	return &ItemStats{
		Item:            *item,
		PickupLocations: ranked(byLoc, 0),
		TopCollectors:   ranked(byPlayer, 10),
	}, nil
}

func bump(m map[string]*CountByKey, key string, qty int64) {
	c, ok := m[key]
	if !ok {
		c = &CountByKey{Key: key}
		m[key] = c
	}
	c.Count++
	c.Quantity += qty
}

func ranked(m map[string]*CountByKey, limit int) []CountByKey {
	out := make([]CountByKey, 0, len(m))
	for _, c := range m {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

type EventsSummary struct {
	Total      int64        `json:"total"`
	ByType     []CountByKey `json:"by_type"`
	ByCategory []CountByKey `json:"by_category"`
}

// SummarizeEvents counts events by type and category, optionally only
// those at or after since.
func SummarizeEvents(ctx context.Context, db *gorm.DB, since *time.Time) (*EventsSummary, error) {
	base := func() *gorm.DB {
		q := db.WithContext(ctx).Model(&GameEvent{})
		if since != nil {
			q = q.Where("timestamp >= ?", since.UTC())
		}
		return q
	}
	var s EventsSummary
	if err := base().Count(&s.Total).Error; err != nil {
		return nil, err
	}
	var err error
	if s.ByType, err = groupCount(base(), "event_type"); err != nil {
		return nil, err
	}
	if s.ByCategory, err = groupCount(base(), "category"); err != nil {
		return nil, err
	}
	return &s, nil
}

func groupCount(q *gorm.DB, column string) ([]CountByKey, error) {
	var rows []CountByKey
	err := q.Select(column + ` AS "key", COUNT(*) AS "count"`).
		Group(column).
		Order(`"count" desc`).Order(column + " asc").
		Scan(&rows).Error
	return rows, err
}

type Dashboard struct {
	WindowHours int            `json:"window_hours"`
	Players     PlayerMetrics  `json:"players"`
	Combat      CombatMetrics  `json:"combat"`
	Economy     EconMetrics    `json:"economy"`
	Activity    *EventsSummary `json:"activity"`
	TopItems    []Item         `json:"top_items"`
	TopBosses   []Boss         `json:"top_bosses"`
	TopQuests   []QuestStat    `json:"top_quests"`
}

type PlayerMetrics struct {
	Total  int64 `json:"total"`
	Active int64 `json:"active"`
}

type CombatMetrics struct {
	Deaths        int64 `json:"deaths"`
	BossDefeats   int64 `json:"boss_defeats"`
	BossDamage    int64 `json:"boss_damage"`
	FightsStarted int64 `json:"fights_started"`
}

type EconMetrics struct {
	TotalGold  int64 `json:"total_gold"`
	TotalXP    int64 `json:"total_xp"`
	ItemsFound int64 `json:"items_found"`
}

type QuestStat struct {
	Quest          Quest   `json:"quest"`
	CompletionRate float64 `json:"completion_rate"`
}

// BuildDashboard reports activity in the hours before now alongside the
// all-time entity rankings.
func BuildDashboard(ctx context.Context, db *gorm.DB, now time.Time, hours int) (*Dashboard, error) {
	if hours <= 0 {
		hours = 24
	}
	since := now.UTC().Add(-time.Duration(hours) * time.Hour)
	d := &Dashboard{WindowHours: hours}

	players := Repo[Player]{}
	var err error
	if d.Players.Total, err = players.Count(ctx, db, nil); err != nil {
		return nil, err
	}
	if d.Players.Active, err = players.Count(ctx, db, "last_seen >= ?", since); err != nil {
		return nil, err
	}

	if d.Activity, err = SummarizeEvents(ctx, db, &since); err != nil {
		return nil, err
	}
	for _, c := range d.Activity.ByType {
		switch c.Key {
		case "DEATH":
			d.Combat.Deaths = c.Count
		case "BOSS_DEFEAT":
			d.Combat.BossDefeats = c.Count
		case "BOSS_FIGHT_START":
			d.Combat.FightsStarted = c.Count
		}
	}

	var windowEvents []GameEvent
	err = db.WithContext(ctx).
		Where("timestamp >= ? AND event_type IN ?", since, []string{"BOSS_DAMAGE", "BOSS_DEFEAT", "QUEST_COMPLETE", "ITEM_PICKUP"}).
		Find(&windowEvents).Error
	if err != nil {
		return nil, err
	}
	var damage, gold, xp, qty float64
	for _, ev := range windowEvents {
		data := ev.Data()
		switch ev.EventType {
		case "BOSS_DAMAGE":
			damage += data.Number("damage")
		case "BOSS_DEFEAT", "QUEST_COMPLETE":
			gold += data.Number("gold")
			xp += data.Number("xp")
		case "ITEM_PICKUP":
			qty += data.Number("qty")
		}
	}
	d.Combat.BossDamage = round(damage)
	d.Economy = EconMetrics{TotalGold: round(gold), TotalXP: round(xp), ItemsFound: round(qty)}

	if d.TopItems, err = TopItems(ctx, db, "pickups", 5); err != nil {
		return nil, err
	}
	if err := db.WithContext(ctx).Order("total_defeats desc").Order("name asc").Limit(5).Find(&d.TopBosses).Error; err != nil {
		return nil, err
	}
	if d.TopQuests, err = TopQuests(ctx, db, 5); err != nil {
		return nil, err
	}
	return d, nil
}

// TopQuests ranks quests by completions.
func TopQuests(ctx context.Context, db *gorm.DB, limit int) ([]QuestStat, error) {
	var quests []Quest
	err := db.WithContext(ctx).Order("times_completed desc").Order("quest_id asc").Limit(clampLimit(limit, 10)).Find(&quests).Error
	if err != nil {
		return nil, err
	}
	out := make([]QuestStat, 0, len(quests))
	for _, q := range quests {
		out = append(out, QuestStat{Quest: q, CompletionRate: q.CompletionRate()})
	}
	return out, nil
}

func clampLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

// IsNotFound reports whether err came from a lookup that matched nothing.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, gorm.ErrRecordNotFound)
}
