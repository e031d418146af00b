package ingester

import (
	"context"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const payloadColumn = "event_data"

// naturalKeys lists, per event type, the fields that identify an event
// beyond its timestamp and type.
var naturalKeys = map[string][]string{
	"BOSS_DEFEAT":    {"boss_name", "defeated_by"},
	"QUEST_COMPLETE": {"player_id", "quest_id"},
	"QUEST_START":    {"player_id", "quest_id"},
	"DEATH":          {"victim_id", "killer_id"},
	"ITEM_PICKUP":    {"player_id", "item", "location"},
	"MESSAGE":        {"player_id", "message"},
	"PLAYER_JOIN":    {"id", "name"},
	"ZONE_ENTER":     {"player_id", "zone"},
	"ZONE_EXIT":      {"player_id", "zone"},
	"SCORE":          {"player_id", "points"},
}

var defaultNaturalKeys = []string{"player_id"}

// NaturalKeys returns the identifying payload fields for eventType.
func NaturalKeys(eventType string) []string {
	if keys, ok := naturalKeys[eventType]; ok {
		return keys
	}
	return defaultNaturalKeys
}

// hashSet holds event hashes seen by one run.
type hashSet map[string]struct{}

func (s hashSet) has(h string) bool {
	_, ok := s[h]
	return ok
}

func (s hashSet) add(h string) { s[h] = struct{}{} }

type Verdict int

const (
	Accepted Verdict = iota
	DuplicateByCache
	DuplicateByHash
	DuplicateByFields
)

func (v Verdict) String() string {
	switch v {
	case Accepted:
		return "accepted"
	case DuplicateByCache:
		return "duplicate_cache"
	case DuplicateByHash:
		return "duplicate_hash"
	case DuplicateByFields:
		return "duplicate_fields"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

func (v Verdict) Duplicate() bool { return v != Accepted }

// Detector decides whether an event was already ingested. It belongs to a
// single run and is not safe for concurrent use.
type Detector struct {
	tx    *gorm.DB
	cache hashSet
	stats DetectorStats
}

type DetectorStats struct {
	Preloaded int
	CacheHits int
	HashHits  int
	FieldHits int
	Accepted  int
}

// NewDetector binds a detector to the run's transaction.
func NewDetector(tx *gorm.DB) *Detector {
	return &Detector{tx: tx, cache: make(hashSet)}
}

// Preload fills the cache with hashes of events created at or after since.
func (d *Detector) Preload(ctx context.Context, since time.Time) error {
	var hashes []string
	err := d.tx.WithContext(ctx).Model(&GameEvent{}).
		Where("created_at >= ? AND event_hash <> ''", since.UTC()).
		Pluck("event_hash", &hashes).Error
	if err != nil {
		return fmt.Errorf("preload event hashes: %w", err)
	}
	for _, h := range hashes {
		d.cache.add(h)
	}
	d.stats.Preloaded = len(hashes)
	return nil
}

// Check classifies ev whose hash is h. It does not record acceptance; call
// Remember once the event is persisted.
func (d *Detector) Check(ctx context.Context, ev ParsedEvent, h string) (Verdict, error) {
	if d.cache.has(h) {
		d.stats.CacheHits++
		return DuplicateByCache, nil
	}

	var n int64
	if err := d.tx.WithContext(ctx).Model(&GameEvent{}).Where("event_hash = ?", h).Limit(1).Count(&n).Error; err != nil {
		return Accepted, fmt.Errorf("hash lookup: %w", err)
	}
	if n > 0 {
		d.cache.add(h)
		d.stats.HashHits++
		return DuplicateByHash, nil
	}

	dup, err := d.matchFields(ctx, ev)
	if err != nil {
		return Accepted, err
	}
	if dup {
		d.stats.FieldHits++
		return DuplicateByFields, nil
	}
	return Accepted, nil
}

// Remember marks h as ingested for the rest of the run.
func (d *Detector) Remember(h string) {
	d.cache.add(h)
	d.stats.Accepted++
}

func (d *Detector) Stats() DetectorStats { return d.stats }

func (d *Detector) matchFields(ctx context.Context, ev ParsedEvent) (bool, error) {
	q := d.tx.WithContext(ctx).Model(&GameEvent{}).
		Where("timestamp = ? AND event_type = ?", ev.Timestamp.UTC(), ev.EventType)
	for _, key := range NaturalKeys(ev.EventType) {
		q = whereField(q, ev.Payload, key)
	}
	var n int64
	if err := q.Limit(1).Count(&n).Error; err != nil {
		return false, fmt.Errorf("field lookup %s: %w", ev.EventType, err)
	}
	return n > 0, nil
}

// whereField narrows q to events whose key equals the payload's value, or
// lacks key entirely when the payload has none.
func whereField(q *gorm.DB, p Payload, key string) *gorm.DB {
	v, ok := p[key]
	if key == "player_id" {
		if !ok {
			return q.Where("player_id IS NULL")
		}
		return q.Where("player_id = ?", v.String())
	}
	if !ok {
		return q.Where(gorm.Expr("NOT (?)", datatypes.JSONQuery(payloadColumn).HasKey(key)))
	}
	return q.Where(datatypes.JSONQuery(payloadColumn).Equals(v.SQLArg(), key))
}
