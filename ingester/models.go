package ingester

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

type FileStatus string

const (
	StatusPending    FileStatus = "pending"
	StatusProcessing FileStatus = "processing"
	StatusCompleted  FileStatus = "completed"
	StatusFailed     FileStatus = "failed"
)

var fileTransitions = map[FileStatus][]FileStatus{
	StatusPending:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusFailed:     {StatusProcessing},
	// A completed record is reopened only when its content changed on disk.
	StatusCompleted: {StatusProcessing},
}

// CanTransition reports whether a record may move from s to next.
func (s FileStatus) CanTransition(next FileStatus) bool {
	for _, allowed := range fileTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// checkTransition returns ErrInvalidTransition wrapped with both states.
func checkTransition(from, to FileStatus) error {
	if from.CanTransition(to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

type UploadedFile struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	FilePath    string     `gorm:"index;size:1024" json:"file_path"`
	Name        string     `gorm:"size:255" json:"name"`
	ContentHash string     `gorm:"column:file_hash;index;size:64" json:"content_hash"`
	Status      FileStatus `gorm:"index;size:16" json:"status"`
	EventsCount int        `json:"events_count"`
	Attempts    int        `json:"attempts"`
	LastError   string     `gorm:"type:text" json:"last_error,omitempty"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	RetryAt     *time.Time `gorm:"index" json:"retry_at,omitempty"`
	ProcessedAt *time.Time `json:"processed_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type GameEvent struct {
	ID             uint                        `gorm:"primaryKey" json:"id"`
	Timestamp      time.Time                   `gorm:"index:idx_events_ts_type,priority:1" json:"timestamp"`
	Category       string                      `gorm:"index;size:64" json:"category"`
	EventType      string                      `gorm:"index;index:idx_events_ts_type,priority:2;index:idx_events_player_type,priority:2;size:64" json:"event_type"`
	// PlayerID is the acting player, nil for events without one.
	PlayerID       *string                     `gorm:"index:idx_events_player_type,priority:1;size:64" json:"player_id"`
	Payload        datatypes.JSONType[Payload] `gorm:"column:event_data" json:"payload"`
	UploadedFileID uint                        `gorm:"index;not null" json:"uploaded_file_id"`
	EventHash      string                      `gorm:"index;size:32" json:"event_hash"`
	CreatedAt      time.Time                   `gorm:"index" json:"created_at"`
}

func newPayloadColumn(p Payload) datatypes.JSONType[Payload] {
	return datatypes.NewJSONType(p)
}

// Data returns the decoded payload.
func (e GameEvent) Data() Payload {
	p := e.Payload.Data()
	if p == nil {
		return Payload{}
	}
	return p
}

type Player struct {
	ID              uint       `gorm:"primaryKey" json:"-"`
	PlayerID        string     `gorm:"uniqueIndex;size:64" json:"player_id"`
	Name            string     `gorm:"size:255" json:"name"`
	Level           int        `json:"level"`
	CurrentZone     *string    `gorm:"index;size:255" json:"current_zone"`
	TotalScore      int64      `json:"total_score"`
	TotalXP         int64      `gorm:"column:total_xp" json:"total_xp"`
	TotalGold       int64      `json:"total_gold"`
	Deaths          int64      `json:"deaths"`
	Kills           int64      `json:"kills"`
	BossesDefeated  int64      `json:"bosses_defeated"`
	QuestsCompleted int64      `json:"quests_completed"`
	LastSeen        *time.Time `gorm:"index" json:"last_seen"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// KDRatio is kills per death; with no deaths it equals kills.
func (p Player) KDRatio() float64 {
	if p.Deaths == 0 {
		return float64(p.Kills)
	}
	return float64(p.Kills) / float64(p.Deaths)
}

type Boss struct {
	ID               uint      `gorm:"primaryKey" json:"-"`
	Name             string    `gorm:"uniqueIndex;size:255" json:"name"`
	TotalDefeats     int64     `json:"total_defeats"`
	TotalDamageTaken int64     `json:"total_damage_taken"`
	TimesSpawned     int64     `json:"times_spawned"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type Item struct {
	ID            uint      `gorm:"primaryKey" json:"-"`
	Name          string    `gorm:"uniqueIndex;size:255" json:"name"`
	TotalPickups  int64     `json:"total_pickups"`
	TotalQuantity int64     `json:"total_quantity"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type Zone struct {
	ID             uint      `gorm:"primaryKey" json:"-"`
	Name           string    `gorm:"uniqueIndex;size:255" json:"name"`
	TotalVisits    int64     `json:"total_visits"`
	CurrentPlayers int64     `json:"current_players"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type Quest struct {
	ID             uint      `gorm:"primaryKey" json:"-"`
	QuestID        string    `gorm:"uniqueIndex;size:64" json:"quest_id"`
	Name           string    `gorm:"size:255" json:"name"`
	TimesStarted   int64     `json:"times_started"`
	TimesCompleted int64     `json:"times_completed"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// CompletionRate is completed/started in percent, 0 when never started.
func (q Quest) CompletionRate() float64 {
	if q.TimesStarted == 0 {
		return 0
	}
	return float64(q.TimesCompleted) / float64(q.TimesStarted) * 100
}

func allModels() []any {
	return []any{&UploadedFile{}, &GameEvent{}, &Player{}, &Boss{}, &Item{}, &Zone{}, &Quest{}}
}
