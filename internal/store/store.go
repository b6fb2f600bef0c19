// Package store defines the persisted entities of the publishing core and
// the repository interfaces the orchestrator reads and writes each cycle.
//
// Every document carries a monotonically increasing Version. Writers pass
// the version they loaded at cycle start; a mismatch on save means another
// cycle ran concurrently and the write is rejected with ErrVersionConflict.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrVersionConflict is returned when a version-checked save observes a
// newer document than the one the caller loaded.
var ErrVersionConflict = errors.New("store: version conflict")

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("store: not found")

// FingerprintKind distinguishes the dedup tables and their windows.
type FingerprintKind string

const (
	KindQuestion   FingerprintKind = "question"
	KindBackground FingerprintKind = "background"
	KindMusic      FingerprintKind = "music"
)

// Fingerprint is the identity signature of one produced content unit.
// Text kinds keep their shingle set so similarity can be computed against
// candidates; asset kinds match on Hash only.
type Fingerprint struct {
	Kind      FingerprintKind `json:"kind" db:"kind"`
	Hash      string          `json:"hash" db:"hash"`
	Shingles  []string        `json:"shingles,omitempty" db:"-"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Outcome classifies how a publish slot ended.
type Outcome string

const (
	OutcomePublished Outcome = "published"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// Performance is the matured engagement snapshot attached to a
// PublishRecord once, after the maturation delay.
type Performance struct {
	Impressions    int64     `json:"impressions" db:"impressions"`
	CompletionRate float64   `json:"completion_rate" db:"completion_rate"`
	CTR            float64   `json:"ctr" db:"ctr"`
	EngagementRate float64   `json:"engagement_rate" db:"engagement_rate"`
	MaturedAt      time.Time `json:"matured_at" db:"matured_at"`
}

// PublishRecord is one attempted publish event with its slot choices.
type PublishRecord struct {
	SlotID      string       `json:"slot_id" db:"slot_id"`
	ScheduledAt time.Time    `json:"scheduled_at" db:"scheduled_at"`
	AttemptedAt time.Time    `json:"attempted_at" db:"attempted_at"`
	Template    string       `json:"template" db:"template"`
	Category    string       `json:"category" db:"category"`
	Voice       string       `json:"voice" db:"voice"`
	Hour        int          `json:"hour" db:"hour"`
	Outcome     Outcome      `json:"outcome" db:"outcome"`
	Reason      string       `json:"reason,omitempty" db:"reason"`
	ContentID   string       `json:"content_id,omitempty" db:"content_id"`
	Performance *Performance `json:"performance,omitempty" db:"-"`
}

// Matured reports whether the performance snapshot has been attached.
func (r *PublishRecord) Matured() bool { return r.Performance != nil }

// StrategyDoc is the versioned weight table, one map per dimension.
type StrategyDoc struct {
	SchemaVersion int                           `json:"schema_version"`
	Version       int64                         `json:"version"`
	UpdatedAt     time.Time                     `json:"updated_at"`
	LastRecompute time.Time                     `json:"last_recompute"`
	Weights       map[string]map[string]float64 `json:"weights"`
}

// CircuitState is the breaker state of one provider for one capability.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// ProviderHealth is the persisted breaker record for (capability, provider).
type ProviderHealth struct {
	Capability          string       `json:"capability" db:"capability"`
	Provider            string       `json:"provider" db:"provider"`
	ConsecutiveFailures int          `json:"consecutive_failures" db:"consecutive_failures"`
	State               CircuitState `json:"state" db:"state"`
	LastTransition      time.Time    `json:"last_transition" db:"last_transition"`
	TotalCalls          int64        `json:"total_calls" db:"total_calls"`
	TotalFailures       int64        `json:"total_failures" db:"total_failures"`
}

// RiskMode is the publish-gating signal derived by the risk manager.
type RiskMode string

const (
	RiskNormal    RiskMode = "NORMAL"
	RiskThrottled RiskMode = "THROTTLED"
	RiskPaused    RiskMode = "PAUSED"
)

// RiskDoc is the single risk-state document.
type RiskDoc struct {
	Version          int64     `json:"version"`
	Mode             RiskMode  `json:"mode"`
	EnteredAt        time.Time `json:"entered_at"`
	ImpressionRatio  float64   `json:"impression_ratio"`
	FailureRate      float64   `json:"failure_rate"`
	OperatorOverride string    `json:"operator_override,omitempty"` // pinned mode name, empty when unset
	UpdatedAt        time.Time `json:"updated_at"`
}

// FingerprintRepo persists content fingerprints for duplicate queries.
type FingerprintRepo interface {
	// Insert records a fingerprint after a successful, non-duplicate selection.
	Insert(ctx context.Context, fp Fingerprint) error
	// ListSince returns fingerprints of kind created at or after since.
	ListSince(ctx context.Context, kind FingerprintKind, since time.Time) ([]Fingerprint, error)
	// DeleteOlderThan prunes fingerprints created before cutoff, all kinds.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// PublishRepo persists publish records and their one-shot performance.
type PublishRepo interface {
	Insert(ctx context.Context, rec PublishRecord) error
	// AttachPerformance writes the matured snapshot for slotID exactly once.
	AttachPerformance(ctx context.Context, slotID string, perf Performance) error
	// ListSince returns records attempted at or after since, slot order.
	ListSince(ctx context.Context, since time.Time) ([]PublishRecord, error)
	// ListRecent returns up to n most recent records, newest first.
	ListRecent(ctx context.Context, n int) ([]PublishRecord, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// StrategyRepo holds the single strategy document.
type StrategyRepo interface {
	Load(ctx context.Context) (*StrategyDoc, error)
	// Save rejects the write with ErrVersionConflict unless the stored
	// version still equals doc.Version; on success the stored version
	// becomes doc.Version+1.
	Save(ctx context.Context, doc *StrategyDoc) error
}

// RiskRepo holds the single risk document with the same version discipline.
type RiskRepo interface {
	Load(ctx context.Context) (*RiskDoc, error)
	Save(ctx context.Context, doc *RiskDoc) error
}

// HealthRepo persists provider circuit records.
type HealthRepo interface {
	Upsert(ctx context.Context, h ProviderHealth) error
	Get(ctx context.Context, capability, provider string) (*ProviderHealth, error)
	ListAll(ctx context.Context) ([]ProviderHealth, error)
}

// Store aggregates the repositories a cycle needs.
type Store struct {
	Fingerprints FingerprintRepo
	Publishes    PublishRepo
	Strategy     StrategyRepo
	Risk         RiskRepo
	Health       HealthRepo
}
