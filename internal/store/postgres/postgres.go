// Package postgres implements the store repositories over PostgreSQL via
// sqlx. Schema lives in schema.sql; the single-document entities
// (strategy, risk) are stored as one JSONB row guarded by a version
// column for optimistic concurrency.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/shortpilot/shortpilot/internal/store"
)

// Connect opens a pooled connection and verifies it.
func Connect(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

const defaultQueryTimeout = 5 * time.Second

// queryTimeout normalizes the per-query timeout; non-positive values
// fall back to the default rather than producing dead contexts.
func queryTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultQueryTimeout
	}
	return d
}

// Repos returns the aggregate store view backed by db. timeout bounds
// every query; pass zero for the default.
func Repos(db *sqlx.DB, timeout time.Duration) store.Store {
	timeout = queryTimeout(timeout)
	return store.Store{
		Fingerprints: &fingerprintRepo{db: db, timeout: timeout},
		Publishes:    &publishRepo{db: db, timeout: timeout},
		Strategy:     &docRepo[store.StrategyDoc]{db: db, timeout: timeout, name: "strategy"},
		Risk:         &docRepo[store.RiskDoc]{db: db, timeout: timeout, name: "risk"},
		Health:       &healthRepo{db: db, timeout: timeout},
	}
}

type fingerprintRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

func (r *fingerprintRepo) Insert(ctx context.Context, fp store.Fingerprint) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	shingles, err := json.Marshal(fp.Shingles)
	if err != nil {
		return fmt.Errorf("marshal shingles: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO fingerprints (kind, hash, shingles, created_at)
		VALUES ($1, $2, $3, $4)`,
		fp.Kind, fp.Hash, shingles, fp.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert fingerprint: %w", err)
	}
	return nil
}

func (r *fingerprintRepo) ListSince(ctx context.Context, kind store.FingerprintKind, since time.Time) ([]store.Fingerprint, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT kind, hash, shingles, created_at
		FROM fingerprints
		WHERE kind = $1 AND created_at >= $2
		ORDER BY created_at`,
		kind, since)
	if err != nil {
		return nil, fmt.Errorf("list fingerprints: %w", err)
	}
	defer rows.Close()

	var out []store.Fingerprint
	for rows.Next() {
		var fp store.Fingerprint
		var shingles []byte
		if err := rows.Scan(&fp.Kind, &fp.Hash, &shingles, &fp.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan fingerprint: %w", err)
		}
		if len(shingles) > 0 {
			if err := json.Unmarshal(shingles, &fp.Shingles); err != nil {
				return nil, fmt.Errorf("unmarshal shingles: %w", err)
			}
		}
		out = append(out, fp)
	}
	return out, rows.Err()
}

func (r *fingerprintRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `DELETE FROM fingerprints WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune fingerprints: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type publishRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

func (r *publishRepo) Insert(ctx context.Context, rec store.PublishRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO publish_records
		(slot_id, scheduled_at, attempted_at, template, category, voice, hour, outcome, reason, content_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.SlotID, rec.ScheduledAt, rec.AttemptedAt, rec.Template, rec.Category,
		rec.Voice, rec.Hour, rec.Outcome, rec.Reason, rec.ContentID)
	if err != nil {
		return fmt.Errorf("insert publish record: %w", err)
	}
	return nil
}

func (r *publishRepo) AttachPerformance(ctx context.Context, slotID string, perf store.Performance) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	perfJSON, err := json.Marshal(perf)
	if err != nil {
		return fmt.Errorf("marshal performance: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE publish_records SET performance = $2
		WHERE slot_id = $1 AND performance IS NULL`,
		slotID, perfJSON)
	if err != nil {
		return fmt.Errorf("attach performance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

const publishColumns = `slot_id, scheduled_at, attempted_at, template, category, voice, hour, outcome, reason, content_id, performance`

func scanPublish(rows *sqlx.Rows) (store.PublishRecord, error) {
	var rec store.PublishRecord
	var perf []byte
	err := rows.Scan(&rec.SlotID, &rec.ScheduledAt, &rec.AttemptedAt, &rec.Template,
		&rec.Category, &rec.Voice, &rec.Hour, &rec.Outcome, &rec.Reason, &rec.ContentID, &perf)
	if err != nil {
		return rec, err
	}
	if len(perf) > 0 {
		rec.Performance = &store.Performance{}
		if err := json.Unmarshal(perf, rec.Performance); err != nil {
			return rec, fmt.Errorf("unmarshal performance: %w", err)
		}
	}
	return rec, nil
}

func (r *publishRepo) ListSince(ctx context.Context, since time.Time) ([]store.PublishRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT `+publishColumns+` FROM publish_records
		WHERE attempted_at >= $1 ORDER BY attempted_at`, since)
	if err != nil {
		return nil, fmt.Errorf("list publish records: %w", err)
	}
	defer rows.Close()
	return collectPublishes(rows)
}

func (r *publishRepo) ListRecent(ctx context.Context, n int) ([]store.PublishRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT `+publishColumns+` FROM publish_records
		ORDER BY attempted_at DESC LIMIT $1`, n)
	if err != nil {
		return nil, fmt.Errorf("list recent publish records: %w", err)
	}
	defer rows.Close()
	return collectPublishes(rows)
}

func collectPublishes(rows *sqlx.Rows) ([]store.PublishRecord, error) {
	var out []store.PublishRecord
	for rows.Next() {
		rec, err := scanPublish(rows)
		if err != nil {
			return nil, fmt.Errorf("scan publish record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *publishRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `DELETE FROM publish_records WHERE attempted_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune publish records: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// docRepo stores a single versioned JSONB document per name. The version
// column is matched on update, which serializes the single writer.
type docRepo[T any] struct {
	db      *sqlx.DB
	timeout time.Duration
	name    string
}

func (r *docRepo[T]) Load(ctx context.Context) (*T, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var body []byte
	err := r.db.QueryRowxContext(ctx,
		`SELECT body FROM state_documents WHERE name = $1`, r.name).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("load %s document: %w", r.name, err)
	}
	doc := new(T)
	if err := json.Unmarshal(body, doc); err != nil {
		return nil, fmt.Errorf("decode %s document: %w", r.name, err)
	}
	return doc, nil
}

// Save implements the version-checked write. The document's own Version
// field is read via JSON to avoid per-type plumbing.
func (r *docRepo[T]) Save(ctx context.Context, doc *T) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	version, err := extractVersion(doc)
	if err != nil {
		return err
	}
	next, err := bumpVersion(doc, version+1)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO state_documents (name, version, body)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET version = $2, body = $3
		WHERE state_documents.version = $4`,
		r.name, version+1, next, version)
	if err != nil {
		return fmt.Errorf("save %s document: %w", r.name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrVersionConflict
	}
	if err := json.Unmarshal(next, doc); err != nil {
		return fmt.Errorf("reload %s document: %w", r.name, err)
	}
	return nil
}

func extractVersion(doc interface{}) (int64, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return 0, fmt.Errorf("marshal document: %w", err)
	}
	var probe struct {
		Version int64 `json:"version"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return 0, fmt.Errorf("probe document version: %w", err)
	}
	return probe.Version, nil
}

func bumpVersion(doc interface{}, version int64) ([]byte, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("remarshal document: %w", err)
	}
	v, err := json.Marshal(version)
	if err != nil {
		return nil, err
	}
	m["version"] = v
	return json.Marshal(m)
}

type healthRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

func (r *healthRepo) Upsert(ctx context.Context, h store.ProviderHealth) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO provider_health
		(capability, provider, consecutive_failures, state, last_transition, total_calls, total_failures)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (capability, provider) DO UPDATE SET
			consecutive_failures = EXCLUDED.consecutive_failures,
			state = EXCLUDED.state,
			last_transition = EXCLUDED.last_transition,
			total_calls = EXCLUDED.total_calls,
			total_failures = EXCLUDED.total_failures`,
		h.Capability, h.Provider, h.ConsecutiveFailures, h.State,
		h.LastTransition, h.TotalCalls, h.TotalFailures)
	if err != nil {
		return fmt.Errorf("upsert provider health: %w", err)
	}
	return nil
}

func (r *healthRepo) Get(ctx context.Context, capability, provider string) (*store.ProviderHealth, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var h store.ProviderHealth
	err := r.db.GetContext(ctx, &h, `
		SELECT capability, provider, consecutive_failures, state, last_transition, total_calls, total_failures
		FROM provider_health WHERE capability = $1 AND provider = $2`,
		capability, provider)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get provider health: %w", err)
	}
	return &h, nil
}

func (r *healthRepo) ListAll(ctx context.Context) ([]store.ProviderHealth, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []store.ProviderHealth
	err := r.db.SelectContext(ctx, &out, `
		SELECT capability, provider, consecutive_failures, state, last_transition, total_calls, total_failures
		FROM provider_health ORDER BY capability, provider`)
	if err != nil {
		return nil, fmt.Errorf("list provider health: %w", err)
	}
	return out, nil
}
