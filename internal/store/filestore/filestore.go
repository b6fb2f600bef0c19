// Package filestore is the default document-store backend: one JSON file
// per entity table under a data directory, written atomically via a temp
// file and rename. It assumes the single-process discipline described in
// the concurrency model; the version fields still guard against a second
// cycle racing the same files.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/shortpilot/shortpilot/internal/store"
)

const (
	fingerprintsFile = "fingerprints.json"
	publishesFile    = "publishes.json"
	strategyFile     = "strategy.json"
	riskFile         = "risk.json"
	healthFile       = "provider_health.json"
)

// FileStore owns the data directory and hands out repository views.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// New creates the data directory if needed and returns a FileStore.
func New(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Repos returns the aggregate store view backed by this directory.
func (fs *FileStore) Repos() store.Store {
	return store.Store{
		Fingerprints: &fingerprintRepo{fs},
		Publishes:    &publishRepo{fs},
		Strategy:     &strategyRepo{fs},
		Risk:         &riskRepo{fs},
		Health:       &healthRepo{fs},
	}
}

type fingerprintTable struct {
	Version int64               `json:"version"`
	Items   []store.Fingerprint `json:"items"`
}

type publishTable struct {
	Version int64                 `json:"version"`
	Items   []store.PublishRecord `json:"items"`
}

type healthTable struct {
	Version int64                  `json:"version"`
	Items   []store.ProviderHealth `json:"items"`
}

func (fs *FileStore) path(name string) string { return filepath.Join(fs.dir, name) }

// readJSON decodes the named file into v. Missing files are reported as
// store.ErrNotFound so callers can initialize defaults on first run.
func (fs *FileStore) readJSON(name string, v interface{}) error {
	data, err := os.ReadFile(fs.path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return store.ErrNotFound
		}
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

// writeJSON writes v to a temp file in the same directory and renames it
// into place, so readers never observe a partial document.
func (fs *FileStore) writeJSON(name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	tmp, err := os.CreateTemp(fs.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("temp file for %s: %w", name, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmpName, fs.path(name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}

type fingerprintRepo struct{ fs *FileStore }

func (r *fingerprintRepo) Insert(ctx context.Context, fp store.Fingerprint) error {
	r.fs.mu.Lock()
	defer r.fs.mu.Unlock()

	var tbl fingerprintTable
	if err := r.fs.readJSON(fingerprintsFile, &tbl); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	tbl.Items = append(tbl.Items, fp)
	tbl.Version++
	return r.fs.writeJSON(fingerprintsFile, &tbl)
}

func (r *fingerprintRepo) ListSince(ctx context.Context, kind store.FingerprintKind, since time.Time) ([]store.Fingerprint, error) {
	r.fs.mu.Lock()
	defer r.fs.mu.Unlock()

	var tbl fingerprintTable
	if err := r.fs.readJSON(fingerprintsFile, &tbl); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var out []store.Fingerprint
	for _, fp := range tbl.Items {
		if fp.Kind == kind && !fp.CreatedAt.Before(since) {
			out = append(out, fp)
		}
	}
	return out, nil
}

func (r *fingerprintRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	r.fs.mu.Lock()
	defer r.fs.mu.Unlock()

	var tbl fingerprintTable
	if err := r.fs.readJSON(fingerprintsFile, &tbl); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	kept := tbl.Items[:0]
	removed := 0
	for _, fp := range tbl.Items {
		if fp.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, fp)
	}
	if removed == 0 {
		return 0, nil
	}
	tbl.Items = kept
	tbl.Version++
	if err := r.fs.writeJSON(fingerprintsFile, &tbl); err != nil {
		return 0, err
	}
	return removed, nil
}

type publishRepo struct{ fs *FileStore }

func (r *publishRepo) load() (publishTable, error) {
	var tbl publishTable
	err := r.fs.readJSON(publishesFile, &tbl)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return tbl, err
	}
	return tbl, nil
}

func (r *publishRepo) Insert(ctx context.Context, rec store.PublishRecord) error {
	r.fs.mu.Lock()
	defer r.fs.mu.Unlock()

	tbl, err := r.load()
	if err != nil {
		return err
	}
	tbl.Items = append(tbl.Items, rec)
	tbl.Version++
	return r.fs.writeJSON(publishesFile, &tbl)
}

func (r *publishRepo) AttachPerformance(ctx context.Context, slotID string, perf store.Performance) error {
	r.fs.mu.Lock()
	defer r.fs.mu.Unlock()

	tbl, err := r.load()
	if err != nil {
		return err
	}
	for i := range tbl.Items {
		if tbl.Items[i].SlotID != slotID {
			continue
		}
		if tbl.Items[i].Performance != nil {
			return fmt.Errorf("performance already attached for slot %s", slotID)
		}
		tbl.Items[i].Performance = &perf
		tbl.Version++
		return r.fs.writeJSON(publishesFile, &tbl)
	}
	return store.ErrNotFound
}

func (r *publishRepo) ListSince(ctx context.Context, since time.Time) ([]store.PublishRecord, error) {
	r.fs.mu.Lock()
	defer r.fs.mu.Unlock()

	tbl, err := r.load()
	if err != nil {
		return nil, err
	}
	var out []store.PublishRecord
	for _, rec := range tbl.Items {
		if !rec.AttemptedAt.Before(since) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptedAt.Before(out[j].AttemptedAt) })
	return out, nil
}

func (r *publishRepo) ListRecent(ctx context.Context, n int) ([]store.PublishRecord, error) {
	r.fs.mu.Lock()
	defer r.fs.mu.Unlock()

	tbl, err := r.load()
	if err != nil {
		return nil, err
	}
	out := make([]store.PublishRecord, len(tbl.Items))
	copy(out, tbl.Items)
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptedAt.After(out[j].AttemptedAt) })
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (r *publishRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	r.fs.mu.Lock()
	defer r.fs.mu.Unlock()

	tbl, err := r.load()
	if err != nil {
		return 0, err
	}
	kept := tbl.Items[:0]
	removed := 0
	for _, rec := range tbl.Items {
		if rec.AttemptedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	if removed == 0 {
		return 0, nil
	}
	tbl.Items = kept
	tbl.Version++
	if err := r.fs.writeJSON(publishesFile, &tbl); err != nil {
		return 0, err
	}
	return removed, nil
}

type strategyRepo struct{ fs *FileStore }

func (r *strategyRepo) Load(ctx context.Context) (*store.StrategyDoc, error) {
	r.fs.mu.Lock()
	defer r.fs.mu.Unlock()

	var doc store.StrategyDoc
	if err := r.fs.readJSON(strategyFile, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (r *strategyRepo) Save(ctx context.Context, doc *store.StrategyDoc) error {
	r.fs.mu.Lock()
	defer r.fs.mu.Unlock()

	var current store.StrategyDoc
	err := r.fs.readJSON(strategyFile, &current)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// First save wins with whatever version the caller seeded.
	case err != nil:
		return err
	case current.Version != doc.Version:
		return store.ErrVersionConflict
	}
	saved := *doc
	saved.Version = doc.Version + 1
	if err := r.fs.writeJSON(strategyFile, &saved); err != nil {
		return err
	}
	doc.Version = saved.Version
	return nil
}

type riskRepo struct{ fs *FileStore }

func (r *riskRepo) Load(ctx context.Context) (*store.RiskDoc, error) {
	r.fs.mu.Lock()
	defer r.fs.mu.Unlock()

	var doc store.RiskDoc
	if err := r.fs.readJSON(riskFile, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (r *riskRepo) Save(ctx context.Context, doc *store.RiskDoc) error {
	r.fs.mu.Lock()
	defer r.fs.mu.Unlock()

	var current store.RiskDoc
	err := r.fs.readJSON(riskFile, &current)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return err
	case current.Version != doc.Version:
		return store.ErrVersionConflict
	}
	saved := *doc
	saved.Version = doc.Version + 1
	if err := r.fs.writeJSON(riskFile, &saved); err != nil {
		return err
	}
	doc.Version = saved.Version
	return nil
}

type healthRepo struct{ fs *FileStore }

func (r *healthRepo) Upsert(ctx context.Context, h store.ProviderHealth) error {
	r.fs.mu.Lock()
	defer r.fs.mu.Unlock()

	var tbl healthTable
	if err := r.fs.readJSON(healthFile, &tbl); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	found := false
	for i := range tbl.Items {
		if tbl.Items[i].Capability == h.Capability && tbl.Items[i].Provider == h.Provider {
			tbl.Items[i] = h
			found = true
			break
		}
	}
	if !found {
		tbl.Items = append(tbl.Items, h)
	}
	tbl.Version++
	return r.fs.writeJSON(healthFile, &tbl)
}

func (r *healthRepo) Get(ctx context.Context, capability, provider string) (*store.ProviderHealth, error) {
	r.fs.mu.Lock()
	defer r.fs.mu.Unlock()

	var tbl healthTable
	if err := r.fs.readJSON(healthFile, &tbl); err != nil {
		return nil, err
	}
	for i := range tbl.Items {
		if tbl.Items[i].Capability == capability && tbl.Items[i].Provider == provider {
			h := tbl.Items[i]
			return &h, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *healthRepo) ListAll(ctx context.Context) ([]store.ProviderHealth, error) {
	r.fs.mu.Lock()
	defer r.fs.mu.Unlock()

	var tbl healthTable
	if err := r.fs.readJSON(healthFile, &tbl); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]store.ProviderHealth, len(tbl.Items))
	copy(out, tbl.Items)
	return out, nil
}
