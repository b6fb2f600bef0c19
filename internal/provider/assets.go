package provider

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// LocalAssetLibrary serves background clips and music tracks from a
// local directory tree (root/background/*, root/music/*). The asset id
// is the file name without extension, stable across runs so no-repeat
// exclusion works.
type LocalAssetLibrary struct {
	root string
	mu   sync.Mutex
	rng  *rand.Rand
}

// NewLocalAssetLibrary builds a library rooted at dir.
func NewLocalAssetLibrary(dir string, seed int64) *LocalAssetLibrary {
	return &LocalAssetLibrary{root: dir, rng: rand.New(rand.NewSource(seed))}
}

// Name implements the provider contract.
func (l *LocalAssetLibrary) Name() string { return "local_library" }

// Call picks a random non-excluded asset of the requested kind.
func (l *LocalAssetLibrary) Call(_ context.Context, req AssetRequest) (AssetResult, error) {
	dir := filepath.Join(l.root, req.Kind)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return AssetResult{}, fmt.Errorf("read asset dir %s: %w", dir, err)
	}

	excluded := make(map[string]struct{}, len(req.Exclude))
	for _, id := range req.Exclude {
		excluded[strings.ToLower(id)] = struct{}{}
	}

	var pool []AssetResult
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		id := strings.ToLower(strings.TrimSuffix(name, filepath.Ext(name)))
		if _, skip := excluded[id]; skip {
			continue
		}
		pool = append(pool, AssetResult{AssetID: id, Path: filepath.Join(dir, name)})
	}
	if len(pool) == 0 {
		return AssetResult{}, fmt.Errorf("no eligible %s assets outside their no-repeat window", req.Kind)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return pool[l.rng.Intn(len(pool))], nil
}
