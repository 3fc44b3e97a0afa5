// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package generated

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/langproxy/pkg/logging"
)

// ErrNotFound indicates no live candidate for a key. Callers fall back to
// asking the backend.
var ErrNotFound = errors.New("generated file not found")

const (
	// DefaultValidationTTL is how long an existence confirmation is trusted.
	DefaultValidationTTL = 30 * time.Second

	// DefaultMinRescanInterval spaces out full scans.
	DefaultMinRescanInterval = 2 * time.Second

	// DefaultStaleThreshold is the number of incremental updates after which
	// a background rescan is started.
	DefaultStaleThreshold = 64

	backgroundRescanTimeout = 2 * time.Minute
)

// Options configures an Index.
type Options struct {
	// Root is the workspace directory to scan.
	Root string

	ValidationTTL     time.Duration
	MinRescanInterval time.Duration
	StaleThreshold    int

	Logger *logging.Logger
}

// Index maps generated-file keys to their current on-disk candidates.
//
// # Description
//
// A full scan walks every obj/ directory under Root. Afterwards single file
// events are applied incrementally, and lookups prune candidates that turn
// out to be gone, so no lookup ever triggers a scan. Existence checks are
// remembered in a TTL cache.
//
// # Thread Safety
//
// Safe for concurrent use.
type Index struct {
	opts   Options
	logger *logging.Logger

	mu      sync.RWMutex
	entries map[string][]Entry

	// Events applied while a scan runs are replayed over its result.
	scanning  bool
	journal   []*protocol.FileEvent
	afterWalk func() // test seam

	probeOnce     sync.Once
	caseSensitive bool

	validated *ttlcache.Cache[string, time.Time]
	limiter   *rate.Limiter
	scans     singleflight.Group

	updatesSinceScan atomic.Int64
	stale            atomic.Bool

	bgMu     sync.Mutex
	bgWG     sync.WaitGroup
	bgCtx    context.Context
	bgCancel context.CancelFunc
	closed   bool
}

// NewIndex creates an empty index. Call Rescan to populate it.
func NewIndex(opts Options) *Index {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.ValidationTTL <= 0 {
		opts.ValidationTTL = DefaultValidationTTL
	}
	if opts.MinRescanInterval <= 0 {
		opts.MinRescanInterval = DefaultMinRescanInterval
	}
	if opts.StaleThreshold <= 0 {
		opts.StaleThreshold = DefaultStaleThreshold
	}

	validated := ttlcache.New[string, time.Time](
		ttlcache.WithTTL[string, time.Time](opts.ValidationTTL),
		ttlcache.WithDisableTouchOnHit[string, time.Time](),
	)
	go validated.Start()

	bgCtx, bgCancel := context.WithCancel(context.Background())
	return &Index{
		opts:          opts,
		logger:        opts.Logger.With("component", "generated-index"),
		entries:       make(map[string][]Entry),
		caseSensitive: true,
		validated:     validated,
		limiter:       rate.NewLimiter(rate.Every(opts.MinRescanInterval), 1),
		bgCtx:         bgCtx,
		bgCancel:      bgCancel,
	}
}

// Close stops background work. The index stays readable.
func (x *Index) Close() {
	x.bgMu.Lock()
	if x.closed {
		x.bgMu.Unlock()
		return
	}
	x.closed = true
	x.bgCancel()
	x.bgMu.Unlock()

	x.bgWG.Wait()
	x.validated.Stop()
}

// =============================================================================
// KEYS
// =============================================================================

func (x *Index) probe() {
	x.probeOnce.Do(func() {
		x.caseSensitive = probeCaseSensitive(x.opts.Root)
		x.logger.Debug("probed filesystem case sensitivity",
			"root", x.opts.Root,
			"case_sensitive", x.caseSensitive,
		)
	})
}

func (x *Index) keyString(k Key) string {
	x.probe()
	s := k.String()
	if !x.caseSensitive {
		s = strings.ToLower(s)
	}
	return s
}

func (x *Index) samePath(a, b string) bool {
	if x.caseSensitive {
		return a == b
	}
	return strings.EqualFold(a, b)
}

// probeCaseSensitive reports whether dir resolves differently from its
// case-swapped spelling.
func probeCaseSensitive(dir string) bool {
	if dir == "" {
		return true
	}
	swapped := swapCase(dir)
	if swapped == dir {
		return true
	}
	a, err := os.Stat(dir)
	if err != nil {
		return true
	}
	b, err := os.Stat(swapped)
	if err != nil {
		return true
	}
	return !os.SameFile(a, b)
}

func swapCase(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z':
			return r - 'A' + 'a'
		default:
			return r
		}
	}, s)
}

// =============================================================================
// SCANNING
// =============================================================================

// FindScanRoots returns every obj directory under root.
//
// Excluded directories are skipped and a found obj directory is not searched
// for nested ones.
func FindScanRoots(root string) ([]string, error) {
	var roots []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if path != root && ExcludedDirs[name] {
			return filepath.SkipDir
		}
		if name == IntermediateDirName {
			roots = append(roots, path)
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("find scan roots under %s: %w", root, err)
	}
	return roots, nil
}

type scanned struct {
	key   Key
	entry Entry
}

// Rescan rebuilds the index from disk.
//
// # Description
//
// Concurrent callers share one scan. Scans are spaced at least
// MinRescanInterval apart; a caller arriving early waits for its slot or
// until ctx ends.
func (x *Index) Rescan(ctx context.Context) error {
	_, err, _ := x.scans.Do("rescan", func() (any, error) {
		if err := x.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return nil, x.scan(ctx)
	})
	return err
}

func (x *Index) scan(ctx context.Context) error {
	x.probe()
	start := time.Now()

	x.mu.Lock()
	x.scanning = true
	x.mu.Unlock()
	swapped := false
	defer func() {
		if !swapped {
			x.mu.Lock()
			x.scanning = false
			x.journal = nil
			x.mu.Unlock()
		}
	}()

	roots, err := FindScanRoots(x.opts.Root)
	if err != nil {
		scansTotal.WithLabelValues("error").Inc()
		return err
	}

	results := make([][]scanned, len(roots))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, root := range roots {
		g.Go(func() error {
			found, err := scanRoot(gctx, root)
			results[i] = found
			return err
		})
	}
	if err := g.Wait(); err != nil {
		scansTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("scan generated files: %w", err)
	}

	if x.afterWalk != nil {
		x.afterWalk()
	}

	entries := make(map[string][]Entry)
	now := time.Now()
	files := 0
	for _, found := range results {
		for _, s := range found {
			ks := x.keyString(s.key)
			entries[ks] = append(entries[ks], s.entry)
			x.validated.Set(s.entry.Path, now, ttlcache.DefaultTTL)
			files++
		}
	}

	x.mu.Lock()
	x.entries = entries
	x.scanning = false
	replay := x.journal
	x.journal = nil
	x.mu.Unlock()
	swapped = true

	x.updatesSinceScan.Store(0)
	x.stale.Store(false)
	for _, ev := range replay {
		x.apply(ev)
	}

	elapsed := time.Since(start)
	scanDuration.Observe(elapsed.Seconds())
	scansTotal.WithLabelValues("ok").Inc()
	indexedKeys.Set(float64(len(entries)))
	x.logger.Info("generated files indexed",
		"roots", len(roots),
		"files", files,
		"keys", len(entries),
		"duration_ms", elapsed.Milliseconds(),
	)
	return nil
}

func scanRoot(ctx context.Context, root string) ([]scanned, error) {
	var found []scanned
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if ExcludedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		key, entry, ok := ParsePath(path)
		if !ok {
			return nil
		}
		if info, err := d.Info(); err == nil {
			entry.ModTime = info.ModTime()
		}
		found = append(found, scanned{key: key, entry: entry})
		return nil
	})
	return found, err
}

// =============================================================================
// INCREMENTAL UPDATES
// =============================================================================

// Refresh applies file events under generated-output directories.
//
// A single event is applied incrementally; anything else triggers a full
// (rate-limited) rescan.
func (x *Index) Refresh(ctx context.Context, changes []*protocol.FileEvent) error {
	switch len(changes) {
	case 0:
		return nil
	case 1:
		x.Update(changes[0])
		if x.needsRescan() {
			x.rescanInBackground()
		}
		return nil
	default:
		return x.Rescan(ctx)
	}
}

// Update applies one file event without scanning. An event arriving during
// a scan is applied again once the scan result is in place.
func (x *Index) Update(ev *protocol.FileEvent) {
	if ev == nil {
		return
	}
	x.mu.Lock()
	if x.scanning {
		x.journal = append(x.journal, ev)
	}
	x.mu.Unlock()
	x.apply(ev)
}

func (x *Index) apply(ev *protocol.FileEvent) {
	path, ok := filePath(uri.URI(ev.URI))
	if !ok {
		return
	}
	key, entry, ok := ParsePath(path)
	if !ok {
		// A directory inside the generated tree; its files are unknown.
		if IsGeneratedPath(path) {
			x.MarkStale()
		}
		return
	}
	x.updatesSinceScan.Add(1)

	if ev.Type == protocol.FileChangeTypeDeleted {
		updatesTotal.WithLabelValues("deleted").Inc()
		x.validated.Delete(path)
		x.removePaths(x.keyString(key), []string{path})
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		updatesTotal.WithLabelValues("missing").Inc()
		x.validated.Delete(path)
		x.removePaths(x.keyString(key), []string{path})
		return
	}
	if info.IsDir() {
		x.MarkStale()
		return
	}

	updatesTotal.WithLabelValues("upserted").Inc()
	entry.ModTime = info.ModTime()
	x.validated.Set(path, time.Now(), ttlcache.DefaultTTL)
	x.upsert(x.keyString(key), entry)
}

// MarkStale requests a background rescan at the next opportunity.
func (x *Index) MarkStale() {
	x.stale.Store(true)
}

func (x *Index) needsRescan() bool {
	return x.stale.Load() || x.updatesSinceScan.Load() >= int64(x.opts.StaleThreshold)
}

func (x *Index) rescanInBackground() {
	x.bgMu.Lock()
	defer x.bgMu.Unlock()
	if x.closed {
		return
	}

	ctx, cancel := context.WithTimeout(x.bgCtx, backgroundRescanTimeout)
	x.bgWG.Add(1)
	go func() {
		defer x.bgWG.Done()
		defer cancel()
		if err := x.Rescan(ctx); err != nil && !errors.Is(err, context.Canceled) {
			x.logger.Warn("background rescan failed", "error", err)
		}
	}()
}

func (x *Index) upsert(ks string, entry Entry) {
	x.mu.Lock()
	defer x.mu.Unlock()

	list := x.entries[ks]
	for i := range list {
		if x.samePath(list[i].Path, entry.Path) {
			list[i] = entry
			return
		}
	}
	x.entries[ks] = append(list, entry)
}

// removePaths drops the given candidates and deletes the key when its list
// becomes empty.
func (x *Index) removePaths(ks string, paths []string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	list := x.entries[ks]
	kept := make([]Entry, 0, len(list))
	for _, e := range list {
		drop := false
		for _, p := range paths {
			if x.samePath(e.Path, p) {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(x.entries, ks)
		return
	}
	x.entries[ks] = kept
}

func filePath(u uri.URI) (string, bool) {
	if !strings.HasPrefix(string(u), "file://") {
		return "", false
	}
	return u.Filename(), true
}

// =============================================================================
// LOOKUP
// =============================================================================

// Lookup returns the best on-disk candidate for key.
//
// # Description
//
// A single candidate is returned as is. With several, candidates known to be
// missing are pruned first; of the rest, one under the projectID project
// wins, then a non-Debug configuration, then index order. The chosen
// candidate is always confirmed on disk before it is returned; if it is gone
// it is pruned and the next best is tried.
//
// # Errors
//
//   - ErrNotFound: No candidate, or none left after pruning.
func (x *Index) Lookup(key Key, projectID string) (string, error) {
	ks := x.keyString(key)

	x.mu.RLock()
	candidates := append([]Entry(nil), x.entries[ks]...)
	x.mu.RUnlock()

	switch len(candidates) {
	case 0:
		lookupsTotal.WithLabelValues("miss").Inc()
		return "", ErrNotFound
	case 1:
		lookupsTotal.WithLabelValues("hit").Inc()
		return candidates[0].Path, nil
	}

	alive := make([]Entry, 0, len(candidates))
	var missing []string
	for _, e := range candidates {
		if x.exists(e.Path) {
			alive = append(alive, e)
		} else {
			missing = append(missing, e.Path)
		}
	}

	for len(alive) > 0 {
		i := x.preferred(alive, projectID)
		if x.confirm(alive[i].Path) {
			x.prune(ks, missing)
			lookupsTotal.WithLabelValues("hit").Inc()
			return alive[i].Path, nil
		}
		missing = append(missing, alive[i].Path)
		alive = append(alive[:i], alive[i+1:]...)
	}

	x.prune(ks, missing)
	lookupsTotal.WithLabelValues("pruned_miss").Inc()
	return "", ErrNotFound
}

// preferred returns the index of the best candidate: the projectID project,
// then a non-Debug configuration, then list order.
func (x *Index) preferred(alive []Entry, projectID string) int {
	pool := make([]int, 0, len(alive))
	if projectID != "" {
		for i, e := range alive {
			if x.samePath(filepath.Base(e.ProjectDir), projectID) {
				pool = append(pool, i)
			}
		}
	}
	if len(pool) == 0 {
		for i := range alive {
			pool = append(pool, i)
		}
	}
	for _, i := range pool {
		if !alive[i].Debug {
			return i
		}
	}
	return pool[0]
}

func (x *Index) prune(ks string, missing []string) {
	if len(missing) == 0 {
		return
	}
	prunedTotal.Add(float64(len(missing)))
	x.logger.Debug("pruned missing generated files", "key", ks, "count", len(missing))
	x.removePaths(ks, missing)
}

// exists consults the validation cache, then the filesystem. Errors other
// than not-exist count as present.
func (x *Index) exists(path string) bool {
	if x.validated.Get(path) != nil {
		return true
	}
	return x.confirm(path)
}

// confirm checks path on disk regardless of the validation cache.
func (x *Index) confirm(path string) bool {
	_, err := os.Stat(path)
	if err == nil {
		x.validated.Set(path, time.Now(), ttlcache.DefaultTTL)
		return true
	}
	if errors.Is(err, fs.ErrNotExist) {
		x.validated.Delete(path)
		return false
	}
	return true
}

// =============================================================================
// INSPECTION
// =============================================================================

// Snapshot returns a copy of the index keyed by normalised key string.
func (x *Index) Snapshot() map[string][]Entry {
	x.mu.RLock()
	defer x.mu.RUnlock()

	out := make(map[string][]Entry, len(x.entries))
	for k, v := range x.entries {
		out[k] = append([]Entry(nil), v...)
	}
	return out
}

// Len returns the number of keys.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// IsValidated reports whether path has a live existence confirmation.
func (x *Index) IsValidated(path string) bool {
	return x.validated.Get(path) != nil
}

// CaseSensitive reports the probed case sensitivity of Root.
func (x *Index) CaseSensitive() bool {
	x.probe()
	return x.caseSensitive
}
