package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/oriys/nova/internal/domain"
	"github.com/oriys/nova/internal/objectstore"
)

// ErrHashMismatch means the downloaded package tarball's SHA-256 does not
// match the package hash recorded at publish time. This is fatal for that
// version: retrying a resolve for the same hash will fail the same way.
var ErrHashMismatch = errors.New("packagecache: hash mismatch")

// ErrStorageUnavailable wraps an object store error surfaced after
// exhausting retries.
var ErrStorageUnavailable = errors.New("packagecache: object store unavailable")

// Entry is a resolved, extracted package ready for the execution engine to
// load into an isolate. A directory is never removed while an Entry handed
// out by Resolve is still in use: refcount/doomed are owned by
// PackageCache.mu and track that readers release before deletion proceeds.
type Entry struct {
	FunctionID  string
	PackageHash string
	Dir         string // extracted package root on local disk
	SizeBytes   int64

	cachedAt time.Time // set on creation/refresh; checked against ttl
	refcount int       // in-flight readers holding this entry, via Resolve/Release
	doomed   bool      // evicted from the LRU while still referenced; deleted on last Release
}

// PackageCache resolves function packages to a local, extracted directory,
// fetching from the object store on miss and evicting by LRU + TTL. Resolves
// for the same key are single-flighted so concurrent cold invocations of the
// same version share one fetch.
type PackageCache struct {
	store objectstore.ObjectStore
	dir   string

	maxBytes   int64
	ttl        time.Duration
	maxRetries int

	group singleflight.Group

	mu      sync.Mutex
	lru     *lru.Cache[string, *Entry]
	sizeOf  map[string]int64
	curSize int64

	stopSweep     chan struct{}
	sweepDone     sync.Once
	evictInterval time.Duration
}

// Config configures a PackageCache.
type Config struct {
	Dir             string
	MaxCacheSizeGB  float64
	TTL             time.Duration
	MaxFetchRetries int
	MaxEntries      int
	EvictInterval   time.Duration // background TTL sweep cadence; defaults to 30s
}

// New creates a PackageCache rooted at cfg.Dir. The directory is created if
// it does not exist.
func New(store objectstore.ObjectStore, cfg Config) (*PackageCache, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("packagecache: dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("packagecache: create dir: %w", err)
	}
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 512
	}
	maxRetries := cfg.MaxFetchRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}

	evictInterval := cfg.EvictInterval
	if evictInterval <= 0 {
		evictInterval = 30 * time.Second
	}

	pc := &PackageCache{
		store:         store,
		dir:           cfg.Dir,
		maxBytes:      int64(cfg.MaxCacheSizeGB * (1 << 30)),
		ttl:           cfg.TTL,
		maxRetries:    maxRetries,
		sizeOf:        make(map[string]int64),
		stopSweep:     make(chan struct{}),
		evictInterval: evictInterval,
	}

	l, err := lru.NewWithEvict(maxEntries, pc.onEvict)
	if err != nil {
		return nil, fmt.Errorf("packagecache: create lru: %w", err)
	}
	pc.lru = l

	if pc.ttl > 0 {
		go pc.sweepLoop()
	}

	return pc, nil
}

// Close stops the background TTL sweep. Entries already extracted to disk
// are left in place; it does not evict anything itself.
func (c *PackageCache) Close() {
	c.sweepDone.Do(func() { close(c.stopSweep) })
}

// sweepLoop periodically evicts entries whose age exceeds ttl, independent
// of whether they are ever resolved again — this is what keeps a package
// nobody has invoked in a while from occupying disk indefinitely, as
// opposed to the lazy expiry check Resolve performs on access.
func (c *PackageCache) sweepLoop() {
	ticker := time.NewTicker(c.evictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopSweep:
			return
		case <-ticker.C:
			c.sweepExpired()
		}
	}
}

// sweepExpired evicts every entry older than ttl. Removal goes through
// c.lru.Remove so onEvict's refcount-aware deletion still applies.
func (c *PackageCache) sweepExpired() {
	now := time.Now()

	c.mu.Lock()
	var expired []string
	for _, k := range c.lru.Keys() {
		if e, ok := c.lru.Peek(k); ok && now.Sub(e.cachedAt) > c.ttl {
			expired = append(expired, k)
		}
	}
	c.mu.Unlock()

	for _, k := range expired {
		c.lru.Remove(k)
	}
}

func cacheKey(functionID, packageHash string) string {
	return functionID + "/" + packageHash
}

// Resolve returns the extracted package directory for (functionID,
// packageHash), fetching and extracting it from the object store on a cache
// miss. Concurrent callers resolving the same key block on one fetch. The
// returned Entry's reader count is incremented; callers must pass it to
// Release once they are done reading from its Dir.
func (c *PackageCache) Resolve(ctx context.Context, functionID, packageHash string) (*Entry, error) {
	key := cacheKey(functionID, packageHash)

	if e, ok := c.acquireIfFresh(key); ok {
		return e, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		if e, ok := c.acquireIfFresh(key); ok {
			return e, nil
		}
		return c.fetchAndExtract(ctx, functionID, packageHash)
	})
	if err != nil {
		return nil, err
	}
	entry := v.(*Entry)

	c.mu.Lock()
	_, already := c.sizeOf[key]
	if !already {
		entry.cachedAt = time.Now()
		c.sizeOf[key] = entry.SizeBytes
		c.curSize += entry.SizeBytes
	}
	entry.refcount++
	c.mu.Unlock()

	if !already {
		// Add may synchronously evict another entry via onEvict, which
		// takes c.mu itself; it must run with c.mu released.
		c.lru.Add(key, entry)
	}

	c.enforceSizeLimit()
	return entry, nil
}

// acquireIfFresh returns the cached entry for key with its reader count
// bumped, unless it is missing or TTL-expired. An expired entry is evicted
// as a side effect so the caller falls through to a real refetch.
func (c *PackageCache) acquireIfFresh(key string) (*Entry, bool) {
	c.mu.Lock()
	e, ok := c.lru.Get(key)
	if !ok {
		c.mu.Unlock()
		return nil, false
	}
	if c.ttl > 0 && time.Since(e.cachedAt) > c.ttl {
		c.mu.Unlock()
		c.lru.Remove(key)
		return nil, false
	}
	e.refcount++
	c.mu.Unlock()
	return e, true
}

// Release signals that a caller returned by Resolve is done reading from
// entry.Dir. If the entry was evicted from the cache while still
// referenced, the last Release performs the deferred directory deletion.
func (c *PackageCache) Release(entry *Entry) {
	if entry == nil {
		return
	}
	c.mu.Lock()
	entry.refcount--
	shouldDelete := entry.doomed && entry.refcount <= 0
	c.mu.Unlock()

	if shouldDelete {
		os.RemoveAll(entry.Dir)
	}
}

func (c *PackageCache) fetchAndExtract(ctx context.Context, functionID, packageHash string) (*Entry, error) {
	destDir := filepath.Join(c.dir, functionID, packageHash)
	if info, err := os.Stat(destDir); err == nil && info.IsDir() {
		size, _ := dirSize(destDir)
		return &Entry{FunctionID: functionID, PackageHash: packageHash, Dir: destDir, SizeBytes: size}, nil
	}

	data, err := c.fetchWithRetry(ctx, functionID, packageHash)
	if err != nil {
		return nil, err
	}

	actual := domain.HashPackageBytes(data)
	if actual != packageHash {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrHashMismatch, packageHash, actual)
	}

	tmpDir := destDir + ".tmp-" + randSuffix()
	if err := extractTarGz(data, tmpDir); err != nil {
		os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("packagecache: extract: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(destDir), 0o755); err != nil {
		os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("packagecache: prepare parent dir: %w", err)
	}
	if err := os.Rename(tmpDir, destDir); err != nil {
		os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("packagecache: atomic rename into place: %w", err)
	}

	return &Entry{FunctionID: functionID, PackageHash: packageHash, Dir: destDir, SizeBytes: int64(len(data))}, nil
}

// fetchWithRetry retries transient object-store failures with jittered
// exponential backoff, capped at maxRetries, before surfacing
// ErrStorageUnavailable. A missing object is permanent and short-circuits
// the retry loop immediately.
func (c *PackageCache) fetchWithRetry(ctx context.Context, functionID, packageHash string) ([]byte, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.Multiplier = 2

	data, err := backoff.Retry(ctx, func() ([]byte, error) {
		obj, err := c.store.Get(ctx, functionID, packageHash)
		if err != nil {
			if errors.Is(err, objectstore.ErrNotFound) {
				return nil, backoff.Permanent(fmt.Errorf("packagecache: package missing: %w", err))
			}
			return nil, err
		}
		defer obj.Body.Close()
		body, err := io.ReadAll(obj.Body)
		if err != nil {
			return nil, err
		}
		return body, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(c.maxRetries)))
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return data, nil
}

// Invalidate removes a single (functionID, packageHash) entry from the
// cache without affecting others. Deletion of the extracted directory is
// deferred by onEvict/Release if an invocation is still reading it.
func (c *PackageCache) Invalidate(functionID, packageHash string) {
	c.lru.Remove(cacheKey(functionID, packageHash))
}

// Evict removes every cached entry for a function; the executor calls it on
// every function notification, whether a version switch or a deletion.
func (c *PackageCache) Evict(functionID string) {
	c.mu.Lock()
	keys := c.lru.Keys()
	c.mu.Unlock()

	prefix := functionID + "/"
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			c.lru.Remove(k)
		}
	}
}

// onEvict is invoked by the LRU, synchronously within whatever Add/Remove/
// RemoveOldest call triggered the eviction, so it must never be called
// while c.mu is already held by that caller. It updates the accounted size
// immediately, but only deletes the extracted directory from disk if no
// in-flight Resolve caller still holds a reference; otherwise it marks the
// entry doomed and leaves deletion to the reader's matching Release.
func (c *PackageCache) onEvict(key string, entry *Entry) {
	c.mu.Lock()
	c.curSize -= c.sizeOf[key]
	delete(c.sizeOf, key)
	stillReferenced := entry.refcount > 0
	if stillReferenced {
		entry.doomed = true
	}
	c.mu.Unlock()

	if !stillReferenced {
		os.RemoveAll(entry.Dir)
	}
}

// enforceSizeLimit evicts the least-recently-used entries until the cache
// is back under its configured byte budget.
func (c *PackageCache) enforceSizeLimit() {
	if c.maxBytes <= 0 {
		return
	}
	for {
		c.mu.Lock()
		over := c.curSize > c.maxBytes
		c.mu.Unlock()
		if !over {
			return
		}
		_, _, ok := c.lru.RemoveOldest()
		if !ok {
			return
		}
	}
}

func randSuffix() string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 8)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
