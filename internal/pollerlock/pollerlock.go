// Package pollerlock gives long-polling transport ingesters (Telegram,
// WhatsApp bridges) an exclusive-ownership guarantee across process
// restarts and, optionally, across a multi-host deployment.
//
// Acquisition goes through up to three gates, in order:
//  1. an in-process registry (fast-fails two goroutines in the same
//     binary from both polling the same account),
//  2. an on-disk lock file with staleness detection (protects against a
//     crashed previous process leaving a stale lock on the same host),
//  3. an optional Redis SET NX PX gate (protects across hosts, only
//     engaged when a Redis client is configured).
package pollerlock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// staleWindow is how long a lock file may go unrefreshed before another
// process is allowed to steal it.
const staleWindow = 45 * time.Second

var (
	registryMu sync.Mutex
	registry   = make(map[string]bool) // lockKey -> held in this process
)

// Lock represents one held exclusive lock. Call Release when the poller
// stops.
type Lock struct {
	key      string
	path     string
	redis    *redis.Client
	redisKey string
	stop     chan struct{}
	wg       sync.WaitGroup
}

// Key derives the stable lock identity for an account+secret pair. The
// secret is hashed so it never appears in a lock filename or Redis key.
func Key(accountID, secret string) string {
	h := sha256.Sum256([]byte(secret))
	return accountID + ":" + hex.EncodeToString(h[:8])
}

// Acquire takes the exclusive lock for key, backed by lock files under
// dir. If rdb is non-nil, a Redis gate is layered on top for cluster-wide
// exclusivity. Returns an error if the lock is already held (in-process,
// on-disk and not stale, or on another host via Redis).
func Acquire(ctx context.Context, dir, key string, rdb *redis.Client) (*Lock, error) {
	registryMu.Lock()
	if registry[key] {
		registryMu.Unlock()
		return nil, fmt.Errorf("pollerlock: %s already held in this process", key)
	}
	registry[key] = true
	registryMu.Unlock()

	path := filepath.Join(dir, sanitize(key)+".lock")
	if err := acquireFile(path); err != nil {
		registryMu.Lock()
		delete(registry, key)
		registryMu.Unlock()
		return nil, err
	}

	l := &Lock{key: key, path: path, stop: make(chan struct{})}

	if rdb != nil {
		l.redis = rdb
		l.redisKey = "pollerlock:" + key
		ok, err := rdb.SetNX(ctx, l.redisKey, os.Getpid(), staleWindow).Result()
		if err != nil {
			l.releaseLocal()
			return nil, fmt.Errorf("pollerlock: redis SETNX: %w", err)
		}
		if !ok {
			l.releaseLocal()
			return nil, fmt.Errorf("pollerlock: %s held on another host", key)
		}
	}

	l.wg.Add(1)
	go l.refreshLoop()

	return l, nil
}

// acquireFile creates path exclusively. If it already exists, it checks
// staleness by mtime and either steals (delete+recreate) or errors.
func acquireFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("pollerlock: mkdir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err == nil {
		fmt.Fprintf(f, "%d\n", os.Getpid())
		f.Close()
		return nil
	}
	if !os.IsExist(err) {
		return fmt.Errorf("pollerlock: create lock file: %w", err)
	}

	info, statErr := os.Stat(path)
	if statErr != nil {
		return fmt.Errorf("pollerlock: stat existing lock: %w", statErr)
	}
	if time.Since(info.ModTime()) < staleWindow {
		return fmt.Errorf("pollerlock: lock file %s held and not stale", path)
	}

	// Stale — steal it.
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("pollerlock: remove stale lock: %w", err)
	}
	f, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("pollerlock: recreate lock after steal: %w", err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	f.Close()
	return nil
}

// refreshLoop keeps the on-disk mtime and the Redis TTL alive so a
// running poller's lock never goes stale out from under it.
func (l *Lock) refreshLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(staleWindow / 3)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			now := time.Now()
			_ = os.Chtimes(l.path, now, now)
			if l.redis != nil {
				l.redis.Expire(context.Background(), l.redisKey, staleWindow)
			}
		}
	}
}

// Release frees the lock across all configured gates.
func (l *Lock) Release() {
	close(l.stop)
	l.wg.Wait()
	l.releaseLocal()
	if l.redis != nil {
		l.redis.Del(context.Background(), l.redisKey)
	}
}

func (l *Lock) releaseLocal() {
	registryMu.Lock()
	delete(registry, l.key)
	registryMu.Unlock()
	os.Remove(l.path)
}

func sanitize(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// PID reads the PID recorded in a lock file, for diagnostics.
func PID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}
