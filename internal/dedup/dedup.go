// Package dedup collapses concurrent submissions of the same assessment by the
// same user into a single submit-and-monitor cycle.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kiranshivaraju/mindscope/internal/apperr"
	"github.com/kiranshivaraju/mindscope/pkg/models"
	"golang.org/x/sync/singleflight"
)

const keyPrefix = "submission:"

// Key fingerprints a submission. Payloads that differ only cosmetically
// (whitespace, name case, map order) map to the same key.
func Key(userID string, payload models.AssessmentPayload) (string, error) {
	n, err := payload.Normalize()
	if err != nil {
		return "", err
	}
	// encoding/json writes map keys in sorted order, so the encoding is canonical.
	b, err := json.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("encoding payload: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write(b)
	return keyPrefix + hex.EncodeToString(h.Sum(nil)), nil
}

// Deduplicator runs at most one function per key at a time. Callers arriving
// while a key is in flight receive the first caller's outcome.
type Deduplicator[T any] struct {
	group singleflight.Group

	mu      sync.Mutex
	waiters map[string]int
}

func New[T any]() *Deduplicator[T] {
	return &Deduplicator[T]{waiters: make(map[string]int)}
}

// Do runs fn for key unless a call for key is already running, in which case
// it waits for that call. shared reports whether the outcome went to more than
// one caller.
//
// fn runs on a context that keeps ctx's values but not its cancellation, so
// the first caller leaving does not fail everyone else. Each caller stops
// waiting when its own ctx ends.
func (d *Deduplicator[T]) Do(ctx context.Context, key string, fn func(context.Context) (T, error)) (v T, shared bool, err error) {
	work := context.WithoutCancel(ctx)
	ch := d.group.DoChan(key, func() (val any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = apperr.Newf(apperr.KindInternal, "submission panicked: %v", r)
			}
		}()
		return fn(work)
	})
	d.track(key, 1)
	defer d.track(key, -1)

	select {
	case res := <-ch:
		if res.Err != nil {
			return v, res.Shared, res.Err
		}
		v, _ = res.Val.(T)
		return v, res.Shared, nil
	case <-ctx.Done():
		return v, false, apperr.Wrap(apperr.KindOf(ctx.Err()), ctx.Err(), "stopped waiting for submission")
	}
}

func (d *Deduplicator[T]) track(key string, delta int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.waiters[key] + delta
	if n <= 0 {
		delete(d.waiters, key)
		return
	}
	d.waiters[key] = n
}

// Waiters reports how many callers are currently waiting on key.
func (d *Deduplicator[T]) Waiters(key string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.waiters[key]
}

// InFlight reports how many distinct keys have callers waiting.
func (d *Deduplicator[T]) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.waiters)
}
