package core

import (
	"container/list"
	"context"
	"fmt"
	"time"

	"LoanLedger/internal/observability"

	"github.com/rs/zerolog"
)

// IdempotencyChecker implements two-tier deduplication of commands: an
// in-memory LRU and the persisted event log.
type IdempotencyChecker struct {
	lru       *IdempotencyLRU
	dbChecker DBIdempotencyChecker
	metrics   *observability.Metrics
	log       zerolog.Logger
}

// DBIdempotencyChecker looks a command up in the event log.
type DBIdempotencyChecker interface {
	IsDuplicate(ctx context.Context, op string, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   metrics,
		log:       observability.NewLogger("idempotency"),
	}
}

func compositeKey(op, key string) string {
	return fmt.Sprintf("%s:%s", op, key)
}

// IsDuplicate checks whether op/key was already committed.
func (ic *IdempotencyChecker) IsDuplicate(ctx context.Context, op string, key string) bool {
	ck := compositeKey(op, key)

	if ic.lru.Contains(ck) {
		ic.recordDuplicate(op, "lru")
		return true
	}

	if ic.dbChecker == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	isDup, err := ic.dbChecker.IsDuplicate(ctx, op, key)
	if err != nil {
		// A lookup failure must not block processing; the event log's unique
		// index still rejects a replayed command's events.
		ic.log.Warn().Err(err).Str("op", op).Msg("tier-2 idempotency lookup failed")
		return false
	}
	if isDup {
		ic.recordDuplicate(op, "postgres")
		ic.lru.Add(ck)
		return true
	}
	return false
}

// MarkProcessed adds op/key to the LRU after a successful commit.
func (ic *IdempotencyChecker) MarkProcessed(op string, key string) {
	evicted := ic.lru.Add(compositeKey(op, key))
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Size()))
		if evicted {
			ic.metrics.DedupLRUEvictions.Inc()
		}
	}
}

// Warm loads recent composite keys from the event log on startup.
func (ic *IdempotencyChecker) Warm(keys []string) {
	ic.lru.WarmFromKeys(keys)
}

func (ic *IdempotencyChecker) recordDuplicate(op, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(op, tier).Inc()
	}
}

// --- LRU ---

// IdempotencyLRU is an LRU set of composite keys.
// Not thread-safe: only the engine goroutine touches it.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
	}
	return exists
}

// Add inserts key and reports whether an older key was evicted.
func (lru *IdempotencyLRU) Add(key string) bool {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return false
	}
	lru.cache[key] = lru.lruList.PushFront(key)
	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
		return true
	}
	return false
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem == nil {
		return
	}
	lru.lruList.Remove(elem)
	delete(lru.cache, elem.Value.(string))
	lru.evictions++
}

// WarmFromKeys loads keys oldest-first so the newest end up most recent.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		lru.Add(key)
	}
}

func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
