package state

import (
	"fmt"
	"sort"
	"time"

	fpmath "LoanLedger/internal/math"

	"github.com/shopspring/decimal"
)

// RateID is a stable handle to a rate bucket. IDs are never reused.
type RateID uint32

// RateBucket holds the shared compounding state of every position accruing at
// the same effective rate. CumulativeFactor reflects compounding only up to
// LastUpdated; readers compound the remainder with FactorAt.
type RateBucket struct {
	ID                  RateID          `json:"id"`
	Rate                InterestRate    `json:"rate"`
	CumulativeFactor    decimal.Decimal `json:"cumulative_factor"`
	LastUpdated         time.Time       `json:"last_updated"`
	TotalNormalizedDebt decimal.Decimal `json:"total_normalized_debt"`
	RefCount            int64           `json:"ref_count"`
}

// RateAccumulator is an arena of rate buckets keyed by RateID.
// Not thread-safe: only the engine goroutine touches it.
type RateAccumulator struct {
	buckets map[RateID]*RateBucket
	byKey   map[string]RateID
	nextID  RateID

	// Buckets touched since the last TakeDirty call.
	dirty map[RateID]struct{}

	// Undo log for the in-flight operation.
	inTx       bool
	undo       map[RateID]*RateBucket
	undoNextID RateID
	undoDirty  map[RateID]struct{}
}

func NewRateAccumulator() *RateAccumulator {
	return &RateAccumulator{
		buckets: make(map[RateID]*RateBucket),
		byKey:   make(map[string]RateID),
		dirty:   make(map[RateID]struct{}),
	}
}

// --- Transactions ---

// Begin starts recording bucket mutations so they can be rolled back.
func (ra *RateAccumulator) Begin() {
	ra.inTx = true
	ra.undo = make(map[RateID]*RateBucket)
	ra.undoNextID = ra.nextID
	ra.undoDirty = make(map[RateID]struct{}, len(ra.dirty))
	for id := range ra.dirty {
		ra.undoDirty[id] = struct{}{}
	}
}

// Commit keeps every mutation since Begin.
func (ra *RateAccumulator) Commit() {
	ra.inTx = false
	ra.undo = nil
	ra.undoDirty = nil
}

// Rollback restores every bucket touched since Begin.
func (ra *RateAccumulator) Rollback() {
	if !ra.inTx {
		return
	}
	for id := range ra.undo {
		if cur, ok := ra.buckets[id]; ok {
			delete(ra.byKey, cur.Rate.Key())
			delete(ra.buckets, id)
		}
	}
	for id, prev := range ra.undo {
		if prev != nil {
			ra.buckets[id] = prev
			ra.byKey[prev.Rate.Key()] = id
		}
	}
	ra.nextID = ra.undoNextID
	ra.dirty = ra.undoDirty
	ra.Commit()
}

func (ra *RateAccumulator) touch(id RateID) {
	ra.dirty[id] = struct{}{}
	if !ra.inTx {
		return
	}
	if _, recorded := ra.undo[id]; recorded {
		return
	}
	if b, ok := ra.buckets[id]; ok {
		cp := *b
		ra.undo[id] = &cp
	} else {
		ra.undo[id] = nil
	}
}

// --- Registration ---

// Reference registers interest in rate, creating its bucket on first use.
func (ra *RateAccumulator) Reference(rate InterestRate, at time.Time) (RateID, error) {
	if err := rate.Validate(); err != nil {
		return 0, err
	}

	key := rate.Key()
	if id, ok := ra.byKey[key]; ok {
		ra.touch(id)
		ra.buckets[id].RefCount++
		return id, nil
	}

	ra.nextID++
	id := ra.nextID
	ra.touch(id)

	anchor := at
	if !rate.ReferenceDate.IsZero() && rate.ReferenceDate.Before(at) {
		anchor = rate.ReferenceDate
	}
	ra.buckets[id] = &RateBucket{
		ID:                  id,
		Rate:                rate,
		CumulativeFactor:    fpmath.One,
		LastUpdated:         anchor,
		TotalNormalizedDebt: decimal.Zero,
		RefCount:            1,
	}
	ra.byKey[key] = id
	return id, nil
}

// Unreference drops one reference; the last one releases the bucket.
func (ra *RateAccumulator) Unreference(id RateID) error {
	b, ok := ra.buckets[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrRateNotFound, id)
	}
	if b.RefCount == 1 && !b.TotalNormalizedDebt.IsZero() {
		return fmt.Errorf("rate %d released with outstanding normalized debt %s", id, b.TotalNormalizedDebt)
	}

	ra.touch(id)
	b.RefCount--
	if b.RefCount <= 0 {
		delete(ra.byKey, b.Rate.Key())
		delete(ra.buckets, id)
	}
	return nil
}

// --- Accrual ---

// grown is the bucket's factor compounded from LastUpdated to at. Timestamps
// at or before LastUpdated yield the stored factor.
func (b *RateBucket) grown(at time.Time) (decimal.Decimal, bool, error) {
	if at.Unix() <= b.LastUpdated.Unix() {
		return b.CumulativeFactor, false, nil
	}
	g, err := b.Rate.Growth(b.LastUpdated, at)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("advance rate %d: %w", b.ID, err)
	}
	factor := b.CumulativeFactor.Mul(g).Truncate(fpmath.FactorPrecision)
	if err := fpmath.CheckBounds(factor); err != nil {
		return decimal.Zero, false, fmt.Errorf("advance rate %d: %w", b.ID, err)
	}
	return factor, true, nil
}

// Advance folds the interval [LastUpdated, at] into the bucket's factor using
// the closed-form growth of its rate. Earlier timestamps are a no-op. Only
// committing operations advance; reads use FactorAt.
func (ra *RateAccumulator) Advance(id RateID, at time.Time) error {
	b, ok := ra.buckets[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrRateNotFound, id)
	}
	factor, advanced, err := b.grown(at)
	if err != nil || !advanced {
		return err
	}

	ra.touch(id)
	b.CumulativeFactor = factor
	b.LastUpdated = at
	return nil
}

// FactorAt returns the cumulative factor of id as of at without storing it.
// Any number of reads at any timestamp leave the bucket unchanged.
func (ra *RateAccumulator) FactorAt(id RateID, at time.Time) (decimal.Decimal, error) {
	b, ok := ra.buckets[id]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %d", ErrRateNotFound, id)
	}
	factor, _, err := b.grown(at)
	return factor, err
}

// Normalize advances the bucket to at and converts a balance into its
// normalized units.
func (ra *RateAccumulator) Normalize(id RateID, amount decimal.Decimal, at time.Time) (decimal.Decimal, error) {
	if err := ra.Advance(id, at); err != nil {
		return decimal.Zero, err
	}
	return fpmath.Normalize(amount, ra.buckets[id].CumulativeFactor)
}

// Denormalize converts normalized units into a balance as of at. It does not
// advance the bucket.
func (ra *RateAccumulator) Denormalize(id RateID, normalized decimal.Decimal, at time.Time) (decimal.Decimal, error) {
	f, err := ra.FactorAt(id, at)
	if err != nil {
		return decimal.Zero, err
	}
	return fpmath.Denormalize(normalized, f)
}

// LatestUpdate is the newest LastUpdated across live buckets.
func (ra *RateAccumulator) LatestUpdate() time.Time {
	var latest time.Time
	for _, b := range ra.buckets {
		if b.LastUpdated.After(latest) {
			latest = b.LastUpdated
		}
	}
	return latest
}

// AdjustTotal adds delta to the bucket's aggregate normalized debt.
func (ra *RateAccumulator) AdjustTotal(id RateID, delta decimal.Decimal) error {
	b, ok := ra.buckets[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrRateNotFound, id)
	}
	total := b.TotalNormalizedDebt.Add(delta)
	if total.IsNegative() {
		return fmt.Errorf("rate %d: total normalized debt would become negative (%s)", id, total)
	}
	if err := fpmath.CheckBounds(total); err != nil {
		return err
	}
	ra.touch(id)
	b.TotalNormalizedDebt = total
	return nil
}

// --- Inspection & persistence ---

// Bucket returns a copy of the bucket state.
func (ra *RateAccumulator) Bucket(id RateID) (RateBucket, bool) {
	b, ok := ra.buckets[id]
	if !ok {
		return RateBucket{}, false
	}
	return *b, true
}

// Lookup returns the id of the bucket registered for rate, if any.
func (ra *RateAccumulator) Lookup(rate InterestRate) (RateID, bool) {
	id, ok := ra.byKey[rate.Key()]
	return id, ok
}

// Len returns the number of live buckets.
func (ra *RateAccumulator) Len() int {
	return len(ra.buckets)
}

// Buckets returns copies of every live bucket ordered by id.
func (ra *RateAccumulator) Buckets() []RateBucket {
	out := make([]RateBucket, 0, len(ra.buckets))
	for _, b := range ra.buckets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TakeDirty returns buckets changed since the previous call, split into live
// buckets to upsert and released ids to delete.
func (ra *RateAccumulator) TakeDirty() (upserts []RateBucket, released []RateID) {
	for id := range ra.dirty {
		if b, ok := ra.buckets[id]; ok {
			upserts = append(upserts, *b)
		} else {
			released = append(released, id)
		}
	}
	sort.Slice(upserts, func(i, j int) bool { return upserts[i].ID < upserts[j].ID })
	sort.Slice(released, func(i, j int) bool { return released[i] < released[j] })
	ra.dirty = make(map[RateID]struct{})
	return upserts, released
}

// Restore loads persisted buckets on startup. nextID continues after the
// highest id ever issued.
func (ra *RateAccumulator) Restore(buckets []RateBucket, lastIssued RateID) {
	for i := range buckets {
		b := buckets[i]
		ra.buckets[b.ID] = &b
		ra.byKey[b.Rate.Key()] = b.ID
		if b.ID > ra.nextID {
			ra.nextID = b.ID
		}
	}
	if lastIssued > ra.nextID {
		ra.nextID = lastIssued
	}
}

// LastIssued returns the highest id ever handed out.
func (ra *RateAccumulator) LastIssued() RateID {
	return ra.nextID
}
