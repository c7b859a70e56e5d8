package store

import (
	"context"
	"sort"
	"sync"

	"LoanLedger/internal/state"

	"github.com/google/uuid"
)

// Memory is an in-process Store. Records are cloned on the way in and out.
type Memory struct {
	mu         sync.RWMutex
	loans      map[uuid.UUID]map[uint64]*state.Loan
	pools      map[uuid.UUID]*state.PoolRecord
	rates      map[state.RateID]state.RateBucket
	lastRateID state.RateID
	tip        ChainTip
}

func NewMemory() *Memory {
	return &Memory{
		loans: make(map[uuid.UUID]map[uint64]*state.Loan),
		pools: make(map[uuid.UUID]*state.PoolRecord),
		rates: make(map[state.RateID]state.RateBucket),
	}
}

func (m *Memory) GetLoan(_ context.Context, poolID uuid.UUID, loanID uint64) (*state.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.loans[poolID][loanID]
	if !ok {
		return nil, state.ErrLoanNotFound
	}
	return l.Clone(), nil
}

func (m *Memory) IterateLoans(_ context.Context, poolID uuid.UUID, fn func(*state.Loan) error) error {
	m.mu.RLock()
	byID := m.loans[poolID]
	ids := make([]uint64, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	loans := make([]*state.Loan, len(ids))
	for i, id := range ids {
		loans[i] = byID[id].Clone()
	}
	m.mu.RUnlock()

	for _, l := range loans {
		if err := fn(l); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) GetPool(_ context.Context, poolID uuid.UUID) (*state.PoolRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[poolID]
	if !ok {
		return nil, state.ErrPoolNotFound
	}
	return p.Clone(), nil
}

func (m *Memory) ListPools(_ context.Context) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(m.pools))
	for id := range m.pools {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

func (m *Memory) LoadRateBuckets(_ context.Context) ([]state.RateBucket, state.RateID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]state.RateBucket, 0, len(m.rates))
	for _, b := range m.rates {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, m.lastRateID, nil
}

func (m *Memory) ChainTip(_ context.Context) (ChainTip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tip, nil
}

func (m *Memory) Apply(ctx context.Context, b *Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, l := range b.Loans {
		byID, ok := m.loans[l.PoolID]
		if !ok {
			byID = make(map[uint64]*state.Loan)
			m.loans[l.PoolID] = byID
		}
		byID[l.LoanID] = l.Clone()
	}
	for _, p := range b.Pools {
		m.pools[p.PoolID] = p.Clone()
	}
	for _, r := range b.RateUpserts {
		m.rates[r.ID] = r
	}
	for _, id := range b.RateReleased {
		delete(m.rates, id)
	}
	if b.LastRateID > m.lastRateID {
		m.lastRateID = b.LastRateID
	}
	if b.Tip != nil {
		m.tip = *b.Tip
	}
	return nil
}
