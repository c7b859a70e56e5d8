package state_test

import (
	"testing"
	"time"

	"LoanLedger/internal/state"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateAccumulator_ReferenceSharesBuckets(t *testing.T) {
	ra := state.NewRateAccumulator()

	a, err := ra.Reference(state.NewRate("0.05"), t0)
	require.NoError(t, err)
	b, err := ra.Reference(state.NewRate("0.050"), t0)
	require.NoError(t, err)
	c, err := ra.Reference(state.NewRate("0.07"), t0)
	require.NoError(t, err)

	assert.Equal(t, a, b, "equal rates must share a bucket")
	assert.NotEqual(t, a, c)

	bucket, ok := ra.Bucket(a)
	require.True(t, ok)
	assert.EqualValues(t, 2, bucket.RefCount)
	assert.Equal(t, 2, ra.Len())
}

func TestRateAccumulator_RejectsInvalidRate(t *testing.T) {
	ra := state.NewRateAccumulator()
	_, err := ra.Reference(state.NewRate("-0.01"), t0)
	assert.ErrorIs(t, err, state.ErrValidation)

	_, err = ra.Reference(state.NewRate("11"), t0)
	assert.ErrorIs(t, err, state.ErrValidation)
}

func TestRateAccumulator_AccrualRoundTrip(t *testing.T) {
	ra := state.NewRateAccumulator()
	id, err := ra.Reference(state.NewRate("0.05"), t0)
	require.NoError(t, err)

	n, err := ra.Normalize(id, dec("1000"), t0)
	require.NoError(t, err)
	assert.Equal(t, "1000", n.String())

	debt, err := ra.Denormalize(id, n, t0.Add(year))
	require.NoError(t, err)
	near(t, "1051.271096376024039698", debt, "0.000000000000001")
}

func TestRateAccumulator_CompoundingIsPathIndependent(t *testing.T) {
	stepped := state.NewRateAccumulator()
	once := state.NewRateAccumulator()
	rate := state.NewRate("0.08")

	sid, err := stepped.Reference(rate, t0)
	require.NoError(t, err)
	oid, err := once.Reference(rate, t0)
	require.NoError(t, err)

	for d := 1; d <= 365; d++ {
		require.NoError(t, stepped.Advance(sid, t0.Add(time.Duration(d)*day)))
	}
	require.NoError(t, once.Advance(oid, t0.Add(year)))

	fs, err := stepped.FactorAt(sid, t0.Add(year))
	require.NoError(t, err)
	fo, err := once.FactorAt(oid, t0.Add(year))
	require.NoError(t, err)
	near(t, fo.String(), fs, "0.000000000000000000001")
}

func TestRateAccumulator_AdvanceNeverRewinds(t *testing.T) {
	ra := state.NewRateAccumulator()
	id, err := ra.Reference(state.NewRate("0.05"), t0)
	require.NoError(t, err)

	require.NoError(t, ra.Advance(id, t0.Add(30*day)))
	advanced, _ := ra.Bucket(id)
	require.NoError(t, ra.Advance(id, t0.Add(10*day)))

	b, _ := ra.Bucket(id)
	assert.True(t, b.CumulativeFactor.Equal(advanced.CumulativeFactor))
	assert.Equal(t, t0.Add(30*day), b.LastUpdated)
}

func TestRateAccumulator_FactorAtDoesNotMutate(t *testing.T) {
	ra := state.NewRateAccumulator()
	id, err := ra.Reference(state.NewRate("0.05"), t0)
	require.NoError(t, err)
	n, err := ra.Normalize(id, dec("1000"), t0)
	require.NoError(t, err)
	require.NoError(t, ra.AdjustTotal(id, n))
	ra.TakeDirty()
	before, _ := ra.Bucket(id)

	future, err := ra.FactorAt(id, t0.Add(10*year))
	require.NoError(t, err)
	assert.True(t, future.GreaterThan(before.CumulativeFactor))
	_, err = ra.Denormalize(id, n, t0.Add(10*year))
	require.NoError(t, err)

	after, _ := ra.Bucket(id)
	assert.Equal(t, before, after)
	upserts, released := ra.TakeDirty()
	assert.Empty(t, upserts, "reads must not mark buckets dirty")
	assert.Empty(t, released)

	debt, err := ra.Denormalize(id, n, t0.Add(year))
	require.NoError(t, err)
	near(t, "1051.271096376024039698", debt, "0.000000000000001")
}

func TestRateAccumulator_SharedBucketCompoundsAllPositions(t *testing.T) {
	ra := state.NewRateAccumulator()
	a := newLoan(t, internalInfo("1", "5000", t0.Add(2*year)))
	b := newLoan(t, internalInfo("1", "5000", t0.Add(2*year)))

	_, err := a.Borrow(ra, dec("1000"), decimal.Zero, t0)
	require.NoError(t, err)
	_, err = b.Borrow(ra, dec("250"), decimal.Zero, t0)
	require.NoError(t, err)
	require.Equal(t, a.Position.RateID, b.Position.RateID)

	normA, normB := a.Position.NormalizedDebt, b.Position.NormalizedDebt
	verA, verB := a.Version, b.Version
	bucketBefore, _ := ra.Bucket(a.Position.RateID)

	// One bucket update compounds every loan referencing it.
	require.NoError(t, ra.Advance(a.Position.RateID, t0.Add(year)))

	bucketAfter, _ := ra.Bucket(a.Position.RateID)
	assert.True(t, bucketAfter.CumulativeFactor.GreaterThan(bucketBefore.CumulativeFactor))
	assert.True(t, bucketAfter.TotalNormalizedDebt.Equal(bucketBefore.TotalNormalizedDebt))
	assert.True(t, a.Position.NormalizedDebt.Equal(normA))
	assert.True(t, b.Position.NormalizedDebt.Equal(normB))
	assert.Equal(t, verA, a.Version)
	assert.Equal(t, verB, b.Version)

	debtA, err := a.CurrentDebt(ra, t0.Add(year))
	require.NoError(t, err)
	debtB, err := b.CurrentDebt(ra, t0.Add(year))
	require.NoError(t, err)
	near(t, "1051.271096376024039698", debtA, "0.000000000000001")
	near(t, "262.8177740940060099245", debtB, "0.000000000000001")
}
