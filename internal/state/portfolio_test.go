package state_test

import (
	"testing"

	"LoanLedger/internal/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortfolioBuilder(t *testing.T) {
	b := state.NewPortfolioBuilder(t0)
	require.NoError(t, b.Add(1, dec("100.5")))
	require.NoError(t, b.Add(2, dec("200")))
	assert.Error(t, b.Add(1, dec("1")))

	v := b.Build()
	assert.Equal(t, "300.5", v.Value.String())
	assert.Equal(t, t0, v.LastUpdated)
	assert.Len(t, v.PerLoan, 2)
}

func TestPortfolioBuilder_Overflow(t *testing.T) {
	b := state.NewPortfolioBuilder(t0)
	require.NoError(t, b.Add(1, dec("90000000000000000000000000000000000000")))
	err := b.Add(2, dec("20000000000000000000000000000000000000"))
	assert.ErrorIs(t, err, state.ErrArithmeticOverflow)
}

func TestPoolRecord_CloneAndIDs(t *testing.T) {
	p := state.NewPoolRecord(poolID, []state.WriteOffRule{rule(status("0.2", "0"), state.PrincipalOverdueDays(1))})
	assert.EqualValues(t, 1, p.NextLoanID())
	assert.EqualValues(t, 2, p.NextLoanID())

	cp := p.Clone()
	cp.WriteOffPolicy[0].Triggers[0].Days = 99
	cp.Valuation.PerLoan[7] = dec("1")
	assert.EqualValues(t, 1, p.WriteOffPolicy[0].Triggers[0].Days)
	assert.Empty(t, p.Valuation.PerLoan)
}
