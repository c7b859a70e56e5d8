package state_test

import (
	"encoding/json"
	"testing"
	"time"

	"LoanLedger/internal/state"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func status(pct, penalty string) state.WriteOffStatus {
	return state.WriteOffStatus{Percentage: dec(pct), Penalty: dec(penalty)}
}

func rule(s state.WriteOffStatus, triggers ...state.WriteOffTrigger) state.WriteOffRule {
	return state.WriteOffRule{Triggers: triggers, Status: s}
}

func TestEvaluatePolicy_HighestPercentageWins(t *testing.T) {
	maturity := t0.Add(30 * day)
	rules := []state.WriteOffRule{
		rule(status("0.2", "0"), state.PrincipalOverdueDays(10)),
		rule(status("0.5", "0.01"), state.PriceOutdated(3600)),
	}
	asOf := t0
	facts := state.WriteOffFacts{
		Now:        maturity.Add(15 * day),
		Maturity:   maturity,
		IsExternal: true,
		PriceAsOf:  &asOf,
	}

	got, matched := state.EvaluatePolicy(rules, facts)
	require.True(t, matched)
	assert.True(t, got.Equal(status("0.5", "0.01")), "got %+v", got)
}

func TestEvaluatePolicy_TieBrokenByPenalty(t *testing.T) {
	maturity := t0
	rules := []state.WriteOffRule{
		rule(status("0.3", "0.02"), state.PrincipalOverdueDays(1)),
		rule(status("0.3", "0.05"), state.PrincipalOverdueDays(2)),
		rule(status("0.3", "0.01"), state.PrincipalOverdueDays(3)),
	}
	got, matched := state.EvaluatePolicy(rules, state.WriteOffFacts{Now: maturity.Add(5 * day), Maturity: maturity})
	require.True(t, matched)
	assert.True(t, got.Equal(status("0.3", "0.05")))
}

func TestEvaluatePolicy_NoMatchIsZero(t *testing.T) {
	rules := []state.WriteOffRule{rule(status("0.2", "0"), state.PrincipalOverdueDays(10))}
	got, matched := state.EvaluatePolicy(rules, state.WriteOffFacts{Now: t0, Maturity: t0.Add(day)})
	assert.False(t, matched)
	assert.True(t, got.IsZero())

	got, matched = state.EvaluatePolicy(nil, state.WriteOffFacts{Now: t0})
	assert.False(t, matched)
	assert.True(t, got.IsZero())
}

func TestEvaluatePolicy_AllTriggersMustHold(t *testing.T) {
	maturity := t0
	rules := []state.WriteOffRule{
		rule(status("0.6", "0"), state.PrincipalOverdueDays(5), state.PriceOutdated(60)),
	}
	asOf := maturity.Add(10 * day)

	// Overdue but the price is fresh.
	facts := state.WriteOffFacts{
		Now:        maturity.Add(10 * day),
		Maturity:   maturity,
		IsExternal: true,
		PriceAsOf:  &asOf,
	}
	_, matched := state.EvaluatePolicy(rules, facts)
	assert.False(t, matched)

	facts.Now = facts.Now.Add(time.Minute)
	got, matched := state.EvaluatePolicy(rules, facts)
	require.True(t, matched)
	assert.Equal(t, "0.6", got.Percentage.String())
}

func TestEvaluatePolicy_Deterministic(t *testing.T) {
	rules := []state.WriteOffRule{
		rule(status("0.1", "0"), state.PrincipalOverdueDays(0)),
		rule(status("0.4", "0.02"), state.PrincipalOverdueDays(0)),
	}
	facts := state.WriteOffFacts{Now: t0.Add(day), Maturity: t0}
	a, _ := state.EvaluatePolicy(rules, facts)
	b, _ := state.EvaluatePolicy(rules, facts)
	assert.True(t, a.Equal(b))
}

func TestWriteOffTrigger_Holds(t *testing.T) {
	maturity := t0.Add(30 * day)
	asOf := t0

	tests := []struct {
		name    string
		trigger state.WriteOffTrigger
		facts   state.WriteOffFacts
		want    bool
	}{
		{"overdue before grace", state.PrincipalOverdueDays(3),
			state.WriteOffFacts{Now: maturity.Add(2 * day), Maturity: maturity}, false},
		{"overdue at grace", state.PrincipalOverdueDays(3),
			state.WriteOffFacts{Now: maturity.Add(3 * day), Maturity: maturity}, true},
		{"price outdated internal loan", state.PriceOutdated(1),
			state.WriteOffFacts{Now: t0.Add(day), PriceAsOf: &asOf}, false},
		{"price outdated no quote", state.PriceOutdated(1),
			state.WriteOffFacts{Now: t0, IsExternal: true}, true},
		{"price outdated default age", state.PriceOutdated(0),
			state.WriteOffFacts{Now: t0.Add(2 * time.Hour), IsExternal: true, PriceAsOf: &asOf, MaxPriceAge: time.Hour}, true},
		{"price fresh default age", state.PriceOutdated(0),
			state.WriteOffFacts{Now: t0.Add(30 * time.Minute), IsExternal: true, PriceAsOf: &asOf, MaxPriceAge: time.Hour}, false},
		{"price outdated exactly at age", state.PriceOutdated(3600),
			state.WriteOffFacts{Now: t0.Add(time.Hour), IsExternal: true, PriceAsOf: &asOf}, true},
		{"price fresh one second before age", state.PriceOutdated(3600),
			state.WriteOffFacts{Now: t0.Add(time.Hour - time.Second), IsExternal: true, PriceAsOf: &asOf}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.trigger.Holds(tt.facts))
		})
	}
}

func TestValidatePolicy(t *testing.T) {
	valid := []state.WriteOffRule{rule(status("0.2", "0.01"), state.PrincipalOverdueDays(10))}
	require.NoError(t, state.ValidatePolicy(valid))

	tests := []struct {
		name  string
		rules []state.WriteOffRule
	}{
		{"no triggers", []state.WriteOffRule{rule(status("0.2", "0"))}},
		{"repeated trigger", []state.WriteOffRule{rule(status("0.2", "0"),
			state.PrincipalOverdueDays(1), state.PrincipalOverdueDays(2))}},
		{"percentage above one", []state.WriteOffRule{rule(status("1.1", "0"), state.PrincipalOverdueDays(1))}},
		{"negative penalty", []state.WriteOffRule{rule(status("0.1", "-0.01"), state.PrincipalOverdueDays(1))}},
		{"negative days", []state.WriteOffRule{rule(status("0.1", "0"), state.PrincipalOverdueDays(-1))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, state.ValidatePolicy(tt.rules), state.ErrValidation)
		})
	}

	tooMany := make([]state.WriteOffRule, state.MaxWriteOffRules+1)
	for i := range tooMany {
		tooMany[i] = rule(status("0.1", "0"), state.PrincipalOverdueDays(int64(i)))
	}
	assert.ErrorIs(t, state.ValidatePolicy(tooMany), state.ErrValidation)
}

func TestWriteOffStatus_AtLeast(t *testing.T) {
	assert.True(t, status("0.5", "0.02").AtLeast(status("0.5", "0.01")))
	assert.False(t, status("0.6", "0").AtLeast(status("0.5", "0.01")))
	assert.True(t, state.WriteOffStatus{Percentage: decimal.Zero, Penalty: decimal.Zero}.AtLeast(status("0", "0")))
}

func TestWriteOffRule_JSON(t *testing.T) {
	raw := `{"triggers":[{"kind":"principal_overdue","days":30},{"kind":"price_outdated","seconds":3600}],
		"status":{"percentage":"0.5","penalty":"0.02"}}`
	var r state.WriteOffRule
	require.NoError(t, json.Unmarshal([]byte(raw), &r))
	require.Len(t, r.Triggers, 2)
	assert.Equal(t, state.TriggerPriceOutdated, r.Triggers[1].Kind)
	assert.EqualValues(t, 3600, r.Triggers[1].Seconds)
	assert.Equal(t, "0.5", r.Status.Percentage.String())
}
