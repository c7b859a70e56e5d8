package core_test

import (
	"testing"
	"time"

	"LoanLedger/internal/core"
	"LoanLedger/internal/event"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateHasher_Deterministic(t *testing.T) {
	a := core.NewStateHasher()
	b := core.NewStateHasher()
	assert.Equal(t, core.GenesisHash(), a.GetPrevHash())

	h1 := a.ComputeHash(1, []byte("payload"))
	h2 := b.ComputeHash(1, []byte("payload"))
	assert.Equal(t, h1, h2)
	assert.Equal(t, h1, a.GetPrevHash())

	assert.NotEqual(t, a.ComputeHash(2, []byte("x")), b.ComputeHash(3, []byte("x")),
		"sequence is part of the hash")
}

func TestEventDigest_CoversEnvelopeFields(t *testing.T) {
	env, err := event.NewEnvelope("k", poolID, 7, t0, &event.LoanClosed{LoanID: 7})
	require.NoError(t, err)
	base := core.EventDigest(env)

	moved := *env
	moved.LoanID = 8
	assert.NotEqual(t, base, core.EventDigest(&moved))

	later := *env
	later.Timestamp = t0.Add(day)
	assert.NotEqual(t, base, core.EventDigest(&later))
}

func TestVerifyChain_DetectsBrokenLink(t *testing.T) {
	h := core.NewStateHasher()
	var envs []*event.EventEnvelope
	for i := int64(1); i <= 3; i++ {
		env, err := event.NewEnvelope("k", poolID, 1, t0.Add(time.Duration(i)*day), &event.LoanClosed{LoanID: 1})
		require.NoError(t, err)
		env.Sequence = i
		env.PrevHash = h.GetPrevHash()
		env.StateHash = h.ComputeHash(i, core.EventDigest(env))
		envs = append(envs, env)
	}
	assert.Equal(t, -1, core.VerifyChain(core.GenesisHash(), envs))

	envs[2].PrevHash = [32]byte{1}
	assert.Equal(t, 2, core.VerifyChain(core.GenesisHash(), envs))
}
