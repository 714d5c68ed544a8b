package negotiation

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cand(s string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: s}
}

type applier struct {
	applied []string
	reject  map[string]bool
}

func (a *applier) apply(c webrtc.ICECandidateInit) error {
	if a.reject[c.Candidate] {
		return errors.New("rejected " + c.Candidate)
	}
	a.applied = append(a.applied, c.Candidate)
	return nil
}

func TestCandidatesBufferedUntilRemoteSet(t *testing.T) {
	var b CandidateBuffer
	a := &applier{}

	require.NoError(t, b.EnqueueOrApply(cand("c1"), false, a.apply))
	require.NoError(t, b.EnqueueOrApply(cand("c2"), false, a.apply))
	assert.Empty(t, a.applied)
	assert.Equal(t, 2, b.Len())

	require.NoError(t, b.Drain(a.apply))
	assert.Equal(t, []string{"c1", "c2"}, a.applied)
	assert.Zero(t, b.Len())

	// Draining again must not apply anything twice.
	require.NoError(t, b.Drain(a.apply))
	assert.Equal(t, []string{"c1", "c2"}, a.applied)

	require.NoError(t, b.EnqueueOrApply(cand("c3"), true, a.apply))
	assert.Equal(t, []string{"c1", "c2", "c3"}, a.applied)
}

func TestLateCandidateWaitsBehindQueued(t *testing.T) {
	var b CandidateBuffer
	a := &applier{}

	require.NoError(t, b.EnqueueOrApply(cand("c1"), false, a.apply))
	require.NoError(t, b.EnqueueOrApply(cand("c2"), true, a.apply))
	assert.Equal(t, []string{"c1", "c2"}, a.applied)
}

func TestRejectedCandidateDoesNotBlockOthers(t *testing.T) {
	var b CandidateBuffer
	a := &applier{reject: map[string]bool{"c2": true}}

	for _, c := range []string{"c1", "c2", "c3"} {
		require.NoError(t, b.EnqueueOrApply(cand(c), false, a.apply))
	}
	err := b.Drain(a.apply)
	assert.ErrorContains(t, err, "rejected c2")
	assert.Equal(t, []string{"c1", "c3"}, a.applied)
}

func TestClosedBufferDiscards(t *testing.T) {
	var b CandidateBuffer
	a := &applier{}

	require.NoError(t, b.EnqueueOrApply(cand("c1"), false, a.apply))
	b.Close()
	require.NoError(t, b.EnqueueOrApply(cand("c2"), true, a.apply))
	require.NoError(t, b.Drain(a.apply))
	assert.Empty(t, a.applied)
	assert.Zero(t, b.Len())
}
