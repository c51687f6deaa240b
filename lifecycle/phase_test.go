package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhaseCanTransition(t *testing.T) {
	tests := []struct {
		from, to Phase
		want     bool
	}{
		{PhaseUninitialized, PhaseEarlyInit, true},
		{PhaseEarlyInit, PhaseFilesystemReady, true},
		{PhaseFilesystemReady, PhaseBackendCreating, true},
		{PhaseBackendCreating, PhaseBackendCreated, true},
		{PhaseBackendCreated, PhaseMounted, true},
		{PhaseBackendCreating, PhaseMounted, false},
		{PhaseUninitialized, PhaseFilesystemReady, false},
		{PhaseMounted, PhaseBackendCreated, false},
		{PhaseMounted, PhaseFailed, true},
		{PhaseUninitialized, PhaseFailed, true},
		{PhaseFailed, PhaseFailed, false},
		{PhaseFailed, PhaseUninitialized, false},
		{PhaseMounted, PhaseFailed + 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestPhaseHasHandle(t *testing.T) {
	for p := PhaseUninitialized; p <= PhaseFailed; p++ {
		want := p == PhaseBackendCreated || p == PhaseMounted
		assert.Equal(t, want, p.HasHandle(), p.String())
	}
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeDeferred, m)

	m, err = ParseMode("sync")
	require.NoError(t, err)
	assert.Equal(t, ModeSynchronous, m)
	assert.Equal(t, "synchronous", m.String())

	_, err = ParseMode("eager")
	assert.Error(t, err)
}
