package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/beedrive/pkg/types"
)

func TestReplayGuard(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	card := types.IDCard{UUID: "card"}
	hs := func(nonce string, at time.Time) types.Handshake {
		return types.Handshake{Card: card, Nonce: nonce, Time: at.Unix()}
	}

	tests := []struct {
		name string
		hs   types.Handshake
		ok   bool
	}{
		{name: "fresh", hs: hs("a", now), ok: true},
		{name: "reused nonce", hs: hs("a", now)},
		{name: "missing nonce", hs: hs("", now)},
		{name: "too old", hs: hs("b", now.Add(-3*time.Minute))},
		{name: "too far ahead", hs: hs("c", now.Add(3*time.Minute))},
		{name: "small skew", hs: hs("d", now.Add(-90*time.Second)), ok: true},
		{name: "same nonce other card", hs: types.Handshake{Card: types.IDCard{UUID: "other"}, Nonce: "a", Time: now.Unix()}, ok: true},
	}

	g := newReplayGuard(2 * time.Minute)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.admit(tt.hs, now)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrReplay)
		})
	}
}

func TestReplayGuardPrunesExpired(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	g := newReplayGuard(time.Minute)

	for _, nonce := range []string{"a", "b", "c"} {
		require.NoError(t, g.admit(types.Handshake{Card: types.IDCard{UUID: "card"}, Nonce: nonce, Time: now.Unix()}, now))
	}
	assert.Equal(t, 3, g.size())

	later := now.Add(3 * time.Minute)
	require.NoError(t, g.admit(types.Handshake{Card: types.IDCard{UUID: "card"}, Nonce: "d", Time: later.Unix()}, later))
	assert.Equal(t, 1, g.size())
}
