package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()

	_, ok := r.Get("user-1")
	assert.False(t, ok)
	assert.False(t, r.Has("user-1"))
	assert.Equal(t, 0, r.Len())

	r.Put("user-1", &Session{UserID: "user-1", State: StateStarting})
	r.Put("user-2", &Session{UserID: "user-2", State: StateConnected})

	sess, ok := r.Get("user-1")
	require.True(t, ok)
	assert.Equal(t, StateStarting, sess.State)
	assert.Equal(t, 2, r.Len())

	all := r.All()
	assert.Len(t, all, 2)

	r.Remove("user-1")
	assert.False(t, r.Has("user-1"))
	assert.True(t, r.Has("user-2"))
	assert.Equal(t, 1, r.Len())
}

func TestStateStatusMapping(t *testing.T) {
	assert.Equal(t, "awaiting_connection", StateStarting.Status())
	assert.Equal(t, "awaiting_connection", StateAwaitingArtifact.Status())
	assert.Equal(t, "connected", StateConnected.Status())
	assert.Equal(t, "disconnected", StateClosed.Status())
}

func TestSnapshotArtifactAccessors(t *testing.T) {
	s := Snapshot{Artifact: Artifact{Kind: ArtifactQR, Value: "data:image/png;base64,AAAA"}}
	require.NotNil(t, s.QRCode())
	assert.Nil(t, s.PairingCode())

	s = Snapshot{Artifact: Artifact{Kind: ArtifactPairing, Value: "ABCD-1234"}}
	assert.Nil(t, s.QRCode())
	require.NotNil(t, s.PairingCode())
	assert.Equal(t, "ABCD-1234", *s.PairingCode())

	s = Snapshot{}
	assert.Nil(t, s.QRCode())
	assert.Nil(t, s.PairingCode())
}
