package mcp

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionRegistry_RegisterAndLookup(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("intake-1", "client-abc")
	cid, ok := r.ClientFor("intake-1")
	assert.True(t, ok)
	assert.Equal(t, "client-abc", cid)

	_, ok = r.ClientFor("unknown")
	assert.False(t, ok)
}

func TestSessionRegistry_Overwrite(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("intake-1", "client-old")
	r.Register("intake-1", "client-new")

	cid, ok := r.ClientFor("intake-1")
	assert.True(t, ok)
	assert.Equal(t, "client-new", cid)
}

func TestSessionRegistry_Forget(t *testing.T) {
	r := NewSessionRegistry()
	r.Register("intake-1", "client-abc")
	r.Register("intake-2", "client-abc")

	r.Forget("intake-1")

	_, ok := r.ClientFor("intake-1")
	assert.False(t, ok)
	_, ok = r.ClientFor("intake-2")
	assert.True(t, ok)
}

func TestSessionRegistry_Remove(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("intake-1", "client-abc")
	r.Register("intake-2", "client-abc")
	r.Register("intake-3", "client-xyz")

	removed := r.Remove("client-abc")
	assert.ElementsMatch(t, []string{"intake-1", "intake-2"}, removed)

	_, ok := r.ClientFor("intake-1")
	assert.False(t, ok)
	_, ok = r.ClientFor("intake-3")
	assert.True(t, ok, "other clients keep their sessions")

	assert.Empty(t, r.Remove("client-unknown"))
}

func TestMCPNotifier_UnknownSessionIsNoop(t *testing.T) {
	reg := NewSessionRegistry()
	n := NewMCPNotifier(server.NewMCPServer("test", "0.0.0"), reg)

	err := n.Notify(context.Background(), "intake-1", map[string]any{"event": "x"})
	require.NoError(t, err)
}

func TestMCPNotifier_DisconnectedClientIsDropped(t *testing.T) {
	reg := NewSessionRegistry()
	reg.Register("intake-1", "client-gone")
	n := NewMCPNotifier(server.NewMCPServer("test", "0.0.0"), reg)

	err := n.Notify(context.Background(), "intake-1", map[string]any{"event": "x"})
	require.NoError(t, err)

	_, ok := reg.ClientFor("intake-1")
	assert.False(t, ok)
}
