package cache

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager() *Manager {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return NewManager(l)
}

func TestLastState_NeedsStateHalf(t *testing.T) {
	m := newManager()
	m.PutAttributes("sensor.weight_alice", map[string]any{"last_measured": "2024-01-01T08:00:00"})

	_, ok := m.LastState("sensor.weight_alice")
	assert.False(t, ok)
	assert.Zero(t, m.Len())

	m.PutState("sensor.weight_alice", "72.5")
	st, ok := m.LastState("sensor.weight_alice")
	require.True(t, ok)
	assert.Equal(t, "72.5", st.Value)
	assert.Equal(t, "2024-01-01T08:00:00", st.Attributes["last_measured"])
	assert.Equal(t, 1, m.Len())
}

func TestLastState_ReturnsCopy(t *testing.T) {
	m := newManager()
	m.PutState("sensor.weight_bob", "90")
	m.PutAttributes("sensor.weight_bob", map[string]any{"k": "v"})

	st, _ := m.LastState("sensor.weight_bob")
	st.Attributes["k"] = "changed"

	again, _ := m.LastState("sensor.weight_bob")
	assert.Equal(t, "v", again.Attributes["k"])
}

func TestLastState_Unknown(t *testing.T) {
	_, ok := newManager().LastState("sensor.nope")
	assert.False(t, ok)
}
