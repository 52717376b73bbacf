package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wg-mesh/pkg/model"
)

func TestMemoryStoreBuildRoundTrip(t *testing.T) {
	m := NewMemoryStore()

	_, ok, err := m.GetBuild()
	require.NoError(t, err)
	assert.False(t, ok)

	state := BuildState{
		Version: 1,
		Configs: map[string]model.ConfigRecord{
			"A": {Name: "A", Interface: model.InterfaceConfig{Address: "10.0.0.1/24"}},
		},
		Order:     []string{"A"},
		CreatedAt: time.Now(),
	}
	require.NoError(t, m.SaveBuild(state))

	got, ok, err := m.GetBuild()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), got.Version)

	rec, ok, err := m.GetConfig("A")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1/24", rec.Interface.Address)

	_, ok, err = m.GetConfig("ghost")
	require.NoError(t, err)
	assert.False(t, ok)

	v, err := m.Version()
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestMemoryStoreAuditBounded(t *testing.T) {
	m := NewMemoryStore()
	for i := 0; i < auditLimit+10; i++ {
		require.NoError(t, m.AppendAudit(model.AuditEntry{Action: "build"}))
	}
	all, err := m.ListAudit(0)
	require.NoError(t, err)
	assert.Len(t, all, auditLimit)

	few, err := m.ListAudit(5)
	require.NoError(t, err)
	assert.Len(t, few, 5)
}
