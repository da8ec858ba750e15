package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haivemind/haivemind/internal/model"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HAIVEMIND_MACHINE_ID", "test-node")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8900, cfg.Port)
	assert.Equal(t, 8899, cfg.SyncPort)
	assert.Equal(t, 30, cfg.SoftDeleteTTLDays)
	assert.Equal(t, 7, cfg.TombstoneGraceDays)
	assert.InDelta(t, 0.90, cfg.DedupThreshold, 1e-9)
	assert.InDelta(t, 0.70, cfg.HybridAlpha, 1e-9)
	assert.True(t, cfg.PIIAuditEnabled)
	assert.True(t, cfg.DedupEnforced)
	assert.Equal(t, 64*1024, cfg.MaxContentBytes)
}

func TestDefaultWeightsSumToOne(t *testing.T) {
	t.Setenv("HAIVEMIND_MACHINE_ID", "test-node")
	cfg, err := Load()
	require.NoError(t, err)

	var sum float64
	for _, w := range cfg.ConfidenceWeights {
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 0.01)
}

func TestWeightOverrideMustStillSum(t *testing.T) {
	t.Setenv("HAIVEMIND_MACHINE_ID", "test-node")
	t.Setenv("HAIVEMIND_CONFIDENCE_WEIGHTS", "freshness=0.5")
	_, err := Load()
	assert.Error(t, err) // 0.5 + remaining defaults ≠ 1.0
}

func TestParsePeers(t *testing.T) {
	peers, err := parsePeers("node-b=http://b:8899, node-c=https://c:8899/;internal")
	require.NoError(t, err)
	require.Len(t, peers, 2)

	assert.Equal(t, Peer{MachineID: "node-b", Endpoint: "http://b:8899"}, peers[0])
	assert.Equal(t, "node-c", peers[1].MachineID)
	assert.Equal(t, "https://c:8899", peers[1].Endpoint)
	assert.True(t, peers[1].Internal)
}

func TestParsePeersRejectsMalformed(t *testing.T) {
	_, err := parsePeers("just-a-host")
	assert.Error(t, err)
}

func TestPeerCannotBeSelf(t *testing.T) {
	t.Setenv("HAIVEMIND_MACHINE_ID", "node-a")
	t.Setenv("HAIVEMIND_SYNC_PEERS", "node-a=http://localhost:8899")
	_, err := Load()
	assert.Error(t, err)
}

func TestHalfLifeFor(t *testing.T) {
	t.Setenv("HAIVEMIND_MACHINE_ID", "test-node")
	t.Setenv("HAIVEMIND_HALF_LIFE_DAYS", "incidents=10")
	cfg, err := Load()
	require.NoError(t, err)

	assert.InDelta(t, 30, cfg.HalfLifeFor(model.CategoryInfrastructure), 1e-9)
	assert.InDelta(t, 20, cfg.HalfLifeFor(model.CategorySecurity), 1e-9)
	assert.InDelta(t, 90, cfg.HalfLifeFor(model.CategoryRunbooks), 1e-9)
	assert.InDelta(t, 10, cfg.HalfLifeFor(model.CategoryIncidents), 1e-9)
	assert.InDelta(t, DefaultHalfLifeDays, cfg.HalfLifeFor(model.CategoryGlobal), 1e-9)
}
