package model

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestHashContentNormalization(t *testing.T) {
	// Hashing trims, folds case, and normalizes line endings, so these all
	// collide on the same digest.
	base := HashContent("Redis cluster has 6 nodes")
	assert.Equal(t, base, HashContent("  Redis cluster has 6 nodes  "))
	assert.Equal(t, base, HashContent("redis CLUSTER has 6 nodes"))
	assert.NotEqual(t, base, HashContent("Redis cluster has 7 nodes"))
	assert.Len(t, base, 64) // hex SHA-256
}

func TestNormalizeContentPreservesCase(t *testing.T) {
	// Lowercase fold is hash-only; stored content keeps its case.
	assert.Equal(t, "Hello World", NormalizeContent("  Hello World\r\n"))
}

func TestHashContentCRLF(t *testing.T) {
	assert.Equal(t, HashContent("a\nb"), HashContent("a\r\nb"))
}

func TestHashContentUnicodeNFC(t *testing.T) {
	// Composed and decomposed forms of the same text collide: a precomposed
	// \u00e9 versus e plus combining acute \u0301.
	assert.Equal(t, HashContent("caf\u00e9"), HashContent("cafe\u0301"))
	assert.Equal(t, NormalizeContent("caf\u00e9"), NormalizeContent("cafe\u0301"))
}

func TestNormalizeContentKeepsReplacementChar(t *testing.T) {
	// U+FFFD is legitimate content (it marks where a client saw bad bytes)
	// and survives normalization untouched.
	assert.Equal(t, "a�b", NormalizeContent("a�b"))
}

func TestNormalizeCategory(t *testing.T) {
	tests := []struct {
		in   string
		want Category
	}{
		{"infrastructure", CategoryInfrastructure},
		{" Security ", CategorySecurity},
		{"playbook_versions", CategoryPlaybookVersions},
		{"my-team-notes", CategoryOther},
		{"", CategoryGlobal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeCategory(tt.in), tt.in)
	}
}

func TestConfidentialityLattice(t *testing.T) {
	order := []ConfidentialityLevel{
		ConfidentialityNormal, ConfidentialityInternal,
		ConfidentialityConfidential, ConfidentialityPII,
	}
	for i, lo := range order {
		for j, hi := range order {
			got := hi.AtLeast(lo)
			assert.Equal(t, j >= i, got, "%s AtLeast %s", hi, lo)
		}
	}
}

func TestConfidentialitySyncable(t *testing.T) {
	assert.True(t, ConfidentialityNormal.Syncable())
	assert.True(t, ConfidentialityInternal.Syncable())
	assert.False(t, ConfidentialityConfidential.Syncable())
	assert.False(t, ConfidentialityPII.Syncable())
}

func TestMemoryRecoverable(t *testing.T) {
	now := time.Now()
	expires := now.Add(24 * time.Hour)

	m := Memory{DeletionState: DeletionSoftDeleted, DeleteExpiresAt: &expires}
	assert.True(t, m.Recoverable(now))
	assert.False(t, m.Recoverable(now.Add(25*time.Hour)))

	live := Memory{DeletionState: DeletionLive}
	assert.False(t, live.Recoverable(now))
}

func TestEventOutboundFilter(t *testing.T) {
	mk := func(l ConfidentialityLevel) SyncEvent {
		return SyncEvent{Kind: EventMemoryUpsert, Confidentiality: l}
	}
	assert.True(t, mk(ConfidentialityNormal).Outbound(false))
	assert.False(t, mk(ConfidentialityInternal).Outbound(false))
	assert.True(t, mk(ConfidentialityInternal).Outbound(true))
	assert.False(t, mk(ConfidentialityConfidential).Outbound(true))
	assert.False(t, mk(ConfidentialityPII).Outbound(true))
}

func TestIdempotencyKeyDistinguishesFeedbackEvents(t *testing.T) {
	memoryID := uuid.New()
	mk := func(kind EventKind) SyncEvent {
		return SyncEvent{EventID: uuid.New(), Kind: kind, MemoryID: memoryID}
	}

	// Feedback events carry no clock snapshot; two votes on one memory must
	// still produce distinct keys.
	a, b := mk(EventVote), mk(EventVote)
	assert.NotEqual(t, a.IdempotencyKey(), b.IdempotencyKey())
	assert.NotEqual(t, mk(EventVerification).IdempotencyKey(), mk(EventUsage).IdempotencyKey())

	// Redelivery of one event keeps its key stable.
	assert.Equal(t, a.IdempotencyKey(), a.IdempotencyKey())

	// Events from peers without event ids fall back to kind-qualified keys,
	// so an upsert and a soft delete at the same clock never collide.
	legacyUpsert := SyncEvent{Kind: EventMemoryUpsert, MemoryID: memoryID}
	legacyDelete := SyncEvent{Kind: EventMemorySoftDelete, MemoryID: memoryID}
	assert.NotEqual(t, legacyUpsert.IdempotencyKey(), legacyDelete.IdempotencyKey())
}
