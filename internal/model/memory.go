// Package model defines the hAIveMind domain entities: memories, agents,
// tasks, confidence records, sync events, and the error taxonomy shared by
// every transport.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/haivemind/haivemind/internal/clock"
)

// Category is the coarse taxonomic label that routes a memory to a search
// space and a freshness half-life.
type Category string

// Recognized categories. Anything else is accepted but routed as CategoryOther.
const (
	CategoryProject              Category = "project"
	CategoryConversation         Category = "conversation"
	CategoryAgent                Category = "agent"
	CategoryGlobal               Category = "global"
	CategoryInfrastructure       Category = "infrastructure"
	CategoryIncidents            Category = "incidents"
	CategoryDeployments          Category = "deployments"
	CategoryMonitoring           Category = "monitoring"
	CategoryRunbooks             Category = "runbooks"
	CategorySecurity             Category = "security"
	CategoryPatterns             Category = "patterns"
	CategoryPlaybookSuggestions  Category = "playbook_suggestions"
	CategoryPlaybookVersions     Category = "playbook_versions"
	CategoryPlaybookExecutions   Category = "playbook_executions"
	CategoryReviewHistory        Category = "review_history"
	CategoryRecommendationFeedbk Category = "recommendation_feedback"
	CategoryOther                Category = "other"
)

var knownCategories = map[Category]struct{}{
	CategoryProject: {}, CategoryConversation: {}, CategoryAgent: {},
	CategoryGlobal: {}, CategoryInfrastructure: {}, CategoryIncidents: {},
	CategoryDeployments: {}, CategoryMonitoring: {}, CategoryRunbooks: {},
	CategorySecurity: {}, CategoryPatterns: {}, CategoryPlaybookSuggestions: {},
	CategoryPlaybookVersions: {}, CategoryPlaybookExecutions: {},
	CategoryReviewHistory: {}, CategoryRecommendationFeedbk: {}, CategoryOther: {},
}

// Known reports whether c is one of the recognized categories.
func (c Category) Known() bool {
	_, ok := knownCategories[c]
	return ok
}

// NormalizeCategory maps an arbitrary category string to its routing category.
// Unknown user-defined categories route to CategoryOther; the original string
// is preserved on the memory.
func NormalizeCategory(s string) Category {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if c == "" {
		return CategoryGlobal
	}
	if c.Known() {
		return c
	}
	return CategoryOther
}

// Categories returns all recognized categories in stable order.
func Categories() []Category {
	return []Category{
		CategoryProject, CategoryConversation, CategoryAgent, CategoryGlobal,
		CategoryInfrastructure, CategoryIncidents, CategoryDeployments,
		CategoryMonitoring, CategoryRunbooks, CategorySecurity, CategoryPatterns,
		CategoryPlaybookSuggestions, CategoryPlaybookVersions,
		CategoryPlaybookExecutions, CategoryReviewHistory,
		CategoryRecommendationFeedbk, CategoryOther,
	}
}

// ConfidentialityLevel controls sharing and audit. The lattice is strictly
// ordered: normal < internal < confidential < pii. Level changes are a
// one-way ratchet upward.
type ConfidentialityLevel string

const (
	ConfidentialityNormal       ConfidentialityLevel = "normal"
	ConfidentialityInternal     ConfidentialityLevel = "internal"
	ConfidentialityConfidential ConfidentialityLevel = "confidential"
	ConfidentialityPII          ConfidentialityLevel = "pii"
)

var confidentialityRank = map[ConfidentialityLevel]int{
	ConfidentialityNormal:       0,
	ConfidentialityInternal:     1,
	ConfidentialityConfidential: 2,
	ConfidentialityPII:          3,
}

// Valid reports whether l is one of the four recognized levels.
func (l ConfidentialityLevel) Valid() bool {
	_, ok := confidentialityRank[l]
	return ok
}

// AtLeast reports whether l is at least as restrictive as other.
func (l ConfidentialityLevel) AtLeast(other ConfidentialityLevel) bool {
	return confidentialityRank[l] >= confidentialityRank[other]
}

// Syncable reports whether a memory at this level may leave the owning node.
// confidential and pii never sync; internal syncs only to internal peers.
func (l ConfidentialityLevel) Syncable() bool {
	return l == ConfidentialityNormal || l == ConfidentialityInternal
}

// DeletionState is the memory deletion lifecycle: live → soft_deleted → purged.
type DeletionState string

const (
	DeletionLive        DeletionState = "live"
	DeletionSoftDeleted DeletionState = "soft_deleted"
	DeletionPurged      DeletionState = "purged"
)

// FormatVersion marks how a memory's content was encoded at creation time.
type FormatVersion string

const (
	FormatV1 FormatVersion = "v1" // verbose
	FormatV2 FormatVersion = "v2" // compact (guide-aware sessions)
)

// Memory is the atomic unit of knowledge. Identity is a UUID; the Memory
// Engine owns the record exclusively, the vector store holds a reference copy
// of content+embedding addressed by the same id.
type Memory struct {
	ID              uuid.UUID            `json:"id"`
	Content         string               `json:"content"`
	ContentHash     string               `json:"content_hash"`
	Category        Category             `json:"category"`
	Tags            []string             `json:"tags,omitempty"`
	Context         string               `json:"context,omitempty"`
	ProjectID       string               `json:"project_id,omitempty"`
	UserID          string               `json:"user_id,omitempty"`
	MachineID       string               `json:"machine_id"`
	SourceAgentID   string               `json:"source_agent_id"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
	VectorClock     clock.VectorClock    `json:"vector_clock"`
	Confidentiality ConfidentialityLevel `json:"confidentiality_level"`
	Format          FormatVersion        `json:"format_version"`

	DeletionState   DeletionState `json:"deletion_state"`
	DeletedAt       *time.Time    `json:"deleted_at,omitempty"`
	DeletedBy       string        `json:"deleted_by,omitempty"`
	DeleteReason    string        `json:"delete_reason,omitempty"`
	DeleteExpiresAt *time.Time    `json:"delete_expires_at,omitempty"`
}

// Live reports whether the memory is visible to default reads.
func (m *Memory) Live() bool { return m.DeletionState == DeletionLive }

// Recoverable reports whether a soft-deleted memory can still be recovered.
func (m *Memory) Recoverable(now time.Time) bool {
	return m.DeletionState == DeletionSoftDeleted &&
		m.DeleteExpiresAt != nil && now.Before(*m.DeleteExpiresAt)
}

// NormalizeContent applies the canonical normalization used for both storage
// and hashing: trim surrounding whitespace and fold to Unicode NFC. The
// lowercase fold is applied for the hash only, not for the stored content.
func NormalizeContent(s string) string {
	return nfc(strings.TrimSpace(s))
}

// HashContent returns the hex SHA-256 of the normalized, lowercased content.
// Two memories with the same hash are exact duplicates for dedup purposes.
func HashContent(content string) string {
	norm := strings.ToLower(NormalizeContent(content))
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}

// nfc folds content to Unicode NFC with uniform line endings, so composed
// and decomposed input from different clients hashes identically.
func nfc(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return norm.NFC.String(s)
}

// SearchMode selects the ranking strategy for memory search.
type SearchMode string

const (
	SearchSemantic SearchMode = "semantic"
	SearchLexical  SearchMode = "lexical"
	SearchHybrid   SearchMode = "hybrid"
)

// SearchFilters narrow a search or recency query.
type SearchFilters struct {
	Category            *Category  `json:"category,omitempty"`
	ProjectID           *string    `json:"project_id,omitempty"`
	MachineID           *string    `json:"machine_id,omitempty"`
	AgentID             *string    `json:"agent_id,omitempty"`
	Tags                []string   `json:"tags,omitempty"`
	From                *time.Time `json:"from,omitempty"`
	To                  *time.Time `json:"to,omitempty"`
	MinConfidence       *float64   `json:"min_confidence,omitempty"`
	ExcludeConfidential bool       `json:"exclude_confidential,omitempty"`
	IncludeDeleted      bool       `json:"include_deleted,omitempty"`
}

// SearchHit is one ranked search result.
type SearchHit struct {
	ID       uuid.UUID `json:"id"`
	Score    float64   `json:"score"`
	Snippet  string    `json:"snippet"`
	Category Category  `json:"category"`
	Format   FormatVersion `json:"format_version,omitempty"`
}

// MemoryPatch is a partial update to a memory. Nil fields are left unchanged.
type MemoryPatch struct {
	Content  *string   `json:"content,omitempty"`
	Tags     *[]string `json:"tags,omitempty"`
	Context  *string   `json:"context,omitempty"`
	Category *Category `json:"category,omitempty"`
}
