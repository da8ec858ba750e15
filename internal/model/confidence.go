package model

import (
	"time"

	"github.com/google/uuid"
)

// ConfidenceFactor names one of the seven weighted scoring factors.
type ConfidenceFactor string

const (
	FactorFreshness        ConfidenceFactor = "freshness"
	FactorSourceCred       ConfidenceFactor = "source_credibility"
	FactorVerification     ConfidenceFactor = "verification"
	FactorConsensus        ConfidenceFactor = "consensus"
	FactorNoContradiction  ConfidenceFactor = "no_contradiction"
	FactorUsageSuccess     ConfidenceFactor = "usage_success"
	FactorContextRelevance ConfidenceFactor = "context_relevance"
)

// ConfidenceFactors lists the seven factors in canonical order.
func ConfidenceFactors() []ConfidenceFactor {
	return []ConfidenceFactor{
		FactorFreshness, FactorSourceCred, FactorVerification, FactorConsensus,
		FactorNoContradiction, FactorUsageSuccess, FactorContextRelevance,
	}
}

// DefaultConfidenceWeights are the built-in factor weights; overridable via
// config but must sum to 1.0 ± 0.01.
func DefaultConfidenceWeights() map[ConfidenceFactor]float64 {
	return map[ConfidenceFactor]float64{
		FactorFreshness:        0.20,
		FactorSourceCred:       0.20,
		FactorVerification:     0.15,
		FactorConsensus:        0.15,
		FactorNoContradiction:  0.10,
		FactorUsageSuccess:     0.10,
		FactorContextRelevance: 0.10,
	}
}

// ConfidenceRecord is the computed reliability estimate for one memory.
type ConfidenceRecord struct {
	MemoryID   uuid.UUID                    `json:"memory_id"`
	FinalScore float64                      `json:"final_score"`
	Components map[ConfidenceFactor]float64 `json:"components"`
	ComputedAt time.Time                    `json:"computed_at"`
	DecayModel string                       `json:"decay_model"`
}

// VerificationKind classifies a verification event.
type VerificationKind string

const (
	VerifyConfirmed  VerificationKind = "confirmed"
	VerifyStillValid VerificationKind = "still_valid"
	VerifyOutdated   VerificationKind = "outdated"
	VerifyIncorrect  VerificationKind = "incorrect"
)

// Valid reports whether k is a recognized verification kind.
func (k VerificationKind) Valid() bool {
	switch k {
	case VerifyConfirmed, VerifyStillValid, VerifyOutdated, VerifyIncorrect:
		return true
	}
	return false
}

// Positive reports whether the verification endorses the memory (and thus
// resets its freshness reference timestamp).
func (k VerificationKind) Positive() bool {
	return k == VerifyConfirmed || k == VerifyStillValid
}

// Verification records one agent's judgement on a memory.
type Verification struct {
	MemoryID        uuid.UUID        `json:"memory_id"`
	VerifierAgentID string           `json:"verifier_agent_id"`
	Kind            VerificationKind `json:"kind"`
	VerifiedAt      time.Time        `json:"verified_at"`
	Notes           string           `json:"notes,omitempty"`
	System          bool             `json:"system,omitempty"` // automated check, weighs as system-verified
}

// VoteChoice is an agent's stance on a memory's correctness.
type VoteChoice string

const (
	VoteAgree    VoteChoice = "agree"
	VoteDisagree VoteChoice = "disagree"
	VoteUnsure   VoteChoice = "unsure"
)

// Valid reports whether v is a recognized vote choice.
func (v VoteChoice) Valid() bool {
	return v == VoteAgree || v == VoteDisagree || v == VoteUnsure
}

// Vote is one agent's weighted opinion on a memory.
type Vote struct {
	MemoryID       uuid.UUID  `json:"memory_id"`
	VoterAgentID   string     `json:"voter_agent_id"`
	VoterMachineID string     `json:"voter_machine_id"`
	Choice         VoteChoice `json:"vote"`
	Confidence     float64    `json:"confidence"`
	Reasoning      string     `json:"reasoning,omitempty"`
	VotedAt        time.Time  `json:"voted_at"`
}

// UsageOutcomeKind classifies how acting on a memory turned out.
type UsageOutcomeKind string

const (
	OutcomeSuccess UsageOutcomeKind = "success"
	OutcomeFailure UsageOutcomeKind = "failure"
	OutcomePartial UsageOutcomeKind = "partial"
	OutcomeError   UsageOutcomeKind = "error"
)

// Valid reports whether o is a recognized usage outcome.
func (o UsageOutcomeKind) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomePartial, OutcomeError:
		return true
	}
	return false
}

// UsageOutcome records the result of an agent acting on a memory.
type UsageOutcome struct {
	MemoryID  uuid.UUID        `json:"memory_id"`
	AgentID   string           `json:"agent_id"`
	Action    string           `json:"action"`
	Outcome   UsageOutcomeKind `json:"outcome"`
	TrackedAt time.Time        `json:"tracked_at"`
	Details   string           `json:"details,omitempty"`
}

// ContradictionKind classifies a detected conflict between two memories.
type ContradictionKind string

const (
	ContradictionSemantic        ContradictionKind = "semantic"
	ContradictionFactual         ContradictionKind = "factual"
	ContradictionTemporal        ContradictionKind = "temporal"
	ContradictionMutualExclusion ContradictionKind = "mutual_exclusion"
)

// ResolutionStrategy names how a contradiction was settled.
type ResolutionStrategy string

const (
	ResolveTemporal    ResolutionStrategy = "temporal"
	ResolveSourceTrust ResolutionStrategy = "source_trust"
	ResolveConsensus   ResolutionStrategy = "consensus"
	ResolveSystem      ResolutionStrategy = "system"
	ResolveManual      ResolutionStrategy = "manual"
)

// Contradiction is a detected semantic conflict between two memories.
// Resolution is append-only: once resolved, a contradiction never reopens.
type Contradiction struct {
	ID         uuid.UUID         `json:"id"`
	MemoryAID  uuid.UUID         `json:"memory_a_id"`
	MemoryBID  uuid.UUID         `json:"memory_b_id"`
	Kind       ContradictionKind `json:"kind"`
	Severity   float64           `json:"severity"`
	DetectedAt time.Time         `json:"detected_at"`
	Resolution *Resolution       `json:"resolution,omitempty"`
}

// Open reports whether the contradiction is still unresolved.
func (c *Contradiction) Open() bool { return c.Resolution == nil }

// Resolution records the winner of a contradiction and how it was chosen.
type Resolution struct {
	WinnerID   uuid.UUID          `json:"winner_id"`
	Strategy   ResolutionStrategy `json:"strategy"`
	ResolvedAt time.Time          `json:"resolved_at"`
}
