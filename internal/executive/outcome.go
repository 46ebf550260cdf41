package executive

import (
	"context"
	"errors"

	"github.com/nextlevelbuilder/memclaw/internal/memory"
)

// Stage names the terminal state of one utterance.
type Stage string

const (
	StageRuleMerged      Stage = "rule_merged"
	StageRuleUpdated     Stage = "rule_updated"
	StageRuleCreated     Stage = "rule_created"
	StageRuleError       Stage = "rule_error"
	StageLongTermCreated Stage = "long_term_created"
	StageLongTermUpdated Stage = "long_term_updated"
	StageLongTermSkipped Stage = "long_term_skipped"
	StageLongTermError   Stage = "long_term_error"
	StageWorkingStored   Stage = "working_stored"
	StageInputEmpty      Stage = "input_empty"
)

// ReasonDuplicated is the skip reason for an identical long-term record.
const ReasonDuplicated = "duplicated"

// FailureKind classifies what went wrong.
type FailureKind string

const (
	FailureTransientStore FailureKind = "transient_store"
	FailureTimeout        FailureKind = "timeout"
	FailureClassification FailureKind = "classification"
	FailurePersistence    FailureKind = "persistence"
	FailureMalformedStore FailureKind = "malformed_store"
)

// Failure is the error half of an Outcome.
type Failure struct {
	Kind   FailureKind `json:"kind"`
	Detail string      `json:"detail"`
}

func (f *Failure) Error() string { return string(f.Kind) + ": " + f.Detail }

// Outcome is the result of processing one utterance. Pipelines always
// return an Outcome; a non-nil Failure means the write did not happen.
type Outcome struct {
	Stage    Stage          `json:"stage"`
	Category memory.Category `json:"category"`
	Record   *memory.Record `json:"record,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Failure  *Failure       `json:"failure,omitempty"`
	// ClassificationFallback is set when the classifier failed and the
	// utterance was routed to working memory by default.
	ClassificationFallback bool `json:"classification_fallback,omitempty"`
	// GuardFlags names the injection patterns the utterance matched.
	GuardFlags []string `json:"guard_flags,omitempty"`
}

// OK reports whether the outcome carries no failure.
func (o Outcome) OK() bool { return o.Failure == nil }

func failureOf(err error) *Failure {
	kind := FailureTransientStore
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = FailureTimeout
	case errors.Is(err, memory.ErrMalformedCollection):
		kind = FailureMalformedStore
	case errors.Is(err, memory.ErrPersistence), errors.Is(err, memory.ErrNotFound):
		kind = FailurePersistence
	}
	return &Failure{Kind: kind, Detail: err.Error()}
}
