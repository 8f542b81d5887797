package ai

import (
	"context"
	"errors"
	"fmt"

	"github.com/noah-isme/assess-pipeline/pkg/docstore"
)

// Reason classifies why an analysis attempt failed.
type Reason string

const (
	ReasonTimeout               Reason = "timeout"
	ReasonCapabilityUnavailable Reason = "capability_unavailable"
	ReasonUnreadableDocument    Reason = "unreadable_document"
	ReasonCancelled             Reason = "cancelled"
)

// Valid reports whether r is a known failure reason.
func (r Reason) Valid() bool {
	switch r {
	case ReasonTimeout, ReasonCapabilityUnavailable, ReasonUnreadableDocument, ReasonCancelled:
		return true
	default:
		return false
	}
}

// Transient reports whether a retry may succeed without changing the document.
func (r Reason) Transient() bool {
	return r == ReasonTimeout || r == ReasonCapabilityUnavailable
}

// Document is the input handed to an Analyzer.
type Document struct {
	Ref          docstore.Ref
	FileName     string
	ContentType  string
	Content      []byte
	AssignmentID string
	StudentID    string
}

// Result is the structured outcome of a successful analysis.
type Result struct {
	ExtractedText string                 `json:"text"`
	Score         float64                `json:"score"`
	Feedback      string                 `json:"feedback"`
	Details       map[string]interface{} `json:"details,omitempty"`
}

// Analyzer extracts text from a document and scores it on a 0-100 scale.
type Analyzer interface {
	Analyze(ctx context.Context, doc Document) (Result, error)
}

// AnalyzerFunc adapts a function to the Analyzer interface.
type AnalyzerFunc func(ctx context.Context, doc Document) (Result, error)

func (f AnalyzerFunc) Analyze(ctx context.Context, doc Document) (Result, error) {
	return f(ctx, doc)
}

// AnalysisError carries a failure reason alongside the underlying cause.
type AnalysisError struct {
	Reason Reason
	Err    error
}

func (e *AnalysisError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("analysis failed: %s", e.Reason)
	}
	return fmt.Sprintf("analysis failed (%s): %v", e.Reason, e.Err)
}

func (e *AnalysisError) Unwrap() error {
	return e.Err
}

// NewError wraps err with the given reason.
func NewError(reason Reason, err error) *AnalysisError {
	return &AnalysisError{Reason: reason, Err: err}
}

// Classify maps any error to a failure reason.
func Classify(err error) Reason {
	var analysisErr *AnalysisError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &analysisErr) && analysisErr.Reason.Valid():
		return analysisErr.Reason
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, context.Canceled):
		return ReasonCancelled
	default:
		return ReasonCapabilityUnavailable
	}
}

func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
