package plugin

import (
	"errors"
	"fmt"

	"github.com/furrow-io/furrow/internal/landscape"
)

// Sentinel errors for result construction and inspection.
var (
	// ErrInvalidResult is returned when a result violates its own contract,
	// such as a success carrying both single-row and multi-row output.
	ErrInvalidResult = errors.New("invalid plugin result")
)

// ResultStatus classifies a transform outcome.
type ResultStatus string

// Transform result statuses. Filtered is not an error: the row is
// intentionally excluded from downstream work and its node state completes.
const (
	StatusSuccess  ResultStatus = "success"
	StatusError    ResultStatus = "error"
	StatusFiltered ResultStatus = "filtered"
)

// TransformResult is the outcome of one transform invocation.
//
// A success carries exactly one of Row (single-row output) or Rows
// (multi-row output). Multi-row output outside an aggregation flush is only
// legal for transforms that declare CreatesTokens; the executor enforces
// that, not the result.
type TransformResult struct {
	Status    ResultStatus
	Row       Row
	Rows      []Row
	Reason    map[string]any
	Retryable bool
}

// Success returns a single-row success result.
func Success(row Row) *TransformResult {
	return &TransformResult{Status: StatusSuccess, Row: row}
}

// SuccessMulti returns a multi-row success result. The engine expands the
// owning token into one child per row.
func SuccessMulti(rows []Row) *TransformResult {
	return &TransformResult{Status: StatusSuccess, Rows: rows}
}

// Filtered returns a result that intentionally drops the row. The reason is
// recorded on the node state; no downstream work item is emitted.
func Filtered(reason map[string]any) *TransformResult {
	return &TransformResult{Status: StatusFiltered, Reason: reason}
}

// Errorf returns an error result with a formatted message in the reason.
func Errorf(retryable bool, format string, args ...any) *TransformResult {
	return &TransformResult{
		Status:    StatusError,
		Reason:    map[string]any{"message": fmt.Sprintf(format, args...)},
		Retryable: retryable,
	}
}

// ErrorResult returns an error result with a structured reason.
func ErrorResult(retryable bool, reason map[string]any) *TransformResult {
	return &TransformResult{Status: StatusError, Reason: reason, Retryable: retryable}
}

// IsMultiRow reports whether the result carries multi-row output.
func (r *TransformResult) IsMultiRow() bool {
	return r.Rows != nil
}

// HasOutputData reports whether a success result carries output. Exactly one
// of Row or Rows must be set; both or neither is a programming error in the
// plugin.
func (r *TransformResult) HasOutputData() bool {
	return (r.Row != nil) != (r.Rows != nil)
}

// Validate checks the result's internal contract.
func (r *TransformResult) Validate() error {
	switch r.Status {
	case StatusSuccess:
		if !r.HasOutputData() {
			return fmt.Errorf("%w: success must carry exactly one of row or rows", ErrInvalidResult)
		}
	case StatusError:
		if r.Reason == nil {
			return fmt.Errorf("%w: error must carry a reason", ErrInvalidResult)
		}
	case StatusFiltered:
		// No output by definition.
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidResult, r.Status)
	}

	return nil
}

// RoutingAction is a gate's decision about where a token goes next.
//
// Destinations are route labels from the gate's configuration, never sink
// names; the executor resolves labels to sink node IDs through the compiled
// graph's explicit maps.
type RoutingAction struct {
	Kind         landscape.RoutingKind
	Destinations []string
	Mode         landscape.RouteMode
	Reason       map[string]any
}

// Continue returns the action that keeps the token on the spine.
func Continue(reason map[string]any) *RoutingAction {
	return &RoutingAction{Kind: landscape.RoutingContinue, Reason: reason}
}

// RouteTo returns the action that sends the token to one route label.
func RouteTo(label string, mode landscape.RouteMode, reason map[string]any) *RoutingAction {
	return &RoutingAction{
		Kind:         landscape.RoutingRouteToSink,
		Destinations: []string{label},
		Mode:         mode,
		Reason:       reason,
	}
}

// ForkTo returns the action that forks the token across several branches.
func ForkTo(branches []string, reason map[string]any) *RoutingAction {
	return &RoutingAction{
		Kind:         landscape.RoutingForkToPaths,
		Destinations: branches,
		Reason:       reason,
	}
}

// GateResult is the outcome of one gate invocation: the (possibly annotated)
// row plus the routing decision. Action must never be nil: a silent gate
// breaks the audit guarantee.
type GateResult struct {
	Row    Row
	Action *RoutingAction
}

// AcceptResult is the outcome of offering one row to an aggregation.
type AcceptResult struct {
	// Accepted reports whether the row entered the buffer. A rejected row
	// continues down the spine unchanged.
	Accepted bool
	// Trigger requests an immediate flush regardless of the configured
	// trigger thresholds.
	Trigger bool
}

// ArtifactDescriptor describes the external object a sink write produced.
type ArtifactDescriptor struct {
	Kind           string
	PathOrURI      string
	ContentHash    *string
	SizeBytes      *int64
	IdempotencyKey *string
}

// FileArtifact describes an artifact written to the local filesystem.
func FileArtifact(path string, contentHash string, sizeBytes int64) *ArtifactDescriptor {
	return &ArtifactDescriptor{
		Kind:        "file",
		PathOrURI:   path,
		ContentHash: &contentHash,
		SizeBytes:   &sizeBytes,
	}
}

// DatabaseArtifact describes an artifact written to an external database.
func DatabaseArtifact(uri string, idempotencyKey string) *ArtifactDescriptor {
	return &ArtifactDescriptor{
		Kind:           "database",
		PathOrURI:      uri,
		IdempotencyKey: &idempotencyKey,
	}
}

// WebhookArtifact describes an artifact delivered to an external endpoint.
func WebhookArtifact(uri string, idempotencyKey string) *ArtifactDescriptor {
	return &ArtifactDescriptor{
		Kind:           "webhook",
		PathOrURI:      uri,
		IdempotencyKey: &idempotencyKey,
	}
}
