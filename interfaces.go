package layerbridge

import (
	"context"
	"time"
)

// Adapter is the contract every backend implements.
//
// Contract:
//   - Initialize is idempotent and safe for concurrent use.
//   - IsAvailable never returns an error; it initializes on first call.
//   - CanHandle is pure and must not perform I/O.
//   - Execute returns a typed *LayerError on failure so callers can decide
//     between retry, fallback and giving up.
type Adapter interface {
	Name() LayerName
	Initialize(ctx context.Context) error
	IsAvailable(ctx context.Context) bool
	CanHandle(task Task) bool
	Execute(ctx context.Context, task Task) (LayerResult, error)
	Capabilities() Capabilities
	// Cost returns the estimated monetary cost of executing task.
	Cost(task Task) float64
	EstimatedDuration(task Task) time.Duration
}

// Capabilities describes what a backend supports.
type Capabilities struct {
	Kinds       []TaskKind `json:"kinds"`
	FileTypes   []FileType `json:"file_types,omitempty"`
	MaxFiles    int        `json:"max_files,omitempty"`
	Grounded    bool       `json:"grounded,omitempty"`
	Description string     `json:"description,omitempty"`
}

// Supports reports whether kind is listed.
func (c Capabilities) Supports(kind TaskKind) bool {
	for _, k := range c.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// AcceptsFile reports whether the file type is listed. An empty list accepts only text.
func (c Capabilities) AcceptsFile(ft FileType) bool {
	if len(c.FileTypes) == 0 {
		return ft == FileText
	}
	for _, t := range c.FileTypes {
		if t == ft {
			return true
		}
	}
	return false
}

// CredentialVerifier checks whether a backend's credentials are usable.
type CredentialVerifier interface {
	Verify(ctx context.Context, service LayerName) AuthStatus
}

// Intent is what a classifier infers from free text.
type Intent struct {
	// Generation is set when the prompt asks for a media artifact.
	Generation bool
	MediaKind  string
	// CurrentInfo is set when the prompt needs fresh or searched information.
	CurrentInfo bool
}

// IntentClassifier infers routing hints from a prompt.
type IntentClassifier interface {
	Classify(prompt string) Intent
}

// TaskExecutor executes a single task and always returns a result.
type TaskExecutor interface {
	Execute(ctx context.Context, task Task) LayerResult
}

// Summarizer condenses a workflow's step results into a short text.
type Summarizer interface {
	Summarize(ctx context.Context, def *WorkflowDefinition, results map[string]LayerResult) (string, error)
}
