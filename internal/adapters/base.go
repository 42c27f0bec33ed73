// Package adapters implements the backend adapters: two CLI-driven text
// backends, a persistent line-protocol multimodal backend and an in-process
// function adapter.
package adapters

import (
	"context"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"github.com/ZanzyTHEbar/layerbridge"
	"github.com/ZanzyTHEbar/layerbridge/internal/intent"
)

// settings holds what every adapter shares.
type settings struct {
	verifier    layerbridge.CredentialVerifier
	logger      *zap.Logger
	timeouts    layerbridge.TimeoutPolicy
	healthCheck func(ctx context.Context) error
	// classifier spots generation intent in plain prompts.
	classifier layerbridge.IntentClassifier
}

// Option configures an adapter.
type Option func(*settings)

// WithVerifier sets the credential verifier consulted by Initialize.
func WithVerifier(v layerbridge.CredentialVerifier) Option {
	return func(s *settings) {
		s.verifier = v
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTimeoutPolicy overrides the default timeout policy.
func WithTimeoutPolicy(p layerbridge.TimeoutPolicy) Option {
	return func(s *settings) {
		s.timeouts = p
	}
}

// WithHealthCheck replaces the reachability check run during Initialize.
func WithHealthCheck(healthCheck func(ctx context.Context) error) Option {
	return func(s *settings) {
		s.healthCheck = healthCheck
	}
}

// WithClassifier sets the intent classifier used to recognize generation requests.
func WithClassifier(c layerbridge.IntentClassifier) Option {
	return func(s *settings) {
		if c != nil {
			s.classifier = c
		}
	}
}

func newSettings(opts []Option) settings {
	s := settings{
		logger:     zap.NewNop(),
		timeouts:   layerbridge.DefaultTimeoutPolicy(),
		classifier: intent.NewKeywordClassifier(),
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// lookPathCheck checks that binary resolves on PATH.
func lookPathCheck(binary string) func(ctx context.Context) error {
	return func(context.Context) error {
		_, err := exec.LookPath(binary)
		return err
	}
}

// base implements the idempotent initialization shared by all adapters.
type base struct {
	settings
	name layerbridge.LayerName

	mu    sync.Mutex
	ready bool
}

// Name implements layerbridge.Adapter.
func (b *base) Name() layerbridge.LayerName {
	return b.name
}

// Initialize verifies credentials and checks reachability once. Concurrent
// callers wait for the first attempt; a failed attempt is retried on the next call.
func (b *base) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ready {
		return nil
	}
	if b.verifier != nil {
		status := b.verifier.Verify(ctx, b.name)
		if !status.Success {
			msg := status.Error
			if msg == "" {
				msg = "credentials could not be verified"
			}
			err := layerbridge.NewAuthenticationError(b.name, msg, nil)
			if status.ActionInstructions != "" {
				err.Remediation = status.ActionInstructions
			}
			return err
		}
	}
	if b.healthCheck != nil {
		if err := b.healthCheck(ctx); err != nil {
			return layerbridge.NewUnavailableError(b.name, err)
		}
	}
	b.ready = true
	b.logger.Debug("adapter initialized", zap.String("layer", string(b.name)))
	return nil
}

// IsAvailable implements layerbridge.Adapter.
func (b *base) IsAvailable(ctx context.Context) bool {
	return b.Initialize(ctx) == nil
}

// reset forces the next call to re-run initialization.
func (b *base) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ready = false
}

// afterFailure drops readiness when a call proved the credentials stale.
func (b *base) afterFailure(err error) {
	if layerbridge.IsAuthentication(err) {
		b.reset()
	}
}
