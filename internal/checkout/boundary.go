package checkout

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

const (
	// StagePageLoad tags configuration failures raised while a session is mounted.
	StagePageLoad = "page_load"
	// LoadErrorMessage is the generic message shown in place of a failed checkout.
	LoadErrorMessage = "Sorry, there was an error loading this page."
)

// LoadError is returned once a configuration error has been caught by a Boundary.
type LoadError struct {
	Stage   string
	Message string
	Err     error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("checkout: %s failed: %v", e.Stage, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Boundary funnels configuration errors into OnPageLoadError. Only the first
// captured error is reported; the session is unusable afterwards.
type Boundary struct {
	mu        sync.Mutex
	err       *LoadError
	tracking  Tracking
	callbacks Callbacks
	logger    *zap.Logger
}

// NewBoundary constructs a boundary reporting through callbacks.OnPageLoadError.
func NewBoundary(sessionID string, callbacks Callbacks, logger *zap.Logger) *Boundary {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Boundary{
		tracking:  Tracking{SessionID: sessionID},
		callbacks: callbacks,
		logger:    logger,
	}
}

// Capture records err and reports it if it is the first one. It returns the
// LoadError the caller should surface.
func (b *Boundary) Capture(stage string, err error) error {
	if err == nil {
		return nil
	}
	if stage == "" {
		stage = StagePageLoad
	}

	b.mu.Lock()
	if b.err != nil {
		existing := b.err
		b.mu.Unlock()
		b.logger.Debug("checkout error boundary already tripped", zap.Error(err))
		return existing
	}
	loadErr := &LoadError{Stage: stage, Message: LoadErrorMessage, Err: err}
	b.err = loadErr
	b.mu.Unlock()

	b.logger.Error("checkout configuration error",
		zap.String("stage", stage),
		zap.String("code", ErrorCode(err)),
		zap.Error(err),
	)
	b.callbacks.pageLoadError(PageLoadErrorArgs{Tracking: b.tracking, Stage: stage, Err: err})
	return loadErr
}

// Err returns the captured error, if any.
func (b *Boundary) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil {
		return nil
	}
	return b.err
}
