package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hazyhaar/ppah/frame"
)

// Camera supplies frames. Capture is called from the tick loop and from the
// challenge task, so implementations must be safe for concurrent use.
type Camera interface {
	Capture(ctx context.Context) (frame.Frame, error)
	// Label is the device name, checked against banned keywords.
	Label() string
	Close() error
}

// Landmarks is what the engine reads from a face detection.
type Landmarks struct {
	// Yaw is the signed head turn; negative is the subject's left.
	Yaw float64
}

// LandmarkProvider detects a face in a frame. found is false when no face
// is present; an error is a sensor anomaly.
type LandmarkProvider interface {
	Detect(ctx context.Context, f frame.Frame) (lm Landmarks, found bool, err error)
}

// NetworkMonitor reports link health. connectivity.CircuitBreaker
// satisfies it.
type NetworkMonitor interface {
	Degraded() bool
}

type healthyNetwork struct{}

func (healthyNetwork) Degraded() bool { return false }

var (
	// ErrVirtualCamera rejects a camera whose label matches a banned keyword.
	ErrVirtualCamera = errors.New("engine: virtual camera rejected")
	// ErrFrozen is returned by Run when the session ends frozen.
	ErrFrozen = errors.New("engine: session frozen")
	// ErrAlreadyRunning is returned by a second Run.
	ErrAlreadyRunning = errors.New("engine: session already running")
	// ErrStopped is returned by Run after Stop.
	ErrStopped = errors.New("engine: session stopped")

	errChallengeFailed = errors.New("liveness challenge failed")
)

// SetupError reports a failed session start. Setup failures are
// retryable by the user; the session never started.
type SetupError struct {
	Stage string
	Err   error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("engine: setup failed at %s: %v", e.Stage, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// CheckCamera rejects labels containing any of banned.
func CheckCamera(label string, banned []string) error {
	l := strings.ToLower(label)
	for _, kw := range banned {
		if kw != "" && strings.Contains(l, strings.ToLower(kw)) {
			return fmt.Errorf("%w: %q matches %q", ErrVirtualCamera, label, kw)
		}
	}
	return nil
}
