package main

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/ppah/engine"
	"github.com/hazyhaar/ppah/frame"
)

const synthSize = 64

// synthCamera produces flat frames with a little sensor noise. After
// swapAt it switches to a different subject colour, which the comparator
// sees as a person swap.
type synthCamera struct {
	label  string
	start  time.Time
	swapAt time.Duration
	now    func() time.Time

	mu     sync.Mutex
	rng    *rand.Rand
	closed atomic.Bool
}

func newSynthCamera(label string, swapAfter time.Duration) *synthCamera {
	return &synthCamera{
		label:  label,
		start:  time.Now(),
		swapAt: swapAfter,
		now:    time.Now,
		rng:    rand.New(rand.NewPCG(1, 2)),
	}
}

func (c *synthCamera) Capture(ctx context.Context) (frame.Frame, error) {
	if err := ctx.Err(); err != nil {
		return frame.Frame{}, err
	}
	if c.closed.Load() {
		return frame.Frame{}, errCameraClosed
	}
	r, g, b := uint8(205), uint8(150), uint8(125)
	if c.swapped() {
		r, g, b = 60, 90, 190
	}
	f := frame.Solid(synthSize, synthSize, r, g, b)

	c.mu.Lock()
	for i := 0; i < len(f.Pix); i += frame.BytesPerPixel {
		f.Pix[i] = jitter(f.Pix[i], c.rng.IntN(5)-2)
	}
	c.mu.Unlock()
	f.CapturedAt = c.now()
	return f, nil
}

func (c *synthCamera) swapped() bool {
	return c.swapAt > 0 && c.now().Sub(c.start) >= c.swapAt
}

func (c *synthCamera) Label() string { return c.label }

func (c *synthCamera) Close() error {
	c.closed.Store(true)
	return nil
}

func jitter(v uint8, d int) uint8 {
	n := int(v) + d
	return uint8(min(max(n, 0), 255))
}

// synthLandmarks always finds a face whose head sweeps left and right,
// so liveness challenges pass within one period.
type synthLandmarks struct {
	start  time.Time
	period time.Duration
	now    func() time.Time
}

func newSynthLandmarks(period time.Duration) *synthLandmarks {
	return &synthLandmarks{start: time.Now(), period: period, now: time.Now}
}

func (l *synthLandmarks) Detect(ctx context.Context, _ frame.Frame) (engine.Landmarks, bool, error) {
	if err := ctx.Err(); err != nil {
		return engine.Landmarks{}, false, err
	}
	phase := float64(l.now().Sub(l.start)) / float64(l.period)
	return engine.Landmarks{Yaw: 0.4 * math.Sin(2*math.Pi*phase)}, true, nil
}
