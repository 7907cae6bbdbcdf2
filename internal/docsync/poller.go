package docsync

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/leadcore/leadsync/internal/config"
)

type PollOutcome int

const (
	PollReplaced PollOutcome = iota + 1
	PollUnchanged
	PollSkippedBusy
	PollFailed
)

func (o PollOutcome) String() string {
	switch o {
	case PollReplaced:
		return "replaced"
	case PollUnchanged:
		return "unchanged"
	case PollSkippedBusy:
		return "skipped"
	case PollFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Ticker is the tick source of the poll loop.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Start begins polling every interval until Stop is called.
func (e *Engine) Start(interval time.Duration) error {
	if interval <= 0 {
		return errors.New("poll interval must be positive")
	}
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.done != nil {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	ticker := e.newTicker(interval)
	e.cancel = cancel
	e.done = done
	go e.run(ctx, ticker, done)
	e.logger.Info("poller started", zap.Duration("interval", interval))
	return nil
}

// Stop halts polling and waits for an in-flight poll to finish or abort. It
// is safe to call when the poller is not running.
func (e *Engine) Stop() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.done == nil {
		return
	}
	e.cancel()
	<-e.done
	e.cancel = nil
	e.done = nil
	e.logger.Info("poller stopped")
}

func (e *Engine) Running() bool {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.done != nil
}

func (e *Engine) run(ctx context.Context, ticker Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			outcome, err := e.PollOnce(ctx)
			if err != nil && ctx.Err() == nil {
				e.logger.Debug("poll failed", zap.Error(err))
				continue
			}
			if outcome == PollReplaced {
				e.logger.Info("document refreshed from remote", zap.String("at", e.LastSeen()))
			}
		}
	}
}

// PollOnce runs a single refresh. The document is replaced only when the
// remote timestamp moved, nobody is editing or saving, and the local
// document was not replaced while the request was in flight.
func (e *Engine) PollOnce(ctx context.Context) (PollOutcome, error) {
	if e.isBusy() {
		return PollSkippedBusy, nil
	}
	e.mu.Lock()
	generation := e.generation
	e.mu.Unlock()

	snap, err := e.remote.Get(ctx)
	if err != nil {
		if status, ok := statusForFailure(err); ok {
			e.setStatus(status)
		}
		return PollFailed, err
	}

	if e.isBusy() {
		return PollSkippedBusy, nil
	}
	e.mu.Lock()
	if snap.ServerTimestamp == e.lastSeen {
		e.mu.Unlock()
		e.setStatus(StatusConnected)
		return PollUnchanged, nil
	}
	if e.generation != generation {
		e.mu.Unlock()
		return PollSkippedBusy, nil
	}
	e.doc = snap.Document
	e.lastSeen = snap.ServerTimestamp
	e.generation++
	e.mu.Unlock()

	e.emit(Event{Kind: EventReplaced, Document: snap.Document.Clone()})
	e.writeBackup(ctx, snap.Document)
	e.setStatus(StatusConnected)
	return PollReplaced, nil
}

// jitterTicker fires after base ±ratio, re-sampled on every tick.
type jitterTicker struct {
	c     chan time.Time
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
	base  time.Duration
	ratio float64
}

func newJitterTicker(base time.Duration, ratio float64) *jitterTicker {
	t := &jitterTicker{
		c:     make(chan time.Time, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
		base:  base,
		ratio: ratio,
	}
	go t.loop()
	return t
}

func (t *jitterTicker) C() <-chan time.Time {
	return t.c
}

func (t *jitterTicker) Stop() {
	t.once.Do(func() { close(t.stop) })
	<-t.done
}

func (t *jitterTicker) loop() {
	defer close(t.done)
	timer := time.NewTimer(jitteredIntervalWithSample(t.base, t.ratio, rand.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-t.stop:
			return
		case now := <-timer.C:
			select {
			case t.c <- now:
			default:
			}
			timer.Reset(jitteredIntervalWithSample(t.base, t.ratio, rand.Float64()))
		}
	}
}

// jitteredIntervalWithSample scales base by a factor in [1-ratio, 1+ratio]
// chosen by sample in [0, 1].
func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = config.ClampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	sample = min(max(sample, 0), 1)
	factor := max(1+((sample*2)-1)*jitterRatio, 0)
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
