// Package docsync owns the local copy of the shared document. It refreshes
// it from the remote store on a timer and writes local edits back, never
// letting a refresh replace the document while an edit or save is underway.
package docsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/leadcore/leadsync/internal/document"
	"github.com/leadcore/leadsync/internal/remote"
)

const DefaultMaxActivity = 500

var (
	ErrAlreadyRunning = errors.New("poller already running")
	ErrSaveInFlight   = errors.New("a save is already in progress")
	ErrInvalidOptions = errors.New("invalid engine options")
)

// Status is the short connection indicator shown to the user.
type Status string

const (
	StatusIdle          Status = "idle"
	StatusConnected     Status = "connected"
	StatusOfflineBackup Status = "offline (backup)"
	StatusOffline       Status = "offline"
	StatusNoEndpoint    Status = "no endpoint"
	StatusSaved         Status = "saved"
	StatusSavedPartial  Status = "saved (partial verification)"
	StatusSaveFailed    Status = "save failed"
)

type EventKind int

const (
	// EventReplaced is emitted whenever the local document changes.
	EventReplaced EventKind = iota + 1
	EventStatus
)

type Event struct {
	Kind     EventKind
	Status   Status
	Document document.Document
}

// Backup is the local recovery copy. Write failures are logged, never
// propagated to the operation that triggered them.
type Backup interface {
	Write(ctx context.Context, doc document.Document) error
	Read(ctx context.Context) (document.Document, bool)
	Clear(ctx context.Context) error
}

type Options struct {
	Remote remote.Store
	Backup Backup
	// Busy reports that the user is mid-edit; polls never replace the
	// document while it returns true.
	Busy        func() bool
	VerifySaves bool
	MaxActivity int
	PollJitter  float64
	NewTicker   func(interval time.Duration) Ticker
	Normalizer  document.Normalizer
	Now         func() time.Time
	Logger      *zap.Logger
}

type Engine struct {
	remote      remote.Store
	backup      Backup
	busy        func() bool
	verify      bool
	maxActivity int
	newTicker   func(interval time.Duration) Ticker
	normalizer  document.Normalizer
	now         func() time.Time
	logger      *zap.Logger

	mu         sync.Mutex
	doc        document.Document
	lastSeen   string
	generation uint64
	status     Status

	saving atomic.Bool

	subMu       sync.Mutex
	subscribers map[int]chan Event
	nextSub     int

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Remote == nil {
		return nil, fmt.Errorf("%w: remote store is required", ErrInvalidOptions)
	}
	if opts.Busy == nil {
		opts.Busy = func() bool { return false }
	}
	if opts.MaxActivity <= 0 {
		opts.MaxActivity = DefaultMaxActivity
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.NewTicker == nil {
		jitter := opts.PollJitter
		opts.NewTicker = func(interval time.Duration) Ticker {
			return newJitterTicker(interval, jitter)
		}
	}
	e := &Engine{
		remote:      opts.Remote,
		backup:      opts.Backup,
		busy:        opts.Busy,
		verify:      opts.VerifySaves,
		maxActivity: opts.MaxActivity,
		newTicker:   opts.NewTicker,
		normalizer:  opts.Normalizer,
		now:         opts.Now,
		logger:      opts.Logger,
		doc:         opts.Normalizer.Default(),
		status:      StatusIdle,
		subscribers: map[int]chan Event{},
	}
	if opts.Remote.Endpoint() == "" {
		e.status = StatusNoEndpoint
	}
	return e, nil
}

// Document returns a copy of the current local document.
func (e *Engine) Document() document.Document {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doc.Clone()
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// LastSeen is the server timestamp of the last document adopted from or
// accepted by the remote store.
func (e *Engine) LastSeen() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSeen
}

// Saving reports whether a save is in flight.
func (e *Engine) Saving() bool {
	return e.saving.Load()
}

// Subscribe delivers engine events on the returned channel until cancel is
// called. Events are dropped for subscribers that fall more than buffer
// events behind.
func (e *Engine) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	e.subMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subscribers[id] = ch
	e.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.subMu.Lock()
			delete(e.subscribers, id)
			e.subMu.Unlock()
			close(ch)
		})
	}
}

func (e *Engine) emit(event Event) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, ch := range e.subscribers {
		select {
		case ch <- event:
		default:
			e.logger.Debug("dropping event for slow subscriber", zap.Int("kind", int(event.Kind)))
		}
	}
}

func (e *Engine) setStatus(status Status) {
	e.mu.Lock()
	changed := e.status != status
	e.status = status
	e.mu.Unlock()
	if changed {
		e.emit(Event{Kind: EventStatus, Status: status})
	}
}

// replace swaps in doc as the local document. An empty seen keeps the
// previous server timestamp.
func (e *Engine) replace(doc document.Document, seen string) {
	e.mu.Lock()
	e.doc = doc
	if seen != "" {
		e.lastSeen = seen
	}
	e.generation++
	e.mu.Unlock()
	e.emit(Event{Kind: EventReplaced, Document: doc.Clone()})
}

func (e *Engine) writeBackup(ctx context.Context, doc document.Document) {
	if e.backup == nil {
		return
	}
	if err := e.backup.Write(ctx, doc); err != nil {
		e.logger.Warn("backup write failed", zap.Error(err))
	}
}

func (e *Engine) isBusy() bool {
	return e.saving.Load() || e.busy()
}

// statusForFailure maps a failed remote call onto the indicator.
func statusForFailure(err error) (Status, bool) {
	switch {
	case errors.Is(err, remote.ErrConfiguration):
		return StatusNoEndpoint, true
	case remote.Unavailable(err):
		return StatusOffline, true
	default:
		return "", false
	}
}
