package docsync

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/leadcore/leadsync/internal/document"
	"github.com/leadcore/leadsync/internal/remote"
)

// Warning marks a save that was accepted by the remote store but could not
// be confirmed as written.
type Warning string

const (
	WarningNone Warning = ""
	// WarningVerifyFailed means the verification read failed.
	WarningVerifyFailed Warning = "verification read failed"
	// WarningDiverged means the verification read returned a different
	// document, which has been adopted locally.
	WarningDiverged Warning = "remote changed concurrently; adopted remote document"
)

type SaveResult struct {
	ServerTimestamp string
	Document        document.Document
	Warning         Warning
}

// Save writes doc to the remote store and adopts it locally. Only one save
// runs at a time; a concurrent call fails with ErrSaveInFlight. On failure
// the attempted document stays local with a "save failed" activity entry.
func (e *Engine) Save(ctx context.Context, doc document.Document, note string) (SaveResult, error) {
	if e.remote.Endpoint() == "" {
		e.setStatus(StatusNoEndpoint)
		return SaveResult{}, fmt.Errorf("save: %w", remote.ErrConfiguration)
	}
	if !e.saving.CompareAndSwap(false, true) {
		return SaveResult{}, ErrSaveInFlight
	}
	defer e.saving.Store(false)

	next := e.prepare(doc, note)

	put, err := e.remote.Put(ctx, next)
	if err != nil {
		failed := next.Clone()
		failed.PrependActivity(e.newID(), e.now(), "save failed: "+remote.Reason(err), e.maxActivity)
		e.replace(failed, "")
		e.setStatus(StatusSaveFailed)
		e.logger.Warn("save failed", zap.String("kind", remote.KindOf(err).String()), zap.Error(err))
		return SaveResult{Document: failed.Clone()}, err
	}

	e.replace(next, put.ServerTimestamp)
	e.writeBackup(ctx, next)
	result := SaveResult{ServerTimestamp: put.ServerTimestamp, Document: next.Clone()}

	if e.verify {
		result = e.verifySave(ctx, next, result)
	}
	if result.Warning != WarningNone {
		e.setStatus(StatusSavedPartial)
	} else {
		e.setStatus(StatusSaved)
	}
	return result, nil
}

// prepare normalizes doc, stamps it no earlier than the current local stamp
// and records note in the activity log.
func (e *Engine) prepare(doc document.Document, note string) document.Document {
	next := e.normalizer.Normalize(doc)
	e.mu.Lock()
	previous := e.doc.Meta.UpdatedAt
	e.mu.Unlock()
	if prevTime, ok := document.ParseTime(previous); ok {
		if nextTime, ok := document.ParseTime(next.Meta.UpdatedAt); !ok || nextTime.Before(prevTime) {
			next.Meta.UpdatedAt = previous
		}
	}
	now := e.now()
	next.Stamp(now)
	if note != "" {
		next.PrependActivity(e.newID(), now, note, e.maxActivity)
	}
	return next
}

func (e *Engine) verifySave(ctx context.Context, written document.Document, result SaveResult) SaveResult {
	snap, err := e.remote.Get(ctx)
	if err != nil {
		e.logger.Warn("save verification read failed", zap.Error(err))
		result.Warning = WarningVerifyFailed
		return result
	}
	if snap.Document.Fingerprint() != written.Fingerprint() {
		e.logger.Warn("remote document diverged after save",
			zap.String("put_at", result.ServerTimestamp), zap.String("verify_at", snap.ServerTimestamp))
		e.replace(snap.Document, snap.ServerTimestamp)
		e.writeBackup(ctx, snap.Document)
		result.Document = snap.Document.Clone()
		result.ServerTimestamp = snap.ServerTimestamp
		result.Warning = WarningDiverged
		return result
	}
	e.mu.Lock()
	e.lastSeen = snap.ServerTimestamp
	e.mu.Unlock()
	result.ServerTimestamp = snap.ServerTimestamp
	return result
}

// Update applies fn to a copy of the current document and saves the result.
func (e *Engine) Update(ctx context.Context, note string, fn func(*document.Document) error) (SaveResult, error) {
	doc := e.Document()
	if err := fn(&doc); err != nil {
		return SaveResult{}, err
	}
	return e.Save(ctx, doc, note)
}

// SyncNow loads the remote document and writes it straight back, which
// repairs its schema on the remote side.
func (e *Engine) SyncNow(ctx context.Context) (SaveResult, error) {
	if e.saving.Load() {
		return SaveResult{}, ErrSaveInFlight
	}
	snap, err := e.remote.Get(ctx)
	if err != nil {
		if status, ok := statusForFailure(err); ok {
			e.setStatus(status)
		}
		return SaveResult{}, err
	}
	e.replace(snap.Document, snap.ServerTimestamp)
	return e.Save(ctx, snap.Document, "")
}

// TestConnection pings the remote store.
func (e *Engine) TestConnection(ctx context.Context) error {
	if err := e.remote.Ping(ctx); err != nil {
		if status, ok := statusForFailure(err); ok {
			e.setStatus(status)
		}
		return err
	}
	e.setStatus(StatusConnected)
	return nil
}

func (e *Engine) newID() string {
	if e.normalizer.NewID != nil {
		return e.normalizer.NewID("ev")
	}
	return document.NewID("ev")
}
