package docsync

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/leadcore/leadsync/internal/remote"
)

// BootSource says where the startup document came from.
type BootSource int

const (
	BootRemote BootSource = iota + 1
	BootBackup
	BootDefault
)

func (s BootSource) String() string {
	switch s {
	case BootRemote:
		return "remote"
	case BootBackup:
		return "backup"
	case BootDefault:
		return "default"
	default:
		return "unknown"
	}
}

const (
	activityLoadedFromBackup = "loaded from local backup (remote unavailable: %s)"
	activityStartedEmpty     = "started without data (remote unavailable: %s)"
)

// Boot loads the startup document: the remote one when reachable, else the
// local backup, else the default document. The remote error, if any, is
// returned alongside the source that was used instead.
func (e *Engine) Boot(ctx context.Context) (BootSource, error) {
	snap, err := e.remote.Get(ctx)
	if err == nil {
		e.replace(snap.Document, snap.ServerTimestamp)
		e.writeBackup(ctx, snap.Document)
		e.setStatus(StatusConnected)
		return BootRemote, nil
	}

	fallbackStatus := StatusOffline
	if errors.Is(err, remote.ErrConfiguration) {
		fallbackStatus = StatusNoEndpoint
	}
	reason := remote.Reason(err)

	if e.backup != nil {
		if doc, ok := e.backup.Read(ctx); ok {
			doc.PrependActivity(e.newID(), e.now(), fmt.Sprintf(activityLoadedFromBackup, reason), e.maxActivity)
			e.replace(doc, "")
			if fallbackStatus == StatusOffline {
				fallbackStatus = StatusOfflineBackup
			}
			e.setStatus(fallbackStatus)
			e.logger.Warn("booted from local backup", zap.Error(err))
			return BootBackup, err
		}
	}

	doc := e.normalizer.Default()
	doc.PrependActivity(e.newID(), e.now(), fmt.Sprintf(activityStartedEmpty, reason), e.maxActivity)
	e.replace(doc, "")
	e.setStatus(fallbackStatus)
	e.logger.Warn("booted without data", zap.Error(err))
	return BootDefault, err
}

// Reload replaces the local document with the remote one unconditionally.
func (e *Engine) Reload(ctx context.Context) error {
	if e.saving.Load() {
		return ErrSaveInFlight
	}
	snap, err := e.remote.Get(ctx)
	if err != nil {
		if status, ok := statusForFailure(err); ok {
			e.setStatus(status)
		}
		return err
	}
	e.replace(snap.Document, snap.ServerTimestamp)
	e.writeBackup(ctx, snap.Document)
	e.setStatus(StatusConnected)
	return nil
}

// ResetLocal discards the backup snapshot and starts over from the default
// document. The remote store is not touched.
func (e *Engine) ResetLocal(ctx context.Context) error {
	if e.saving.Load() {
		return ErrSaveInFlight
	}
	if e.backup != nil {
		if err := e.backup.Clear(ctx); err != nil {
			return err
		}
	}
	e.replace(e.normalizer.Default(), "")
	return nil
}

// SetEndpoint points the engine at a different remote endpoint. The last
// seen timestamp is forgotten so the next poll adopts the new document.
func (e *Engine) SetEndpoint(raw string) error {
	if err := e.remote.SetEndpoint(raw); err != nil {
		return err
	}
	e.mu.Lock()
	e.lastSeen = ""
	e.mu.Unlock()
	if e.remote.Endpoint() == "" {
		e.setStatus(StatusNoEndpoint)
	} else {
		e.setStatus(StatusIdle)
	}
	return nil
}
