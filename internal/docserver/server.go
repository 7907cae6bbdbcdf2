// Package docserver is a self-contained document endpoint speaking the same
// query-string protocol as the production spreadsheet script. It keeps the
// document in a backup.Store and is used for local development and tests.
package docserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/leadcore/leadsync/internal/backup"
	"github.com/leadcore/leadsync/internal/document"
)

// StateKey is the store key holding the served document.
const StateKey = "leadsync.docserver.state.v1"

// Fault makes the server misbehave on purpose so clients can be exercised
// against the failure shapes of the real endpoint.
type Fault string

const (
	FaultNone        Fault = ""
	FaultHTML        Fault = "html"
	FaultUnavailable Fault = "unavailable"
	FaultReject      Fault = "reject"
)

// ParseFault accepts the flag spelling of a Fault.
func ParseFault(raw string) (Fault, error) {
	switch Fault(strings.ToLower(strings.TrimSpace(raw))) {
	case FaultNone, "none":
		return FaultNone, nil
	case FaultHTML:
		return FaultHTML, nil
	case FaultUnavailable:
		return FaultUnavailable, nil
	case FaultReject:
		return FaultReject, nil
	default:
		return FaultNone, errors.New("unknown fault " + strconv.Quote(raw))
	}
}

type Config struct {
	MaxBodyBytes    int64
	RateLimitMax    int
	RateLimitWindow time.Duration
	Fault           Fault
	Now             func() time.Time
	Logger          *zap.Logger
}

type Server struct {
	store       backup.Store
	cfg         Config
	rateLimiter *rateLimiter

	mu     sync.Mutex
	lastAt time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

type record struct {
	Payload json.RawMessage `json:"payload"`
	At      string          `json:"at"`
}

func New(store backup.Store) *Server {
	return NewWithConfig(store, Config{})
}

func NewWithConfig(store backup.Store, cfg Config) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 16 << 20
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{store: store, cfg: cfg, rateLimiter: limiter}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	action := r.URL.Query().Get("action")
	s.cfg.Logger.Debug("document request", zap.String("action", action), zap.String("method", r.Method))

	if s.rateLimiter != nil && !s.rateLimiter.allow(clientKey(r), s.cfg.Now().UTC()) {
		retryAfter := max(int(math.Ceil(s.rateLimiter.window.Seconds())), 1)
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	switch s.cfg.Fault {
	case FaultHTML:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "<!DOCTYPE html><html><body>Sign in to continue</body></html>")
		return
	case FaultUnavailable:
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
		return
	case FaultReject:
		writeError(w, http.StatusOK, "rejected by server")
		return
	}

	switch {
	case action == "ping" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case action == "get" && r.Method == http.MethodGet:
		s.handleGet(w, r)
	case action == "put" && r.Method == http.MethodPost:
		s.handlePut(w, r)
	case action == "ping" || action == "get" || action == "put":
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	default:
		writeError(w, http.StatusOK, "unknown action")
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.load(r.Context())
	if err != nil {
		s.cfg.Logger.Error("load document failed", zap.Error(err))
		writeError(w, http.StatusOK, "storage unavailable")
		return
	}
	response := map[string]any{"ok": true, "payload": nil, "at": nil}
	if len(rec.Payload) > 0 {
		response["payload"] = rec.Payload
	}
	if rec.At != "" {
		response["at"] = rec.At
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	var request struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(body, &request); err != nil {
		writeError(w, http.StatusOK, "request body is not valid JSON")
		return
	}
	payload := bytes.TrimSpace(request.Payload)
	if len(payload) == 0 || payload[0] != '{' {
		writeError(w, http.StatusOK, "payload must be an object")
		return
	}

	at, err := s.save(r.Context(), payload)
	if err != nil {
		s.cfg.Logger.Error("store document failed", zap.Error(err))
		writeError(w, http.StatusOK, "storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "at": at})
}

// Seed stores payload unless a document is already present. It reports
// whether the payload was written.
func (s *Server) Seed(ctx context.Context, payload []byte) (bool, error) {
	payload = bytes.TrimSpace(payload)
	if !json.Valid(payload) || len(payload) == 0 || payload[0] != '{' {
		return false, errors.New("seed document must be a JSON object")
	}
	rec, err := s.load(ctx)
	if err != nil {
		return false, err
	}
	if len(rec.Payload) > 0 {
		return false, nil
	}
	_, err = s.save(ctx, payload)
	return err == nil, err
}

// Current returns the stored document and its timestamp.
func (s *Server) Current(ctx context.Context) (document.Document, string, error) {
	rec, err := s.load(ctx)
	if err != nil {
		return document.Document{}, "", err
	}
	if len(rec.Payload) == 0 {
		return document.Document{}, "", backup.ErrNotFound
	}
	return document.Normalize(rec.Payload), rec.At, nil
}

func (s *Server) load(ctx context.Context) (record, error) {
	data, err := s.store.Get(ctx, StateKey)
	if errors.Is(err, backup.ErrNotFound) {
		return record{}, nil
	}
	if err != nil {
		return record{}, err
	}
	var rec record
	if len(bytes.TrimSpace(data)) == 0 {
		return rec, nil
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return record{}, err
	}
	if bytes.Equal(bytes.TrimSpace(rec.Payload), []byte("null")) {
		rec.Payload = nil
	}
	return rec, nil
}

// save persists payload under a timestamp strictly later than the one
// already stored.
func (s *Server) save(ctx context.Context, payload json.RawMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastAt.IsZero() {
		if rec, err := s.load(ctx); err == nil {
			if at, ok := document.ParseTime(rec.At); ok {
				s.lastAt = at.UTC().Truncate(time.Millisecond)
			}
		}
	}
	now := s.cfg.Now().UTC().Truncate(time.Millisecond)
	if !now.After(s.lastAt) {
		now = s.lastAt.Add(time.Millisecond)
	}
	rec := record{Payload: payload, At: document.FormatTime(now)}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	if err := s.store.Put(ctx, StateKey, data); err != nil {
		return "", err
	}
	s.lastAt = now
	return rec.At, nil
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body exceeds configured limit")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return nil, false
	}
	return body, true
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"ok":    false,
		"error": message,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
