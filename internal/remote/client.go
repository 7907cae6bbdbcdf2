// Package remote talks to the spreadsheet-backed document endpoint.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/leadcore/leadsync/internal/document"
)

const (
	DefaultTimeout    = 8 * time.Second
	DefaultMaxRetries = 2
	DefaultBaseDelay  = 100 * time.Millisecond
	DefaultMaxDelay   = 2 * time.Second

	maxResponseBytes = 32 << 20
)

const envelopeSchemaJSON = `{
	"type": "object",
	"required": ["ok"],
	"properties": {
		"ok": {"type": "boolean"},
		"at": {"type": ["string", "null"]},
		"error": {"type": ["string", "null"]}
	}
}`

var envelopeSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchemaJSON))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("envelope.json", doc); err != nil {
		return nil, err
	}
	return compiler.Compile("envelope.json")
})

// Snapshot is a successfully fetched remote document.
type Snapshot struct {
	Document        document.Document
	ServerTimestamp string
}

type PutResult struct {
	ServerTimestamp string
}

// Store is the subset of Client the sync engine depends on.
type Store interface {
	Get(ctx context.Context) (Snapshot, error)
	Put(ctx context.Context, doc document.Document) (PutResult, error)
	Ping(ctx context.Context) error
	Endpoint() string
	SetEndpoint(raw string) error
}

// Options configure a Client. MaxRetries is used as given; callers wanting
// the stock behaviour pass DefaultMaxRetries.
type Options struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Normalizer document.Normalizer
	Now        func() time.Time
	Logger     *zap.Logger
}

var _ Store = (*Client)(nil)

type Client struct {
	mu         sync.RWMutex
	base       *url.URL
	httpClient *http.Client
	timeout    time.Duration
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	normalizer document.Normalizer
	now        func() time.Time
	logger     *zap.Logger
}

type envelope struct {
	payload any
	at      string
}

// NewClient returns a Client for endpoint. An empty endpoint is allowed; calls
// then fail with ErrConfiguration until SetEndpoint is called.
func NewClient(endpoint string, opts Options) (*Client, error) {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	c := &Client{
		httpClient: opts.HTTPClient,
		timeout:    opts.Timeout,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		maxDelay:   opts.MaxDelay,
		normalizer: opts.Normalizer,
		now:        opts.Now,
		logger:     opts.Logger,
	}
	if err := c.SetEndpoint(endpoint); err != nil {
		return nil, err
	}
	return c, nil
}

// ValidateEndpoint parses raw as an absolute http(s) URL.
func ValidateEndpoint(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, &Error{Kind: KindConfiguration, Op: "configure", Reason: "endpoint is empty"}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, &Error{Kind: KindConfiguration, Op: "configure", Reason: "endpoint is not a valid URL", Err: err}
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &Error{Kind: KindConfiguration, Op: "configure", Reason: fmt.Sprintf("endpoint %q must be an absolute http(s) URL", raw)}
	}
	return u, nil
}

func (c *Client) Endpoint() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.base == nil {
		return ""
	}
	return c.base.String()
}

// SetEndpoint switches the endpoint used by subsequent calls. An empty value
// unconfigures the client.
func (c *Client) SetEndpoint(raw string) error {
	var base *url.URL
	if strings.TrimSpace(raw) != "" {
		u, err := ValidateEndpoint(raw)
		if err != nil {
			return err
		}
		base = u
	}
	c.mu.Lock()
	c.base = base
	c.mu.Unlock()
	return nil
}

func (c *Client) Get(ctx context.Context) (Snapshot, error) {
	env, err := c.call(ctx, "get", http.MethodGet, nil)
	if err != nil {
		return Snapshot{}, err
	}
	doc := c.normalizer.Normalize(env.payload)
	at := timestamp(env.at, doc)
	if at == "" {
		at = contentToken(env.payload)
	}
	return Snapshot{Document: doc, ServerTimestamp: at}, nil
}

func (c *Client) Put(ctx context.Context, doc document.Document) (PutResult, error) {
	env, err := c.call(ctx, "put", http.MethodPost, map[string]any{"payload": doc})
	if err != nil {
		return PutResult{}, err
	}
	at := timestamp(env.at, doc)
	if at == "" {
		at = document.FormatTime(c.now())
	}
	return PutResult{ServerTimestamp: at}, nil
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "ping", http.MethodGet, nil)
	return err
}

func timestamp(at string, doc document.Document) string {
	if at = strings.TrimSpace(at); at != "" {
		return at
	}
	return doc.Meta.UpdatedAt
}

// contentToken stands in for a missing server timestamp on reads. It depends
// only on the raw payload, so an unchanged remote keeps the same token.
func contentToken(payload any) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte(fmt.Sprint(payload))
	}
	return "content:" + strconv.FormatUint(xxhash.Sum64(raw), 16)
}

func (c *Client) call(ctx context.Context, op, method string, body any) (envelope, error) {
	c.mu.RLock()
	base := c.base
	c.mu.RUnlock()
	if base == nil {
		return envelope{}, &Error{Kind: KindConfiguration, Op: op, Reason: "no endpoint configured"}
	}

	env, err := c.doJSON(ctx, op, method, base, body)
	if err != nil {
		switch KindOf(err) {
		case KindProtocol:
			c.logger.Warn("remote returned unusable response", zap.String("op", op), zap.Error(err))
		case KindApplication:
			c.logger.Warn("remote rejected request", zap.String("op", op), zap.Error(err))
		default:
			c.logger.Info("remote request failed", zap.String("op", op), zap.Error(err))
		}
	}
	return env, err
}

func (c *Client) doJSON(ctx context.Context, op, method string, base *url.URL, body any) (envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target := *base
	query := target.Query()
	query.Set("action", op)
	target.RawQuery = query.Encode()

	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return envelope{}, &Error{Kind: KindProtocol, Op: op, Reason: "encode request", Err: err}
		}
	}

	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, target.String(), bodyReader)
		if err != nil {
			return envelope{}, &Error{Kind: KindConfiguration, Op: op, Reason: "build request", Err: err}
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Correlation-Id", correlationID())
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				c.logger.Debug("retrying remote request", zap.String("op", op), zap.Int("attempt", attempt+1), zap.Error(err))
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return envelope{}, &Error{Kind: KindNetwork, Op: op, Reason: "request timed out", Err: err}
				}
				continue
			}
			return envelope{}, &Error{Kind: KindNetwork, Op: op, Reason: transportReason(ctx, err), Err: err}
		}
		payload, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		_ = resp.Body.Close()
		if readErr != nil {
			return envelope{}, &Error{Kind: KindNetwork, Op: op, StatusCode: resp.StatusCode, Reason: transportReason(ctx, readErr), Err: readErr}
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return c.decode(op, resp.Header.Get("Content-Type"), payload)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			c.logger.Debug("retrying remote request", zap.String("op", op), zap.Int("attempt", attempt+1), zap.Int("status", resp.StatusCode))
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return envelope{}, &Error{Kind: KindNetwork, Op: op, StatusCode: resp.StatusCode, Reason: fmt.Sprintf("http %d", resp.StatusCode), Err: waitErr}
			}
			continue
		}
		return envelope{}, &Error{Kind: KindNetwork, Op: op, StatusCode: resp.StatusCode, Reason: fmt.Sprintf("http %d", resp.StatusCode)}
	}
}

func (c *Client) decode(op, contentType string, payload []byte) (envelope, error) {
	if looksLikeHTML(contentType, payload) {
		return envelope{}, &Error{Kind: KindProtocol, Op: op, Reason: "received an HTML page instead of JSON; check the deployment's access settings"}
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return envelope{}, &Error{Kind: KindProtocol, Op: op, Reason: "response is not valid JSON", Err: err}
	}
	schema, err := envelopeSchema()
	if err != nil {
		return envelope{}, &Error{Kind: KindProtocol, Op: op, Reason: "compile response schema", Err: err}
	}
	if err := schema.Validate(inst); err != nil {
		return envelope{}, &Error{Kind: KindProtocol, Op: op, Reason: "response does not match the expected envelope", Err: err}
	}
	fields := inst.(map[string]any)
	if ok, _ := fields["ok"].(bool); !ok {
		reason, _ := fields["error"].(string)
		if strings.TrimSpace(reason) == "" {
			reason = "request rejected"
		}
		return envelope{}, &Error{Kind: KindApplication, Op: op, Reason: reason}
	}
	at, _ := fields["at"].(string)
	return envelope{payload: fields["payload"], at: at}, nil
}

func looksLikeHTML(contentType string, payload []byte) bool {
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil && mediaType == "text/html" {
		return true
	}
	return bytes.HasPrefix(bytes.TrimSpace(payload), []byte("<"))
}

func transportReason(ctx context.Context, err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "request timed out"
	}
	if errors.Is(err, context.Canceled) {
		return "request cancelled"
	}
	return "connection failed"
}

func correlationID() string {
	return "leadsync_" + strconv.FormatInt(time.Now().UnixNano(), 10)
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, c.maxDelay)
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return min(delay, c.maxDelay)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
