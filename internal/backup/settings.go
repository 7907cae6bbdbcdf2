package backup

import (
	"context"
	"errors"
	"strings"

	"github.com/leadcore/leadsync/internal/remote"
)

// EndpointKey holds the configured remote endpoint URL.
const EndpointKey = "leadsync.endpoint.url"

// Settings persists local preferences next to the snapshot.
type Settings struct {
	store Store
}

func NewSettings(store Store) *Settings {
	return &Settings{store: store}
}

// Endpoint returns the saved endpoint, or "" when none was saved.
func (s *Settings) Endpoint(ctx context.Context) (string, error) {
	value, err := s.store.Get(ctx, EndpointKey)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(value)), nil
}

// SetEndpoint validates and saves raw. An empty value clears the setting.
func (s *Settings) SetEndpoint(ctx context.Context, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw != "" {
		u, err := remote.ValidateEndpoint(raw)
		if err != nil {
			return err
		}
		raw = u.String()
	}
	return s.store.Put(ctx, EndpointKey, []byte(raw))
}
