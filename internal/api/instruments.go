package api

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInstrumentNotFound is returned when no instrument matches an identifier.
var ErrInstrumentNotFound = errors.New("instrument not found")

// GetStatus checks that the service is up.
func (c *Client) GetStatus(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.get(ctx, "/status", nil, &resp); err != nil {
		return nil, fmt.Errorf("get status: %w", err)
	}
	return &resp, nil
}

// LookupInstrument resolves one identifier to its instrument.
func (c *Client) LookupInstrument(ctx context.Context, scheme, value string) (*Instrument, error) {
	query := url.Values{}
	query.Set("scheme", scheme)
	query.Set("value", value)

	var resp InstrumentResponse
	if err := c.get(ctx, "/instruments/lookup", query, &resp); err != nil {
		if IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s~%s", ErrInstrumentNotFound, scheme, value)
		}
		return nil, fmt.Errorf("lookup instrument: %w", err)
	}
	if resp.Instrument.SecurityKey == "" {
		return nil, fmt.Errorf("%w: %s~%s", ErrInstrumentNotFound, scheme, value)
	}
	return &resp.Instrument, nil
}

// GetSnapshots fetches the latest raw fields for each security key.
// Keys unknown to the service are absent from the result.
func (c *Client) GetSnapshots(ctx context.Context, keys []string) (map[string]map[string]any, error) {
	if len(keys) == 0 {
		return map[string]map[string]any{}, nil
	}
	query := url.Values{}
	query.Set("keys", strings.Join(keys, ","))

	var resp SnapshotsResponse
	if err := c.get(ctx, "/snapshots", query, &resp); err != nil {
		return nil, fmt.Errorf("get snapshots: %w", err)
	}
	if resp.Snapshots == nil {
		resp.Snapshots = map[string]map[string]any{}
	}
	return resp.Snapshots, nil
}
