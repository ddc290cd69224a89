package license

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Authority actions sent with a GrantRequest.
const (
	ActionActivate = "activate"
	ActionRefresh  = "refresh"
)

// GrantRequest asks an authority what a key entitles.
type GrantRequest struct {
	Action   string
	Key      string
	Email    string
	DeviceID string
}

// Grant is an authority's answer. Zero fields mean "use the local default".
type Grant struct {
	Tier       Tier
	Features   []string
	MaxDevices int
	ExpiresAt  *time.Time
	Email      string
	Revoked    bool
}

// Authority is the remote source of truth for license grants.
type Authority interface {
	Grant(ctx context.Context, req GrantRequest) (*Grant, error)
}

// AuthorityFunc adapts a function to Authority.
type AuthorityFunc func(ctx context.Context, req GrantRequest) (*Grant, error)

// Grant calls f.
func (f AuthorityFunc) Grant(ctx context.Context, req GrantRequest) (*Grant, error) {
	return f(ctx, req)
}

// HTTPAuthority posts grant requests as JSON to a web endpoint such as an
// Apps Script deployment.
type HTTPAuthority struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewHTTPAuthority creates an authority for url. A zero timeout means 10s.
func NewHTTPAuthority(url string, timeout time.Duration, logger *slog.Logger) *HTTPAuthority {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPAuthority{
		url: url,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger.With(slog.String("component", "license_authority")),
	}
}

type authorityRequest struct {
	Action     string            `json:"action"`
	Code       string            `json:"code"`
	Email      string            `json:"email,omitempty"`
	DeviceInfo map[string]string `json:"deviceInfo"`
}

type authorityResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Data    *struct {
		Tier       string   `json:"tier"`
		Features   []string `json:"features"`
		MaxDevices int      `json:"max_devices"`
		ExpiresAt  string   `json:"expires_at"`
		ExpiryDate string   `json:"expiry_date"`
		Status     string   `json:"status"`
		Email      string   `json:"email"`
	} `json:"data,omitempty"`
}

// Grant implements Authority.
func (a *HTTPAuthority) Grant(ctx context.Context, req GrantRequest) (*Grant, error) {
	body, err := json.Marshal(authorityRequest{
		Action:     req.Action,
		Code:       req.Key,
		Email:      req.Email,
		DeviceInfo: map[string]string{"fingerprint": req.DeviceID},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal authority request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthorityUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := a.client.Do(httpReq)
	if err != nil {
		a.logger.WarnContext(ctx, "Authority request failed",
			slog.String("action", req.Action),
			slog.String("error", err.Error()),
			slog.Duration("duration", time.Since(start)),
		)
		return nil, fmt.Errorf("%w: %v", ErrAuthorityUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrAuthorityUnavailable, err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d", ErrAuthorityUnavailable, resp.StatusCode)
	}

	var parsed authorityResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", ErrAuthorityUnavailable, err)
	}
	if !parsed.Success {
		a.logger.WarnContext(ctx, "Authority rejected request",
			slog.String("action", req.Action),
			slog.String("license_key", MaskKey(req.Key)),
			slog.String("error", parsed.Error),
		)
		return nil, rejection(parsed.Error)
	}
	if parsed.Data == nil {
		return nil, fmt.Errorf("%w: response missing data", ErrAuthorityUnavailable)
	}

	d := parsed.Data
	grant := &Grant{
		Features:   d.Features,
		MaxDevices: d.MaxDevices,
		Email:      d.Email,
		Revoked:    strings.EqualFold(d.Status, "revoked"),
	}
	if t, ok := ParseTier(strings.ToLower(d.Tier)); ok {
		grant.Tier = t
	}
	expiry := d.ExpiresAt
	if expiry == "" {
		expiry = d.ExpiryDate
	}
	if expiry != "" {
		at, err := parseExpiry(expiry)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAuthorityUnavailable, err)
		}
		grant.ExpiresAt = &at
	}
	return grant, nil
}

// rejection maps an authority error message onto the error taxonomy.
func rejection(msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "revoked"):
		return fmt.Errorf("%w: %s", ErrRevoked, msg)
	case strings.Contains(lower, "expired"):
		return fmt.Errorf("%w: %s", ErrExpired, msg)
	case strings.Contains(lower, "device"):
		return fmt.Errorf("%w: %s", ErrDeviceLimit, msg)
	case msg == "":
		return fmt.Errorf("%w: license key not recognized", ErrUnknownKey)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownKey, msg)
	}
}

// parseExpiry accepts RFC 3339 timestamps and plain dates. A plain date
// expires at the end of that day in UTC.
func parseExpiry(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid expiry %q", s)
	}
	return t.Add(24*time.Hour - time.Second).UTC(), nil
}
