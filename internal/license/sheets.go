package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// SheetsOptions configures a SheetsAuthority.
type SheetsOptions struct {
	SpreadsheetID   string
	Range           string
	CredentialsJSON []byte
	APIKey          string
	// ClientOptions are appended after the credential options.
	ClientOptions []option.ClientOption
}

// SheetsAuthority looks grants up in a Google Sheets range whose rows are
// Key | Tier | MaxDevices | ExpiryDate | Status | Email.
type SheetsAuthority struct {
	service       *sheets.Service
	spreadsheetID string
	readRange     string
	logger        *slog.Logger
}

// NewSheetsAuthority creates the Sheets client.
func NewSheetsAuthority(ctx context.Context, opts SheetsOptions, logger *slog.Logger) (*SheetsAuthority, error) {
	if opts.SpreadsheetID == "" {
		return nil, fmt.Errorf("sheets authority: spreadsheet id is required")
	}
	if opts.Range == "" {
		opts.Range = "Licenses!A2:F"
	}
	if logger == nil {
		logger = slog.Default()
	}

	var clientOpts []option.ClientOption
	switch {
	case len(opts.CredentialsJSON) > 0:
		clientOpts = append(clientOpts, option.WithCredentialsJSON(opts.CredentialsJSON))
	case opts.APIKey != "":
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	clientOpts = append(clientOpts, opts.ClientOptions...)

	service, err := sheets.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}
	return &SheetsAuthority{
		service:       service,
		spreadsheetID: opts.SpreadsheetID,
		readRange:     opts.Range,
		logger:        logger.With(slog.String("component", "license_authority")),
	}, nil
}

// Grant implements Authority.
func (a *SheetsAuthority) Grant(ctx context.Context, req GrantRequest) (*Grant, error) {
	resp, err := a.service.Spreadsheets.Values.Get(a.spreadsheetID, a.readRange).Context(ctx).Do()
	if err != nil {
		a.logger.WarnContext(ctx, "Failed to read license sheet", slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %v", ErrAuthorityUnavailable, err)
	}

	for i, row := range resp.Values {
		if cell(row, 0) != req.Key {
			continue
		}
		grant, err := grantFromRow(row)
		if errors.Is(err, ErrExpired) {
			return nil, err
		}
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", ErrAuthorityUnavailable, i+1, err)
		}
		return grant, nil
	}
	return nil, fmt.Errorf("%w: license key not recognized", ErrUnknownKey)
}

func grantFromRow(row []interface{}) (*Grant, error) {
	grant := &Grant{Email: cell(row, 5)}

	if t, ok := ParseTier(strings.ToLower(cell(row, 1))); ok {
		grant.Tier = t
	}
	if v := cell(row, 2); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid max devices %q", v)
		}
		grant.MaxDevices = n
	}
	if v := cell(row, 3); v != "" {
		at, err := parseExpiry(v)
		if err != nil {
			return nil, err
		}
		grant.ExpiresAt = &at
	}
	switch strings.ToLower(cell(row, 4)) {
	case "revoked", "suspended":
		grant.Revoked = true
	case "expired":
		return nil, fmt.Errorf("%w: marked expired", ErrExpired)
	}
	return grant, nil
}

func cell(row []interface{}, i int) string {
	if i >= len(row) || row[i] == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(row[i]))
}
