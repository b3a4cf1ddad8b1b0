// Package registry reads the tenant roster from the company spreadsheet.
// The sheet is a read-only source: one row per tenant with UUID, display
// name, Drive folder URL and an auto-update checkbox.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/api/sheets/v4"
)

// Column layout of the company sheet. Columns D and E carry per-tenant
// sheet references the sync path does not use.
const (
	colUUID     = 0
	colName     = 1
	colDriveURL = 2
	colAuto     = 5

	readRange = "!A:F"
)

// embedV4Marker in a company name opts the tenant into the v4 embedding
// model.
const embedV4Marker = "embed-v4.0"

// Company is one tenant row.
type Company struct {
	UUID       string
	Name       string
	DriveURL   string
	AutoUpdate bool
	UseEmbedV4 bool
}

// Client reads tenant rows from one spreadsheet.
type Client struct {
	svc           *sheets.Service
	spreadsheetID string
	sheetName     string
	logger        *slog.Logger
}

// NewClient builds a registry client over the given Sheets service.
func NewClient(svc *sheets.Service, spreadsheetID, sheetName string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		svc:           svc,
		spreadsheetID: spreadsheetID,
		sheetName:     sheetName,
		logger:        logger,
	}
}

// Companies returns every tenant row with the required fields present.
// Rows missing a UUID, name or Drive URL are logged and skipped.
func (c *Client) Companies(ctx context.Context) ([]Company, error) {
	resp, err := c.svc.Spreadsheets.Values.
		Get(c.spreadsheetID, c.sheetName+readRange).
		Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("registry: reading sheet %q: %w", c.sheetName, err)
	}

	if len(resp.Values) < 2 {
		return nil, nil
	}

	var companies []Company

	// Row 1 is the header.
	for i, row := range resp.Values[1:] {
		company := Company{
			UUID:     cell(row, colUUID),
			Name:     cell(row, colName),
			DriveURL: cell(row, colDriveURL),
		}

		if company.UUID == "" || company.Name == "" || company.DriveURL == "" {
			if len(row) > 0 {
				c.logger.Warn("skipping incomplete company row", slog.Int("row", i+2))
			}

			continue
		}

		company.AutoUpdate = parseCheckbox(cell(row, colAuto))
		company.UseEmbedV4 = strings.Contains(company.Name, embedV4Marker)

		companies = append(companies, company)
	}

	c.logger.Info("companies loaded from sheet",
		slog.String("sheet", c.sheetName),
		slog.Int("count", len(companies)))

	return companies, nil
}

// AutoUpdateCompanies returns the tenants with the auto-update checkbox set.
func (c *Client) AutoUpdateCompanies(ctx context.Context) ([]Company, error) {
	all, err := c.Companies(ctx)
	if err != nil {
		return nil, err
	}

	var auto []Company

	for _, company := range all {
		if company.AutoUpdate {
			auto = append(auto, company)
		}
	}

	return auto, nil
}

func cell(row []interface{}, idx int) string {
	if idx >= len(row) {
		return ""
	}

	s, ok := row[idx].(string)
	if !ok {
		return ""
	}

	return strings.TrimSpace(s)
}

// parseCheckbox accepts both the Sheets checkbox literal TRUE and the
// yes/no convention used by older rows.
func parseCheckbox(v string) bool {
	switch strings.ToLower(v) {
	case "true", "yes", "y", "1", "on", "enable", "enabled":
		return true
	default:
		return false
	}
}
