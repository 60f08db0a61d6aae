package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/askdash/askdash/internal/plan"
)

// Catalog describes the queryable warehouse surface: which tables and
// columns exist, and which columns hold personal data.
type Catalog interface {
	SchemaFor(ctx context.Context) (plan.Schema, error)
	PIIColumns(ctx context.Context) (map[string]struct{}, error)
}

// piiNameFragments flags columns whose names suggest personal data when
// no explicit PII registry is available.
var piiNameFragments = []string{
	"name",
	"phone",
	"mobile",
	"email",
	"address",
	"aadhaar",
	"ssn",
	"dob",
	"birth",
}

// InferPIIColumns scans a schema for column names that look like personal
// data. Used as a fallback when the catalog carries no explicit registry.
func InferPIIColumns(schema plan.Schema) map[string]struct{} {
	pii := make(map[string]struct{})
	for table, columns := range schema {
		for column := range columns {
			lower := strings.ToLower(column)
			for _, fragment := range piiNameFragments {
				if strings.Contains(lower, fragment) {
					pii[table+"."+lower] = struct{}{}
					break
				}
			}
		}
	}
	return pii
}

type staticFile struct {
	Tables     map[string][]string `json:"tables"`
	PIIColumns []string            `json:"pii_columns"`
}

// StaticCatalog serves a schema loaded once from a JSON file. Useful for
// demo deployments and tests where no warehouse connection exists.
type StaticCatalog struct {
	schema plan.Schema
	pii    map[string]struct{}
}

func NewStaticCatalog(schema plan.Schema, piiColumns map[string]struct{}) *StaticCatalog {
	if piiColumns == nil {
		piiColumns = InferPIIColumns(schema)
	}
	return &StaticCatalog{schema: schema, pii: piiColumns}
}

func LoadStaticCatalog(path string) (*StaticCatalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	var parsed staticFile
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode schema file %s: %w", path, err)
	}
	if len(parsed.Tables) == 0 {
		return nil, fmt.Errorf("schema file %s lists no tables", path)
	}

	schema := plan.NewSchema(parsed.Tables)
	var pii map[string]struct{}
	if parsed.PIIColumns != nil {
		pii = make(map[string]struct{}, len(parsed.PIIColumns))
		for _, column := range parsed.PIIColumns {
			pii[strings.ToLower(strings.TrimSpace(column))] = struct{}{}
		}
	}
	return NewStaticCatalog(schema, pii), nil
}

func (c *StaticCatalog) SchemaFor(ctx context.Context) (plan.Schema, error) {
	return c.schema, nil
}

func (c *StaticCatalog) PIIColumns(ctx context.Context) (map[string]struct{}, error) {
	return c.pii, nil
}
