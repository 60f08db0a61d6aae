// Package plan holds the structured, pre-SQL representation of a query
// request shared between the follow-up resolver, the SQL generator, and the
// guard. Plans are validated records, never loose JSON maps.
package plan

import (
	"fmt"
	"strings"
)

type Join struct {
	Left      string `json:"left"`
	Right     string `json:"right"`
	Condition string `json:"condition"`
}

type Filter struct {
	Column   string `json:"column"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

type Metric struct {
	Expr  string `json:"expr"`
	Alias string `json:"alias"`
}

type OrderBy struct {
	Column     string `json:"column"`
	Descending bool   `json:"descending"`
}

type QueryPlan struct {
	Tables  []string  `json:"tables"`
	Joins   []Join    `json:"joins,omitempty"`
	Filters []Filter  `json:"filters,omitempty"`
	GroupBy []string  `json:"group_by,omitempty"`
	Metrics []Metric  `json:"metrics"`
	OrderBy []OrderBy `json:"order_by,omitempty"`
	Limit   int       `json:"limit"`
	Notes   string    `json:"notes,omitempty"`
}

// Schema maps table names to the set of column names they expose, as
// reported by the schema metadata collaborator. Lookups are case-insensitive.
type Schema map[string]map[string]struct{}

func NewSchema(tables map[string][]string) Schema {
	schema := make(Schema, len(tables))
	for table, columns := range tables {
		set := make(map[string]struct{}, len(columns))
		for _, column := range columns {
			set[strings.ToLower(column)] = struct{}{}
		}
		schema[strings.ToLower(table)] = set
	}
	return schema
}

// ValidationError reports the specific field that makes a plan unusable.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid plan: %s: %s", e.Field, e.Message)
}

// Validate checks the structural invariants of a plan: non-empty tables and
// metrics, a positive limit, and every column referenced by filters,
// group_by, and order_by belonging to one of the listed tables according to
// the supplied schema. A listed table missing from the schema is an error.
func (p QueryPlan) Validate(schema Schema) error {
	if len(p.Tables) == 0 {
		return &ValidationError{Field: "tables", Message: "at least one table is required"}
	}
	if len(p.Metrics) == 0 {
		return &ValidationError{Field: "metrics", Message: "at least one metric is required"}
	}
	if p.Limit <= 0 {
		return &ValidationError{Field: "limit", Message: "limit must be positive"}
	}
	for i, metric := range p.Metrics {
		if strings.TrimSpace(metric.Expr) == "" {
			return &ValidationError{Field: fmt.Sprintf("metrics[%d].expr", i), Message: "expression is required"}
		}
		if strings.TrimSpace(metric.Alias) == "" {
			return &ValidationError{Field: fmt.Sprintf("metrics[%d].alias", i), Message: "alias is required"}
		}
	}

	listed := make(map[string]map[string]struct{}, len(p.Tables))
	for _, table := range p.Tables {
		key := strings.ToLower(strings.TrimSpace(table))
		if key == "" {
			return &ValidationError{Field: "tables", Message: "table name must not be empty"}
		}
		columns, ok := schema[key]
		if !ok {
			return &ValidationError{Field: "tables", Message: fmt.Sprintf("table %q is not known to the schema", table)}
		}
		listed[key] = columns
	}

	for i, filter := range p.Filters {
		if strings.TrimSpace(filter.Column) == "" {
			return &ValidationError{Field: fmt.Sprintf("filters[%d].column", i), Message: "column is required"}
		}
		if strings.TrimSpace(filter.Operator) == "" {
			return &ValidationError{Field: fmt.Sprintf("filters[%d].operator", i), Message: "operator is required"}
		}
		if err := checkColumn(listed, filter.Column, fmt.Sprintf("filters[%d].column", i)); err != nil {
			return err
		}
	}
	for i, column := range p.GroupBy {
		if err := checkColumn(listed, column, fmt.Sprintf("group_by[%d]", i)); err != nil {
			return err
		}
	}
	for i, order := range p.OrderBy {
		// Ordering by a metric output alias is allowed.
		if isMetricAlias(p.Metrics, order.Column) {
			continue
		}
		if err := checkColumn(listed, order.Column, fmt.Sprintf("order_by[%d].column", i)); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy so follow-up merges never alias the prior
// turn's slices.
func (p QueryPlan) Clone() QueryPlan {
	clone := p
	clone.Tables = append([]string(nil), p.Tables...)
	clone.Joins = append([]Join(nil), p.Joins...)
	clone.Filters = append([]Filter(nil), p.Filters...)
	clone.GroupBy = append([]string(nil), p.GroupBy...)
	clone.Metrics = append([]Metric(nil), p.Metrics...)
	clone.OrderBy = append([]OrderBy(nil), p.OrderBy...)
	return clone
}

func checkColumn(listed map[string]map[string]struct{}, column, field string) error {
	name := strings.ToLower(strings.TrimSpace(column))
	if name == "" {
		return &ValidationError{Field: field, Message: "column is required"}
	}
	if table, bare, ok := strings.Cut(name, "."); ok {
		columns, found := listed[table]
		if !found {
			return &ValidationError{Field: field, Message: fmt.Sprintf("column %q references table %q which is not listed", column, table)}
		}
		if _, found := columns[bare]; !found {
			return &ValidationError{Field: field, Message: fmt.Sprintf("column %q does not exist on table %q", column, table)}
		}
		return nil
	}
	for _, columns := range listed {
		if _, found := columns[name]; found {
			return nil
		}
	}
	return &ValidationError{Field: field, Message: fmt.Sprintf("column %q does not belong to any listed table", column)}
}

func isMetricAlias(metrics []Metric, column string) bool {
	for _, metric := range metrics {
		if strings.EqualFold(metric.Alias, strings.TrimSpace(column)) {
			return true
		}
	}
	return false
}
