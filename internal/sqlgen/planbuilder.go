package sqlgen

import (
	"context"
	"fmt"
	"strings"
)

// PlanGenerator renders SQL directly from the structured plan, with no
// model call. It covers the common aggregate shape the planner emits and
// is the default generator when no AI backend is configured.
type PlanGenerator struct{}

func (PlanGenerator) Generate(_ context.Context, req Request) (Result, error) {
	p := req.Plan
	if p == nil {
		return Result{}, fmt.Errorf("plan is required")
	}
	if len(p.Tables) == 0 {
		return Result{}, fmt.Errorf("plan names no tables")
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	selectItems := make([]string, 0, len(p.GroupBy)+len(p.Metrics))
	selectItems = append(selectItems, p.GroupBy...)
	for _, metric := range p.Metrics {
		selectItems = append(selectItems, fmt.Sprintf("%s AS %s", metric.Expr, metric.Alias))
	}
	if len(selectItems) == 0 {
		return Result{}, fmt.Errorf("plan selects nothing")
	}
	sb.WriteString(strings.Join(selectItems, ", "))

	sb.WriteString(" FROM ")
	sb.WriteString(p.Tables[0])
	for _, join := range p.Joins {
		sb.WriteString(fmt.Sprintf(" JOIN %s ON %s", join.Right, join.Condition))
	}

	if len(p.Filters) > 0 {
		predicates := make([]string, 0, len(p.Filters))
		for _, filter := range p.Filters {
			predicates = append(predicates, fmt.Sprintf("%s %s %s", filter.Column, filter.Operator, renderValue(filter.Value)))
		}
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(predicates, " AND "))
	}

	if len(p.GroupBy) > 0 {
		sb.WriteString(" GROUP BY ")
		sb.WriteString(strings.Join(p.GroupBy, ", "))
	}

	if len(p.OrderBy) > 0 {
		clauses := make([]string, 0, len(p.OrderBy))
		for _, order := range p.OrderBy {
			clause := order.Column
			if order.Descending {
				clause += " DESC"
			}
			clauses = append(clauses, clause)
		}
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(clauses, ", "))
	}

	if p.Limit > 0 {
		sb.WriteString(fmt.Sprintf(" LIMIT %d", p.Limit))
	}

	return Result{
		SQL:      sb.String(),
		Provider: "plan-builder",
		Model:    "deterministic-v1",
	}, nil
}

func renderValue(value any) string {
	switch typed := value.(type) {
	case nil:
		return "NULL"
	case string:
		return "'" + strings.ReplaceAll(typed, "'", "''") + "'"
	case bool:
		if typed {
			return "TRUE"
		}
		return "FALSE"
	default:
		return fmt.Sprintf("%v", typed)
	}
}
