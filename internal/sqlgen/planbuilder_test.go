package sqlgen

import (
	"context"
	"testing"

	"github.com/askdash/askdash/internal/plan"
)

func TestPlanGeneratorRendersAggregateQuery(t *testing.T) {
	result, err := PlanGenerator{}.Generate(context.Background(), Request{
		Plan: &plan.QueryPlan{
			Tables: []string{"cases"},
			Joins: []plan.Join{
				{Left: "cases", Right: "districts", Condition: "cases.district_id = districts.id"},
			},
			Filters: []plan.Filter{
				{Column: "status", Operator: "=", Value: "open"},
				{Column: "created_at", Operator: ">=", Value: "2026-01-01"},
			},
			GroupBy: []string{"districts.name"},
			Metrics: []plan.Metric{{Expr: "COUNT(*)", Alias: "total"}},
			OrderBy: []plan.OrderBy{{Column: "total", Descending: true}},
			Limit:   500,
		},
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	want := "SELECT districts.name, COUNT(*) AS total" +
		" FROM cases JOIN districts ON cases.district_id = districts.id" +
		" WHERE status = 'open' AND created_at >= '2026-01-01'" +
		" GROUP BY districts.name" +
		" ORDER BY total DESC" +
		" LIMIT 500"
	if result.SQL != want {
		t.Fatalf("SQL = %q, want %q", result.SQL, want)
	}
	if result.Provider != "plan-builder" {
		t.Fatalf("Provider = %q", result.Provider)
	}
}

func TestPlanGeneratorEscapesStringValues(t *testing.T) {
	result, err := PlanGenerator{}.Generate(context.Background(), Request{
		Plan: &plan.QueryPlan{
			Tables:  []string{"cases"},
			Filters: []plan.Filter{{Column: "district", Operator: "=", Value: "st. mary's"}},
			Metrics: []plan.Metric{{Expr: "COUNT(*)", Alias: "total"}},
			Limit:   10,
		},
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	want := "SELECT COUNT(*) AS total FROM cases WHERE district = 'st. mary''s' LIMIT 10"
	if result.SQL != want {
		t.Fatalf("SQL = %q", result.SQL)
	}
}

func TestPlanGeneratorRejectsEmptyPlans(t *testing.T) {
	if _, err := (PlanGenerator{}).Generate(context.Background(), Request{}); err == nil {
		t.Fatal("expected error for nil plan")
	}
	if _, err := (PlanGenerator{}).Generate(context.Background(), Request{Plan: &plan.QueryPlan{Tables: []string{"cases"}}}); err == nil {
		t.Fatal("expected error for plan selecting nothing")
	}
}
