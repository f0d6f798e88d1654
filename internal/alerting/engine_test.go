package alerting

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opensource-finance/fieldgate/internal/domain"
)

func reading(value string) *domain.Reading {
	return &domain.Reading{
		TenantID:  "plant-a",
		TagID:     "tag-1",
		Timestamp: time.Now(),
		Value:     value,
		Frequency: "5s",
		Quality:   domain.QualityGood,
	}
}

func TestLoadAndEvaluate(t *testing.T) {
	engine, err := NewEngine()
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	rules := []*domain.AlertRule{
		{ID: "r1", Name: "high temperature", Expression: "numeric && value > 80.0", Message: "{tag} at {value}", Enabled: true},
		{ID: "r2", Name: "bad quality", Expression: `quality != "Good"`, Enabled: true},
		{ID: "r3", Name: "disabled", Expression: "true", Enabled: false},
	}
	if err := engine.Load("plant-a", rules); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if engine.RulesCount("plant-a") != 2 {
		t.Fatalf("expected 2 enabled rules, got %d", engine.RulesCount("plant-a"))
	}

	tag := &domain.Tag{ID: "tag-1", Name: "Boiler.Temp", UnitOfMeasure: "C"}
	matches := engine.Evaluate(context.Background(), "plant-a", Input{Reading: reading("85.5"), Tag: tag})
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
	if matches[0].Rule.ID != "r1" {
		t.Errorf("expected r1, got %s", matches[0].Rule.ID)
	}
	if matches[0].Message != "Boiler.Temp at 85.5" {
		t.Errorf("unexpected message %q", matches[0].Message)
	}

	if m := engine.Evaluate(context.Background(), "plant-a", Input{Reading: reading("21.0"), Tag: tag}); len(m) != 0 {
		t.Errorf("expected no matches, got %d", len(m))
	}

	bad := reading("21.0")
	bad.Quality = domain.QualityBad
	m := engine.Evaluate(context.Background(), "plant-a", Input{Reading: bad})
	if len(m) != 1 || m[0].Message != "bad quality" {
		t.Errorf("expected rule name as default message, got %+v", m)
	}
}

func TestTenantIsolation(t *testing.T) {
	engine, _ := NewEngine()
	engine.Load("plant-a", []*domain.AlertRule{{ID: "r1", Name: "always", Expression: "true", Enabled: true}})

	if m := engine.Evaluate(context.Background(), "plant-b", Input{Reading: reading("1")}); len(m) != 0 {
		t.Errorf("plant-b must not see plant-a rules, got %d matches", len(m))
	}
}

func TestInvalidRuleRejected(t *testing.T) {
	engine, _ := NewEngine()
	engine.Load("plant-a", []*domain.AlertRule{{ID: "ok", Name: "ok", Expression: "value > 1.0", Enabled: true}})

	tests := []struct {
		name       string
		expression string
	}{
		{"syntax", "this is not valid CEL !!!"},
		{"non-bool", "value + 1.0"},
		{"unknown variable", "pressure > 3.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := engine.Validate(tt.expression); !errors.Is(err, domain.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
			err := engine.Load("plant-a", []*domain.AlertRule{{ID: "bad", Name: "bad", Expression: tt.expression, Enabled: true}})
			if err == nil {
				t.Fatal("expected load error")
			}
			if domain.DetailsOf(err)["rule_id"] != "bad" {
				t.Errorf("expected rule_id detail, got %v", domain.DetailsOf(err))
			}
			if engine.RulesCount("plant-a") != 1 {
				t.Error("failed load must keep the previous rules")
			}
		})
	}
}

func TestNonNumericValues(t *testing.T) {
	engine, _ := NewEngine()
	engine.Load("plant-a", []*domain.AlertRule{
		{ID: "text", Name: "text", Expression: `!numeric && raw == "FAULT"`, Enabled: true},
		{ID: "bool", Name: "bool", Expression: "numeric && value == 1.0", Enabled: true},
	})

	m := engine.Evaluate(context.Background(), "plant-a", Input{Reading: reading("FAULT")})
	if len(m) != 1 || m[0].Rule.ID != "text" {
		t.Errorf("expected text rule to match, got %+v", m)
	}

	m = engine.Evaluate(context.Background(), "plant-a", Input{Reading: reading("true")})
	if len(m) != 1 || m[0].Rule.ID != "bool" {
		t.Errorf("expected boolean true to read as 1, got %+v", m)
	}
}

func TestEvaluationErrorIgnored(t *testing.T) {
	engine, _ := NewEngine()
	engine.Load("plant-a", []*domain.AlertRule{
		{ID: "div", Name: "a-div", Expression: "int(value) / 0 > 1", Enabled: true},
		{ID: "ok", Name: "b-ok", Expression: "value > 1.0", Enabled: true},
	})

	m := engine.Evaluate(context.Background(), "plant-a", Input{Reading: reading("5")})
	if len(m) != 1 || m[0].Rule.ID != "ok" {
		t.Errorf("expected the failing rule to be skipped, got %+v", m)
	}
}

type ruleStore struct {
	rules []*domain.AlertRule
	err   error
}

func (s *ruleStore) ListAlertRules(ctx context.Context, tenantID string) ([]*domain.AlertRule, error) {
	return s.rules, s.err
}

func TestRefresh(t *testing.T) {
	engine, _ := NewEngine()
	store := &ruleStore{rules: []*domain.AlertRule{{ID: "r1", Name: "r1", Expression: "true", Enabled: true}}}

	if err := engine.Refresh(context.Background(), store, "plant-a"); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if engine.RulesCount("plant-a") != 1 {
		t.Errorf("expected 1 rule, got %d", engine.RulesCount("plant-a"))
	}

	store.err = errors.New("db down")
	if err := engine.Refresh(context.Background(), store, "plant-a"); err == nil {
		t.Error("expected store error")
	}
}
