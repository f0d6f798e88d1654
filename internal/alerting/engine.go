// Package alerting evaluates tenant alert rules, written in CEL, against
// every stored reading.
package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/fieldgate/internal/domain"
)

// RuleStore lists the enabled rules of a tenant.
type RuleStore interface {
	ListAlertRules(ctx context.Context, tenantID string) ([]*domain.AlertRule, error)
}

// Engine holds compiled rules per tenant.
type Engine struct {
	env *cel.Env

	mu    sync.RWMutex
	rules map[string][]*compiledRule // tenant id
}

type compiledRule struct {
	rule    *domain.AlertRule
	program cel.Program
}

// Input is the reading a rule sees.
type Input struct {
	Reading *domain.Reading
	Tag     *domain.Tag
}

// Match is a rule that returned true for a reading.
type Match struct {
	Rule    *domain.AlertRule
	Message string
}

// NewEngine creates an engine. Rules see:
// value (double, NaN when not numeric), numeric (bool), raw (string),
// tag_name, tag_id, unit, quality and frequency (strings).
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("value", cel.DoubleType),
		cel.Variable("numeric", cel.BoolType),
		cel.Variable("raw", cel.StringType),
		cel.Variable("tag_name", cel.StringType),
		cel.Variable("tag_id", cel.StringType),
		cel.Variable("unit", cel.StringType),
		cel.Variable("quality", cel.StringType),
		cel.Variable("frequency", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Engine{env: env, rules: make(map[string][]*compiledRule)}, nil
}

// Validate compiles expression without loading it.
func (e *Engine) Validate(expression string) error {
	_, err := e.compile(expression)
	return err
}

func (e *Engine) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, domain.WrapError(domain.KindValidation, "compile alert rule", issues.Err()).
			With("expression", expression)
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, domain.NewError(domain.KindValidation, "compile alert rule",
			"expression must return bool, got "+ast.OutputType().String()).
			With("expression", expression)
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return nil, domain.WrapError(domain.KindValidation, "compile alert rule", err).With("expression", expression)
	}
	return program, nil
}

// Load replaces the tenant's rules. Disabled rules are skipped. Nothing is
// replaced when any enabled rule fails to compile.
func (e *Engine) Load(tenantID string, rules []*domain.AlertRule) error {
	compiled := make([]*compiledRule, 0, len(rules))
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		program, err := e.compile(r.Expression)
		if err != nil {
			if de, ok := err.(*domain.Error); ok {
				de.With("rule_id", r.ID)
			}
			return err
		}
		compiled = append(compiled, &compiledRule{rule: r, program: program})
	}
	sort.Slice(compiled, func(i, j int) bool { return compiled[i].rule.Name < compiled[j].rule.Name })

	e.mu.Lock()
	e.rules[tenantID] = compiled
	e.mu.Unlock()

	slog.Debug("alert rules loaded", "tenant_id", tenantID, "rules", len(compiled))
	return nil
}

// Refresh reloads the tenant's rules from store.
func (e *Engine) Refresh(ctx context.Context, store RuleStore, tenantID string) error {
	rules, err := store.ListAlertRules(ctx, tenantID)
	if err != nil {
		return err
	}
	return e.Load(tenantID, rules)
}

// RulesCount returns the number of loaded rules for a tenant.
func (e *Engine) RulesCount(tenantID string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules[tenantID])
}

// Evaluate returns the tenant rules matching in. Evaluation errors are
// logged and the rule is treated as not matching.
func (e *Engine) Evaluate(ctx context.Context, tenantID string, in Input) []Match {
	e.mu.RLock()
	rules := e.rules[tenantID]
	e.mu.RUnlock()
	if len(rules) == 0 {
		return nil
	}

	activation := activationFor(in)
	var matches []Match
	for _, r := range rules {
		out, _, err := r.program.ContextEval(ctx, activation)
		if err != nil {
			slog.Warn("alert rule evaluation failed",
				"tenant_id", tenantID,
				"rule_id", r.rule.ID,
				"error", err,
			)
			continue
		}
		if b, ok := out.(types.Bool); ok && bool(b) {
			matches = append(matches, Match{Rule: r.rule, Message: renderMessage(r.rule, in)})
		}
	}
	return matches
}

func activationFor(in Input) map[string]any {
	raw := in.Reading.Value
	value, numeric := parseNumber(raw)

	act := map[string]any{
		"value":     value,
		"numeric":   numeric,
		"raw":       raw,
		"tag_id":    in.Reading.TagID,
		"tag_name":  "",
		"unit":      "",
		"quality":   in.Reading.Quality,
		"frequency": in.Reading.Frequency,
	}
	if in.Tag != nil {
		act["tag_name"] = in.Tag.Name
		act["unit"] = in.Tag.UnitOfMeasure
	}
	return act
}

func parseNumber(raw string) (float64, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true":
		return 1, true
	case "false":
		return 0, true
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return math.NaN(), false
	}
	return f, true
}

// renderMessage substitutes {value} and {tag} in the rule message.
func renderMessage(rule *domain.AlertRule, in Input) string {
	msg := rule.Message
	if msg == "" {
		msg = rule.Name
	}
	tag := in.Reading.TagID
	if in.Tag != nil {
		tag = in.Tag.Name
	}
	return strings.NewReplacer("{value}", in.Reading.Value, "{tag}", tag).Replace(msg)
}
