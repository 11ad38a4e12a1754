// Package trigger matches entity lifecycle events against persisted trigger
// rules and runs the matching triggers' action pipelines.
package trigger

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/agentloom/agentloom/control-plane/internal/store"
	"github.com/agentloom/agentloom/control-plane/pkg/models"
	"github.com/cenkalti/backoff/v4"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog/log"
)

// ActionRunner executes one step of a trigger pipeline. Implementations map
// the closed verb set (create_entity, invoke_agent, webhook, ...) to real
// side effects; the dispatcher treats them as opaque.
type ActionRunner interface {
	Run(ctx context.Context, trigger *models.Trigger, action models.TriggerAction, event Event) error
}

// Event is one entity lifecycle occurrence.
type Event struct {
	OrganizationID string
	Environment    models.Environment
	EntityType     string
	Kind           models.EntityEvent
	Entity         *models.Entity
}

// Dispatcher loads the environment's triggers on each event, filters them by
// type, event kind, condition map and `when` expression, and runs the
// survivors' pipelines in order. Compiled `when` programs are cached per
// trigger revision.
type Dispatcher struct {
	store  store.Store
	runner ActionRunner

	mu       sync.Mutex
	programs map[string]*vm.Program // keyed by trigger ID + expression
}

func NewDispatcher(s store.Store, runner ActionRunner) *Dispatcher {
	return &Dispatcher{
		store:    s,
		runner:   runner,
		programs: make(map[string]*vm.Program),
	}
}

// Dispatch delivers one event to every matching trigger. Trigger failures
// are logged and isolated: one misbehaving pipeline never blocks the rest.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) error {
	triggers, err := d.store.ListTriggers(ctx, event.OrganizationID, event.Environment)
	if err != nil {
		return fmt.Errorf("list triggers: %w", err)
	}

	for i := range triggers {
		t := &triggers[i]
		match, err := d.matches(t, event)
		if err != nil {
			log.Warn().Err(err).Str("trigger", t.Slug).Msg("Trigger condition evaluation failed, skipping")
			continue
		}
		if !match {
			continue
		}
		if err := d.runPipeline(ctx, t, event); err != nil {
			log.Error().Err(err).Str("trigger", t.Slug).Msg("Trigger pipeline failed")
		}
	}
	return nil
}

// matches applies the trigger's filters in cheapest-first order.
func (d *Dispatcher) matches(t *models.Trigger, event Event) (bool, error) {
	if t.EntityType != event.EntityType || t.Event != event.Kind {
		return false, nil
	}

	doc := map[string]any{}
	if event.Entity != nil {
		doc = event.Entity.Document
	}

	for path, want := range t.Condition {
		got, ok := lookupDotPath(doc, path)
		if !ok || !looselyEqual(got, want) {
			return false, nil
		}
	}

	if t.When == "" {
		return true, nil
	}
	program, err := d.compile(t)
	if err != nil {
		return false, err
	}
	out, err := expr.Run(program, map[string]any{
		"document": doc,
		"event":    string(event.Kind),
		"type":     event.EntityType,
	})
	if err != nil {
		return false, fmt.Errorf("eval when expression: %w", err)
	}
	pass, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("when expression returned %T, want bool", out)
	}
	return pass, nil
}

func (d *Dispatcher) compile(t *models.Trigger) (*vm.Program, error) {
	key := t.ID + "\x00" + t.When
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.programs[key]; ok {
		return p, nil
	}
	program, err := expr.Compile(t.When, expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile when expression: %w", err)
	}
	d.programs[key] = program
	return program, nil
}

// runPipeline runs the trigger's actions in order. A step that fails after
// its retries stops the pipeline; earlier steps are not rolled back.
func (d *Dispatcher) runPipeline(ctx context.Context, t *models.Trigger, event Event) error {
	for i, action := range t.Actions {
		run := func() error {
			return d.runner.Run(ctx, t, action, event)
		}
		var err error
		if t.Retry != nil && t.Retry.MaxAttempts > 1 {
			err = backoff.Retry(run, d.retryPolicy(ctx, t.Retry))
		} else {
			err = run()
		}
		if err != nil {
			return fmt.Errorf("action %d (%s): %w", i, action.Verb, err)
		}
	}
	return nil
}

func (d *Dispatcher) retryPolicy(ctx context.Context, rp *models.RetryPolicy) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if rp.Backoff != "" {
		if initial, err := time.ParseDuration(rp.Backoff); err == nil {
			b.InitialInterval = initial
		}
	}
	// MaxAttempts counts the first try, so retries = attempts - 1.
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(rp.MaxAttempts-1)), ctx)
}

// lookupDotPath resolves "a.b.c" against nested maps.
func lookupDotPath(doc map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = doc
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// looselyEqual compares a document value with a condition value, tolerating
// the int/float64 mismatch JSON decoding introduces.
func looselyEqual(got, want any) bool {
	if reflect.DeepEqual(got, want) {
		return true
	}
	gf, gok := asFloat(got)
	wf, wok := asFloat(want)
	return gok && wok && gf == wf
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
