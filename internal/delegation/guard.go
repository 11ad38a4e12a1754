// Package delegation enforces the limits on agent-to-agent hand-offs:
// a maximum chain depth, no revisiting an agent already in the chain, and a
// hard per-run step budget.
package delegation

import (
	"context"
	"fmt"

	"github.com/agentloom/agentloom/control-plane/internal/store"
	"github.com/agentloom/agentloom/control-plane/pkg/models"
)

const (
	// MaxDepth is the maximum delegation chain length. The originating
	// agent counts, so at most two hand-offs happen.
	MaxDepth = 3

	// MaxAgentSteps caps total execution steps across one run, however the
	// chain branches.
	MaxAgentSteps = 10
)

// Error explains a rejected delegation.
type Error struct {
	Reason string
	Chain  []string
	Target string
}

func (e *Error) Error() string {
	return fmt.Sprintf("delegation to %q rejected: %s", e.Target, e.Reason)
}

// Guard validates proposed delegations against persisted agent state.
type Guard struct {
	store store.Store
}

func NewGuard(s store.Store) *Guard {
	return &Guard{store: s}
}

// Check decides whether the agent at the end of chain may delegate to
// target. chain holds the slugs already part of the run, in order, starting
// with the originating agent. The rules are evaluated in a fixed order so
// callers get the most specific rejection: cycle first, then depth, then
// target existence.
func (g *Guard) Check(ctx context.Context, organizationID string, chain []string, target string) error {
	for _, slug := range chain {
		if slug == target {
			return &Error{
				Reason: fmt.Sprintf("agent %q already appears in the chain", target),
				Chain:  chain,
				Target: target,
			}
		}
	}

	if len(chain)+1 > MaxDepth {
		return &Error{
			Reason: fmt.Sprintf("chain depth %d exceeds limit %d", len(chain)+1, MaxDepth),
			Chain:  chain,
			Target: target,
		}
	}

	agent, err := g.store.GetAgentBySlug(ctx, organizationID, target)
	if err != nil {
		return &Error{
			Reason: "target agent not found",
			Chain:  chain,
			Target: target,
		}
	}
	if agent.Status != models.AgentStatusActive {
		return &Error{
			Reason: fmt.Sprintf("target agent is %s", agent.Status),
			Chain:  chain,
			Target: target,
		}
	}

	return nil
}

// StepBudget tracks the per-run execution cap. Not safe for concurrent use;
// a run consumes steps from a single goroutine.
type StepBudget struct {
	used int
}

func NewStepBudget() *StepBudget {
	return &StepBudget{}
}

// Consume spends one step, failing once the run's budget is exhausted.
func (b *StepBudget) Consume() error {
	if b.used >= MaxAgentSteps {
		return fmt.Errorf("step budget of %d exhausted", MaxAgentSteps)
	}
	b.used++
	return nil
}

// Remaining reports how many steps the run has left.
func (b *StepBudget) Remaining() int {
	return MaxAgentSteps - b.used
}
