package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roasbeef/agentmesh/internal/agent"
	"github.com/roasbeef/agentmesh/internal/envelope"
	"github.com/roasbeef/agentmesh/internal/runtime"
	"github.com/roasbeef/agentmesh/internal/transport"
)

// ErrNoBranches indicates a parallel agent configured without branches or
// without an aggregator.
var ErrNoBranches = errors.New("parallel agent needs branches and an " +
	"aggregator")

// TypeBranchResults is the payload discriminator of the collected result
// set handed to the aggregator.
const TypeBranchResults = "parallel.results"

// BranchResult is one branch's outcome in the collected set handed to the
// aggregator. A failing branch carries its error string instead of a
// payload; the aggregator decides how to treat it.
type BranchResult struct {
	// Name is the branch agent that produced this entry.
	Name string `json:"name"`

	// Payload is the branch's reply payload.
	Payload []byte `json:"payload,omitempty"`

	// Error is set when the branch failed or timed out.
	Error string `json:"error,omitempty"`
}

// ParallelConfig configures a parallel scatter agent.
type ParallelConfig struct {
	// Branches are the agent names the envelope fans out to.
	Branches []string

	// Aggregator is the agent that folds the collected results into the
	// final reply.
	Aggregator string

	// Deadline bounds the whole scatter, collection included. With zero
	// there is no overall bound; each branch call and the aggregator
	// call then use the runtime's default request timeout on their own.
	Deadline time.Duration
}

// Parallel fans an envelope out to every branch concurrently, collects
// the replies tagged with the producing name (in completion order, no
// ordering guarantee), and forwards the set to the aggregator, whose
// single reply returns to the caller.
type Parallel struct {
	cfg ParallelConfig
	h   agent.Handle
}

// NewParallel constructs the scatter agent.
func NewParallel(cfg ParallelConfig) *Parallel {
	return &Parallel{cfg: cfg}
}

// ParallelSpec wraps the scatter agent in a registration record.
func ParallelSpec(name string, cfg ParallelConfig) runtime.Spec {
	return runtime.Spec{
		Name: name,
		New: func() agent.Agent {
			return NewParallel(cfg)
		},
	}
}

// Started implements agent.Agent.
func (p *Parallel) Started(_ context.Context, h agent.Handle) error {
	if len(p.cfg.Branches) == 0 || p.cfg.Aggregator == "" {
		return ErrNoBranches
	}
	p.h = h

	return nil
}

// Stopped implements agent.Agent.
func (p *Parallel) Stopped(context.Context) error {
	return nil
}

// Receive implements agent.Agent.
func (p *Parallel) Receive(ctx context.Context, env *envelope.Envelope,
	sink agent.ReplySink) error {

	scatterCtx := ctx
	if p.cfg.Deadline > 0 {
		var cancel context.CancelFunc
		scatterCtx, cancel = context.WithTimeout(ctx, p.cfg.Deadline)
		defer cancel()
	}

	req := forwardable(env)
	opts := transport.ReqOptions{
		Timeout: p.cfg.Deadline,
		Probe:   true,
	}

	// Fan out, collecting each branch's result as it completes. A
	// failing branch becomes a tagged error entry rather than aborting
	// the scatter; the aggregator decides how to treat it.
	resultCh := make(chan BranchResult, len(p.cfg.Branches))
	for _, branch := range p.cfg.Branches {
		go func(name string) {
			reply, err := p.h.Channel(
				scatterCtx, envelope.NewAddress(name),
				req, opts,
			)
			if err != nil {
				resultCh <- BranchResult{
					Name:  name,
					Error: err.Error(),
				}
				return
			}

			resultCh <- BranchResult{
				Name:    name,
				Payload: reply.Payload,
			}
		}(branch)
	}

	results := make([]BranchResult, 0, len(p.cfg.Branches))
	for range p.cfg.Branches {
		select {
		case branch := <-resultCh:
			results = append(results, branch)

		case <-scatterCtx.Done():
			return fmt.Errorf("parallel scatter: %w",
				transport.ErrTimeout)
		}
	}

	payload, err := json.Marshal(results)
	if err != nil {
		return err
	}

	collected := envelope.New(TypeBranchResults, payload)
	if sid := env.SessionID(); sid != "" {
		collected.Set(envelope.HeaderSessionID, sid)
	}

	reply, err := p.h.Channel(
		scatterCtx, envelope.NewAddress(p.cfg.Aggregator),
		collected, opts,
	)
	if err != nil {
		return fmt.Errorf("aggregator %s: %w", p.cfg.Aggregator, err)
	}

	if !sink.Expected() {
		return nil
	}

	return sink.Reply(ctx, forwardable(reply))
}

// A compile-time assertion that Parallel is an agent.
var _ agent.Agent = (*Parallel)(nil)
