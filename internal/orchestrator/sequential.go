// Package orchestrator provides agents that treat other agents as
// composable units: a sequential pipeline, a parallel scatter with an
// aggregator, and a dynamic triage agent that hands sessions off to
// candidates found through discovery. Orchestrators address their
// downstream agents exclusively through the lookup handle, so they work
// identically over every transport binding.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/roasbeef/agentmesh/internal/agent"
	"github.com/roasbeef/agentmesh/internal/envelope"
	"github.com/roasbeef/agentmesh/internal/runtime"
	"github.com/roasbeef/agentmesh/internal/transport"
)

// ErrNoSteps indicates a pipeline configured with an empty step list.
var ErrNoSteps = errors.New("sequential pipeline has no steps")

// SequentialConfig configures a sequential pipeline agent.
type SequentialConfig struct {
	// Steps is the ordered list of agent names the envelope flows
	// through.
	Steps []string

	// StepTimeout bounds each hop. Zero uses the runtime's default
	// request timeout.
	StepTimeout time.Duration
}

// Sequential chains agents: the inbound envelope goes to the first step,
// each step's reply feeds the next, and the final step's reply returns to
// the caller. Any failing or timed-out step aborts the pipeline and
// surfaces the error; no compensation is attempted. In streaming mode
// only the final step's stream reaches the caller; intermediate steps are
// consumed to completion as unary calls.
type Sequential struct {
	cfg SequentialConfig
	h   agent.Handle
}

// NewSequential constructs the pipeline agent.
func NewSequential(cfg SequentialConfig) *Sequential {
	return &Sequential{cfg: cfg}
}

// SequentialSpec wraps the pipeline in a registration record.
func SequentialSpec(name string, cfg SequentialConfig) runtime.Spec {
	return runtime.Spec{
		Name: name,
		New: func() agent.Agent {
			return NewSequential(cfg)
		},
	}
}

// Started implements agent.Agent.
func (s *Sequential) Started(_ context.Context, h agent.Handle) error {
	if len(s.cfg.Steps) == 0 {
		return ErrNoSteps
	}
	s.h = h

	return nil
}

// Stopped implements agent.Agent.
func (s *Sequential) Stopped(context.Context) error {
	return nil
}

// forwardable strips the routing headers of an inbound envelope so it can
// be re-addressed to a downstream agent without inheriting the caller's
// reply channel.
func forwardable(env *envelope.Envelope) *envelope.Envelope {
	out := env.Clone()
	delete(out.Header, envelope.HeaderReplyTo)
	delete(out.Header, envelope.HeaderTo)
	delete(out.Header, envelope.HeaderStream)
	delete(out.Header, envelope.HeaderTerminate)

	return out
}

// Receive implements agent.Agent.
func (s *Sequential) Receive(ctx context.Context, env *envelope.Envelope,
	sink agent.ReplySink) error {

	opts := transport.ReqOptions{
		Timeout: s.cfg.StepTimeout,
		Probe:   true,
	}

	cur := forwardable(env)

	// All steps but the last collapse to unary calls regardless of the
	// caller's mode.
	for i, step := range s.cfg.Steps[:len(s.cfg.Steps)-1] {
		reply, err := s.h.Channel(
			ctx, envelope.NewAddress(step), cur, opts,
		)
		if err != nil {
			return fmt.Errorf("pipeline step %d (%s): %w",
				i, step, err)
		}
		cur = forwardable(reply)
	}

	last := s.cfg.Steps[len(s.cfg.Steps)-1]
	lastDst := envelope.NewAddress(last)

	if !env.WantsStream() {
		reply, err := s.h.Channel(ctx, lastDst, cur, opts)
		if err != nil {
			return fmt.Errorf("pipeline step %d (%s): %w",
				len(s.cfg.Steps)-1, last, err)
		}
		if !sink.Expected() {
			return nil
		}

		return sink.Reply(ctx, forwardable(reply))
	}

	// Streaming mode: forward the final step's stream frame by frame.
	stream, err := s.h.ChannelStream(ctx, lastDst, cur, opts)
	if err != nil {
		return fmt.Errorf("pipeline step %d (%s): %w",
			len(s.cfg.Steps)-1, last, err)
	}

	writer, err := sink.Stream()
	if err != nil {
		return err
	}

	for frame := range stream.Receive(ctx) {
		if frame.IsTerminate() {
			return writer.Close(ctx, fn.Some(frame))
		}
		if err := writer.Send(ctx, frame); err != nil {
			// The caller went away; stop consuming.
			return nil
		}
	}

	// The inner stream closed without a terminal frame; end ours
	// explicitly so the caller is never left hanging.
	return writer.Close(ctx, fn.None[*envelope.Envelope]())
}

// A compile-time assertion that Sequential is an agent.
var _ agent.Agent = (*Sequential)(nil)
