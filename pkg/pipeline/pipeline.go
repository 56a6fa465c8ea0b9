// Package pipeline composes multiple sessions over one shared sidecar.
// Steps run in order; a map step fans one artifact's items out into
// sub-sessions. Every sub-session owns its pager, gatekeeper and policy
// engine; the sidecar is the only shared component.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/B-A-M-N/amnesic/pkg/config"
	"github.com/B-A-M-N/amnesic/pkg/llms"
	"github.com/B-A-M-N/amnesic/pkg/protocol"
	"github.com/B-A-M-N/amnesic/pkg/session"
	"github.com/B-A-M-N/amnesic/pkg/sidecar"
)

// DriverFunc builds the model driver for one sub-session. Pipelines get a
// fresh driver per sub-session so parallel fan-outs never share connection
// state.
type DriverFunc func(stepName, mission string) (llms.Driver, error)

// StepResult is the outcome of one sub-session.
type StepResult struct {
	Step    string
	Mission string
	Result  *session.Result
}

// Pipeline runs the configured steps against a shared sidecar.
type Pipeline struct {
	cfg        config.PipelineConfig
	newDriver  DriverFunc
	side       *sidecar.Sidecar
	sessionOps []session.Option
}

// Option tunes the pipeline.
type Option func(*Pipeline)

// WithSessionOptions forwards options to every sub-session, mainly for
// injecting a test token counter.
func WithSessionOptions(opts ...session.Option) Option {
	return func(p *Pipeline) { p.sessionOps = opts }
}

// New builds a pipeline. The sidecar is required: it is the only channel
// carrying knowledge between steps.
func New(cfg config.PipelineConfig, newDriver DriverFunc, side *sidecar.Sidecar, opts ...Option) (*Pipeline, error) {
	if len(cfg.Steps) == 0 {
		return nil, protocol.NewError(protocol.KindBadInput, "pipeline", "at least one step is required")
	}
	if side == nil {
		return nil, protocol.NewError(protocol.KindBadInput, "pipeline", "a sidecar is required to carry state between steps")
	}
	p := &Pipeline{cfg: cfg, newDriver: newDriver, side: side}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Run executes the steps in order. The first step error aborts the pipeline;
// results collected so far are returned alongside the error.
func (p *Pipeline) Run(ctx context.Context) ([]StepResult, error) {
	runID := uuid.NewString()
	slog.Info("Pipeline starting", "run_id", runID, "steps", len(p.cfg.Steps))

	var results []StepResult
	for i, step := range p.cfg.Steps {
		name := step.Name
		if name == "" {
			name = fmt.Sprintf("step-%d", i+1)
		}

		var (
			stepResults []StepResult
			err         error
		)
		switch step.Kind {
		case "", "linear":
			stepResults, err = p.runLinear(ctx, name, step)
		case "map":
			stepResults, err = p.runMap(ctx, name, step)
		default:
			err = protocol.NewError(protocol.KindBadInput, name, "unknown step kind %q", step.Kind)
		}

		results = append(results, stepResults...)
		if err != nil {
			slog.Error("Pipeline aborted", "run_id", runID, "step", name, "error", err)
			return results, err
		}
	}

	slog.Info("Pipeline finished", "run_id", runID, "sessions", len(results))
	return results, nil
}

func (p *Pipeline) runLinear(ctx context.Context, name string, step config.PipelineStepConfig) ([]StepResult, error) {
	result, err := p.runOne(ctx, name, step, step.Mission)
	if err != nil {
		return nil, err
	}
	return []StepResult{*result}, nil
}

// runMap expands the input artifact into one sub-session per item. The items
// come from the sidecar, where the producing step's save_artifact mirrored
// them.
func (p *Pipeline) runMap(ctx context.Context, name string, step config.PipelineStepConfig) ([]StepResult, error) {
	if step.InputArtifact == "" {
		return nil, protocol.NewError(protocol.KindBadInput, name, "map step requires input_artifact")
	}
	raw, ok := p.side.QueryExact(step.InputArtifact)
	if !ok {
		return nil, protocol.NewError(protocol.KindNotFound, step.InputArtifact,
			"input artifact for map step %q is not in the sidecar", name)
	}

	items := splitItems(raw)
	if len(items) == 0 {
		return nil, protocol.NewError(protocol.KindBadInput, step.InputArtifact, "input artifact expands to no items")
	}

	results := make([]StepResult, len(items))
	if step.Parallel {
		g, gctx := errgroup.WithContext(ctx)
		for i, item := range items {
			g.Go(func() error {
				r, err := p.runOne(gctx, fmt.Sprintf("%s[%s]", name, item), step, substitute(step.Mission, item))
				if err != nil {
					return err
				}
				results[i] = *r
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return results, nil
	}

	for i, item := range items {
		r, err := p.runOne(ctx, fmt.Sprintf("%s[%s]", name, item), step, substitute(step.Mission, item))
		if err != nil {
			return results[:i], err
		}
		results[i] = *r
	}
	return results, nil
}

// runOne derives a sub-session config from the base session config and runs
// it to completion.
func (p *Pipeline) runOne(ctx context.Context, name string, step config.PipelineStepConfig, mission string) (*StepResult, error) {
	cfg := p.cfg.Session
	cfg.Mission = mission
	if step.AuditProfile != "" {
		cfg.AuditProfile = step.AuditProfile
	}
	if len(step.ForbiddenTools) > 0 {
		cfg.ForbiddenTools = step.ForbiddenTools
	}

	driver, err := p.newDriver(name, mission)
	if err != nil {
		return nil, protocol.WrapError(protocol.KindIOFailure, name, err)
	}
	defer driver.Close()

	s, err := session.New(cfg, driver, p.side, p.sessionOps...)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	slog.Info("Pipeline step running", "step", name, "session", s.ID())
	result, err := s.Run(ctx)
	if err != nil {
		return nil, err
	}
	if result.KernelPanic {
		return nil, protocol.NewError(protocol.KindModelProtocolFailure, name,
			"sub-session ended in a kernel panic: %s", result.FinalMessage)
	}
	return &StepResult{Step: name, Mission: mission, Result: result}, nil
}

// splitItems splits a comma or newline delimited artifact value.
func splitItems(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == '\n'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func substitute(mission, item string) string {
	return strings.ReplaceAll(mission, "{item}", item)
}
