// Command amnesic runs the orchestration kernel from the terminal.
//
// Usage:
//
//	amnesic run "Sum the weights in backpack.md" --root ./data
//	amnesic run --config session.yaml
//	amnesic pipeline --config pipeline.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/B-A-M-N/amnesic/pkg/config"
	"github.com/B-A-M-N/amnesic/pkg/llms"
	"github.com/B-A-M-N/amnesic/pkg/logger"
	"github.com/B-A-M-N/amnesic/pkg/observability"
	"github.com/B-A-M-N/amnesic/pkg/pipeline"
	"github.com/B-A-M-N/amnesic/pkg/session"
	"github.com/B-A-M-N/amnesic/pkg/sidecar"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Run      RunCmd      `cmd:"" default:"withargs" help:"Run a single mission to completion."`
	Pipeline PipelineCmd `cmd:"" help:"Run a multi-step pipeline from a config file."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("amnesic version %s\n", version)
	return nil
}

// RunCmd runs one session. A config file sets the baseline; flags override
// individual fields, so `amnesic run "mission"` works with no config at all.
type RunCmd struct {
	Mission string `arg:"" optional:"" help:"Mission statement for the agent."`

	Root     []string `help:"Workspace root directory (repeatable)." type:"path"`
	Provider string   `help:"Model provider (ollama, openai, anthropic, gemini, local)."`
	Model    string   `help:"Model name."`
	Turns    int      `help:"Maximum number of decision turns."`
	Profile  string   `help:"Audit profile (STRICT_AUDIT, FLUID_READ, HIGH_SPEED or a custom profile)."`
	Sandbox  *bool    `negatable:"" help:"Capture file writes in the shadow overlay instead of touching disk."`
	Elastic  *bool    `negatable:"" help:"Recompute L1 capacity from the live context budget each turn."`

	CheckpointDir string `name:"checkpoint-dir" help:"Persist agent state per turn under this directory." type:"path"`
	Quiet         bool   `short:"q" help:"Suppress the per-turn event stream."`
}

func (c *RunCmd) Run(cli *CLI) error {
	ctx, cancel := interruptContext()
	defer cancel()

	cfg, err := c.loadConfig(cli.Config)
	if err != nil {
		return err
	}

	shutdown, err := startObservability(ctx, cfg)
	if err != nil {
		return err
	}
	defer shutdown()

	driver, err := llms.NewDriver(cfg.Driver)
	if err != nil {
		return err
	}
	defer driver.Close()

	var side *sidecar.Sidecar
	if cfg.Sidecar.Enabled {
		side, err = sidecar.New(cfg.Sidecar, driver.Embed)
		if err != nil {
			return fmt.Errorf("failed to open sidecar: %w", err)
		}
		defer side.Close()
	}

	var opts []session.Option
	if !c.Quiet {
		opts = append(opts, session.WithEvents(printEvent))
	}
	if c.CheckpointDir != "" {
		cp, err := session.NewFileCheckpointer(c.CheckpointDir)
		if err != nil {
			return err
		}
		opts = append(opts, session.WithCheckpointer(cp))
	}

	s, err := session.New(*cfg, driver, side, opts...)
	if err != nil {
		return err
	}
	defer s.Close()

	slog.Info("Session starting", "session", s.ID(), "provider", cfg.Driver.Provider, "model", cfg.Driver.Model)
	started := time.Now()

	result, err := s.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("\nSession %s finished after %d turns in %s (%s)\n",
		result.SessionID, result.Turns, time.Since(started).Round(time.Millisecond), result.Reason)
	fmt.Println(result.FinalMessage)

	if result.KernelPanic {
		return errors.New("session ended in a kernel panic")
	}
	return nil
}

// loadConfig builds the session config from the optional file plus flag
// overrides. The mission argument always wins over the file's mission.
func (c *RunCmd) loadConfig(path string) (*config.SessionConfig, error) {
	cfg := &config.SessionConfig{}
	if path != "" {
		loaded, err := config.LoadSession(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
		slog.Info("Loaded configuration", "path", path)
	}

	if c.Mission != "" {
		cfg.Mission = c.Mission
	}
	if strings.TrimSpace(cfg.Mission) == "" {
		return nil, errors.New("a mission is required: pass it as an argument or set it in the config file")
	}
	if len(c.Root) > 0 {
		cfg.RootDirs = c.Root
	}
	if c.Provider != "" {
		cfg.Driver.Provider = c.Provider
	}
	if c.Model != "" {
		cfg.Driver.Model = c.Model
	}
	if c.Turns > 0 {
		cfg.RecursionLimit = c.Turns
	}
	if c.Profile != "" {
		cfg.AuditProfile = c.Profile
	}
	if c.Sandbox != nil {
		cfg.Sandbox = *c.Sandbox
	}
	if c.Elastic != nil {
		cfg.ElasticMode = *c.Elastic
	}
	cfg.SetDefaults()
	return cfg, nil
}

// PipelineCmd runs every step of a pipeline config over one shared sidecar.
type PipelineCmd struct{}

func (c *PipelineCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return errors.New("--config is required for pipeline runs")
	}

	ctx, cancel := interruptContext()
	defer cancel()

	cfg, err := config.LoadPipeline(cli.Config)
	if err != nil {
		return err
	}

	shutdown, err := startObservability(ctx, &cfg.Session)
	if err != nil {
		return err
	}
	defer shutdown()

	side, err := sidecar.New(cfg.Session.Sidecar, nil)
	if err != nil {
		return fmt.Errorf("failed to open sidecar: %w", err)
	}
	defer side.Close()

	newDriver := func(step, _ string) (llms.Driver, error) {
		d, err := llms.NewDriver(cfg.Session.Driver)
		if err != nil {
			return nil, fmt.Errorf("failed to build driver for step %s: %w", step, err)
		}
		return d, nil
	}

	p, err := pipeline.New(*cfg, newDriver, side)
	if err != nil {
		return err
	}

	results, runErr := p.Run(ctx)
	for _, r := range results {
		fmt.Printf("%-24s %4d turns  %-16s %s\n",
			r.Step, r.Result.Turns, r.Result.Reason, firstLine(r.Result.FinalMessage))
	}
	return runErr
}

// startObservability installs the tracer and metrics recorder, serving
// prometheus scrapes when a port is configured. The returned shutdown stops
// the metrics listener.
func startObservability(ctx context.Context, cfg *config.SessionConfig) (func(), error) {
	if _, err := observability.InitGlobalTracer(ctx, cfg.Observability.Tracer); err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	mcfg := cfg.Observability.Metrics
	port := cfg.Observability.MetricsPort
	if port > 0 {
		mcfg.Enabled = true
	}
	if _, err := observability.InitMetrics(ctx, mcfg); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	if port <= 0 {
		return func() {}, nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server failed", "error", err)
		}
	}()
	slog.Info("Metrics enabled", "endpoint", fmt.Sprintf("http://localhost:%d/metrics", port))

	return func() { _ = srv.Shutdown(context.Background()) }, nil
}

// interruptContext cancels on SIGINT/SIGTERM so the session records the
// interruption and checkpoints before exiting.
func interruptContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Interrupted, stopping at the turn boundary...")
		cancel()
	}()
	return ctx, cancel
}

// printEvent renders the session stream for the terminal.
func printEvent(ev session.Event) {
	switch ev.Kind {
	case session.EventTurn:
		fmt.Printf("\n--- turn %d ---\n", ev.Turn)
	case session.EventProposal:
		fmt.Printf("  propose  %s %s\n", ev.Proposal.ToolCall, ev.Proposal.Target)
	case session.EventVerdict:
		fmt.Printf("  verdict  %s  %s\n", ev.Verdict.Kind, ev.Verdict.Rationale)
	case session.EventExecution:
		fmt.Printf("  result   %s\n", firstLine(ev.Message))
	case session.EventEnd:
		fmt.Printf("  end      %s\n", firstLine(ev.Message))
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func main() {
	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.Name("amnesic"),
		kong.Description("amnesic - orchestration kernel for stateful, tool-using agents"),
		kong.UsageOnError(),
	)

	level, _ := logger.ParseLevel(cli.LogLevel)
	output := os.Stderr
	if cli.LogFile != "" {
		file, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()
		output = file
	}
	logger.Init(level, output, cli.LogFormat)

	err := kctx.Run(&cli)
	kctx.FatalIfErrorf(err)
}
