// Package cli implements the cobra-based CLI commands for tiller.
//
// Each subcommand group (worktree, session, sprint, item, ports, verify,
// serve) is defined in its own file within this package. This file defines
// the root command, the global flags, and the shared application wiring
// every subcommand builds on.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mmr-tortoise/tiller/internal/backlog"
	"github.com/mmr-tortoise/tiller/internal/config"
	"github.com/mmr-tortoise/tiller/internal/gitx"
	"github.com/mmr-tortoise/tiller/internal/logging"
	"github.com/mmr-tortoise/tiller/internal/model"
	"github.com/mmr-tortoise/tiller/internal/probe"
	"github.com/mmr-tortoise/tiller/internal/registry"
	"github.com/mmr-tortoise/tiller/internal/session"
	"github.com/mmr-tortoise/tiller/internal/verify"
)

// Global flag variables shared across all subcommands. These are bound to
// cobra persistent flags on the root command, which makes them available to
// every subcommand automatically.
var (
	// jsonOutput switches command output to JSON for machine consumption.
	jsonOutput bool

	// verbose lowers the log threshold to debug.
	verbose bool

	// configPath overrides the config file location.
	configPath string

	// projectID selects the project; may be omitted when exactly one
	// project is configured.
	projectID string
)

// version, commit, and date are set at build time via ldflags. They are
// injected from the main package to display version information.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// NewRootCommand creates and configures the root cobra command.
//
// The root command itself does not perform any action; actual functionality
// is provided by the subcommand groups.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tiller",
		Short: "Local developer-workflow orchestrator",
		Long: `tiller manages the local development workflow around git worktrees:
isolated worktrees with machine-wide unique port assignments, sprints and
backlog items, and development sessions that bind a sprint to a worktree
and verify the work when the session is closed.`,

		// Errors are formatted by Execute, so cobra stays quiet.
		SilenceUsage:  true,
		SilenceErrors: true,

		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date),
	}

	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (default ~/.config/tiller/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&projectID, "project", "p", "", "Project ID (optional when exactly one project is configured)")

	rootCmd.AddCommand(NewWorktreeCommand())
	rootCmd.AddCommand(NewSessionCommand())
	rootCmd.AddCommand(NewSprintCommand())
	rootCmd.AddCommand(NewItemCommand())
	rootCmd.AddCommand(NewPortsCommand())
	rootCmd.AddCommand(NewVerifyCommand())
	rootCmd.AddCommand(NewServeCommand())

	return rootCmd
}

// Execute runs the root command and translates errors into OS exit codes.
// Domain errors carry their own exit codes; anything else exits 1.
func Execute(rootCmd *cobra.Command) {
	if err := rootCmd.Execute(); err != nil {
		printError(err)

		var domainErr *model.Error
		if errors.As(err, &domainErr) {
			os.Exit(int(domainErr.ExitCode()))
		}
		os.Exit(int(model.ExitGeneralError))
	}
}

// printError outputs an error in the format selected by --json. Errors go
// to stderr either way; stdout is reserved for command output.
func printError(err error) {
	if jsonOutput {
		errObj := map[string]any{
			"error": map[string]any{
				"message": err.Error(),
				"kind":    model.KindOf(err).String(),
			},
		}
		data, _ := json.MarshalIndent(errObj, "", "  ")
		fmt.Fprintln(os.Stderr, string(data))
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %s\n", err)
}

// app bundles the wired components every subcommand needs. Construction is
// deferred to each command's RunE so that --config and --verbose have been
// parsed.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	git      *gitx.Client
	prober   *probe.Probe
	registry *registry.Registry
	sessions *session.Manager
	engine   *verify.Engine
}

// newApp loads the configuration and wires the component graph.
func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := logging.NewCLI(level, verbose)

	git := gitx.NewClient(cfg.Timeouts.Git)
	prober := probe.New(cfg.Timeouts.Probe)
	reg := registry.New(git, prober, cfg.Projects, logger)
	engine := verify.NewEngine(git, prober, &verify.ShellLint{Timeout: cfg.Timeouts.Lint}, logger)
	sessions := session.NewManager(reg, engine, logger)

	return &app{
		cfg:      cfg,
		logger:   logger,
		git:      git,
		prober:   prober,
		registry: reg,
		sessions: sessions,
		engine:   engine,
	}, nil
}

// project resolves the --project flag. An empty flag selects the sole
// configured project; with several projects the flag is required. The
// resolved project is touched: using it is what lastAccessed records.
func (a *app) project() (*model.Project, error) {
	if projectID != "" {
		proj, err := a.registry.Project(projectID)
		if err != nil {
			return nil, err
		}
		a.registry.Touch(proj)
		return proj, nil
	}
	projects := a.registry.Projects()
	switch len(projects) {
	case 0:
		return nil, model.NotFoundf("no projects configured; add one to the config file")
	case 1:
		proj := &projects[0]
		a.registry.Touch(proj)
		return proj, nil
	default:
		return nil, fmt.Errorf("multiple projects configured; select one with --project")
	}
}

// backlogStore returns the project's backlog store.
func (a *app) backlogStore(project *model.Project) *backlog.Store {
	return backlog.NewStore(project.Backlog())
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
