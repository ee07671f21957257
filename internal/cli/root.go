// Package cli implements the pantry command-line interface: a thin shell
// over the entity cache for inspecting and editing a backend, plus the
// development backend behind "pantry serve".
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/pantry/internal/logging"
	"github.com/mesh-intelligence/pantry/internal/telemetry"
	"github.com/mesh-intelligence/pantry/pkg/pantry"
	"github.com/mesh-intelligence/pantry/pkg/types"
)

// Exit codes.
const (
	exitSuccess   = 0
	exitUserError = 1
	exitSysError  = 2
)

// rootFlags holds global flag values accessible to all subcommands.
type rootFlags struct {
	configDir string
	baseURL   string
	logLevel  string
	jsonMode  bool
}

// app is the state shared by one command invocation.
type app struct {
	flags  rootFlags
	cfg    types.Config
	logger *slog.Logger
	out    io.Writer
	errOut io.Writer
}

// exitError carries the process exit code for a failed command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func userError(format string, args ...any) error {
	return &exitError{code: exitUserError, err: fmt.Errorf(format, args...)}
}

func sysError(format string, args ...any) error {
	return &exitError{code: exitSysError, err: fmt.Errorf(format, args...)}
}

// NewRootCmd creates the top-level "pantry" command with global flags and
// all subcommands registered.
func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "pantry",
		Short: "A client-side cache for REST entity backends",
		Long: "Pantry fetches, caches, and edits entities of registered types over a\n" +
			"REST backend, and can serve a development backend backed by SQLite.",
		Version:       pantry.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}

	root.PersistentFlags().StringVar(&a.flags.configDir, "config-dir", "", "configuration directory (default: platform config dir, or $PANTRY_CONFIG_DIR)")
	root.PersistentFlags().StringVar(&a.flags.baseURL, "base-url", "", "backend base URL (overrides base_url)")
	root.PersistentFlags().StringVar(&a.flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().BoolVar(&a.flags.jsonMode, "json", false, "output full records as JSON")

	root.AddCommand(
		a.newVersionCmd(),
		a.newInitCmd(),
		a.newTypesCmd(),
		a.newGetCmd(),
		a.newListCmd(),
		a.newCreateCmd(),
		a.newUpdateCmd(),
		a.newDeleteCmd(),
		a.newServeCmd(),
	)
	return root
}

// Execute runs the root command with os.Args and returns the exit code.
func Execute() int {
	ctx := context.Background()
	shutdown, err := telemetry.Setup(ctx, "pantry")
	if err != nil {
		fmt.Fprintln(os.Stderr, "telemetry:", err)
	}
	defer func() { _ = shutdown(ctx) }()

	return run(ctx, NewRootCmd(), os.Args[1:], os.Stderr)
}

// run executes root with args and maps the outcome to an exit code.
func run(ctx context.Context, root *cobra.Command, args []string, stderr io.Writer) int {
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitSuccess
	}
	fmt.Fprintln(stderr, "pantry:", err)
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	// Flag and argument parsing errors come from cobra.
	return exitUserError
}

// load resolves configuration and the logger before any subcommand runs.
func (a *app) load(cmd *cobra.Command) error {
	a.out = cmd.OutOrStdout()
	a.errOut = cmd.ErrOrStderr()
	if cmd.Name() == "version" {
		return nil
	}

	configDir, err := a.configDir()
	if err != nil {
		return sysError("resolve config dir: %w", err)
	}
	cfg, err := loadConfig(configDir, a.flags)
	if err != nil {
		return userError("load config: %w", err)
	}
	a.cfg = cfg
	a.logger = logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Format: logging.ParseFormat(cfg.LogFormat),
		Output: a.errOut,
	})
	return nil
}
