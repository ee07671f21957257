package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/pantry/internal/devserver"
	"github.com/mesh-intelligence/pantry/internal/paths"
)

func (a *app) newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config.yaml and prepare the data directory",
		Long: "Create the configuration directory with a default config.yaml (an\n" +
			"existing file is left alone), then initialize the development backend's\n" +
			"data directory.",
		Args: cobra.NoArgs,
		RunE: a.runInit,
	}
}

func (a *app) runInit(cmd *cobra.Command, args []string) error {
	configDir, err := a.configDir()
	if err != nil {
		return sysError("resolve config dir: %w", err)
	}
	wrote, err := writeConfigIfMissing(configDir)
	if err != nil {
		return sysError("write config: %w", err)
	}

	dataDir, err := paths.ResolveDataDir("", a.cfg.Server.DataDir)
	if err != nil {
		return sysError("resolve data dir: %w", err)
	}
	store := devserver.NewStore(a.logger)
	if err := store.Attach(dataDir, a.cfg.Types); err != nil {
		return sysError("initialize data dir: %w", err)
	}
	if err := store.Detach(); err != nil {
		return sysError("finalize data dir: %w", err)
	}

	status := "kept"
	if wrote {
		status = "written"
	}
	fmt.Fprintln(a.out, "Pantry initialized successfully")
	fmt.Fprintf(a.out, "  config: %s (%s)\n", paths.ConfigFile(configDir), status)
	fmt.Fprintln(a.out, "  data:  ", dataDir)
	return nil
}
