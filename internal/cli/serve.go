package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/pantry/internal/devserver"
	"github.com/mesh-intelligence/pantry/internal/paths"
)

func (a *app) newServeCmd() *cobra.Command {
	var addr, dataDir string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the development backend for the registered types",
		Long: "Serve the registered types over the REST contract the cache expects.\n" +
			"Entities are seeded from <plural>.jsonl in the data directory and\n" +
			"written back to it after every change.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(a.cfg.Types) == 0 {
				return userError("serve: no types configured in config.yaml")
			}
			if addr == "" {
				addr = a.cfg.Server.Addr
			}
			dir, err := paths.ResolveDataDir(dataDir, a.cfg.Server.DataDir)
			if err != nil {
				return sysError("resolve data dir: %w", err)
			}

			store := devserver.NewStore(a.logger)
			if err := store.Attach(dir, a.cfg.Types); err != nil {
				return sysError("attach store: %w", err)
			}
			defer store.Detach()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := devserver.New(store, a.cfg.Types, devserver.WithLogger(a.logger))
			a.logger.Info("data directory", "path", dir)
			if err := srv.ListenAndServe(ctx, addr); err != nil {
				return sysError("serve: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "data directory (overrides server.data_dir and $PANTRY_DATA_DIR)")
	return cmd
}
