package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/craftscan/craftscan/cmd/craftscan/internal/format"
	"github.com/craftscan/craftscan/pkg/storage"
	"github.com/craftscan/craftscan/pkg/stringutil"
)

func newStatsCommand(a *app) *cobra.Command {
	var withSnapshots bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.manager.Get()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			store, err := storage.Connect(ctx, storage.Options{
				URI:         cfg.Mongo.URI,
				Database:    cfg.Mongo.Database,
				PrimaryPort: cfg.Target.Port,
			})
			if err != nil {
				return err
			}
			defer func() { _ = store.Close(context.Background()) }()

			total, err := store.CountServers(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			format.Section(out, "Database")
			format.Row(out, "uri", stringutil.Ellipsis(cfg.Mongo.URI, 60))
			format.Row(out, "name", cfg.Mongo.Database)
			format.Row(out, "servers", total)
			format.Row(out, "bad addresses", store.BadAddressCount())

			if !withSnapshots {
				return nil
			}

			// walks the whole collection per filter, hence opt-in
			format.Section(out, "Snapshots")
			for _, filter := range []storage.ServerFilter{
				storage.FilterActive30d,
				storage.FilterActive365d,
				storage.FilterNew7d,
			} {
				servers, err := store.CollectServers(cmd.Context(), filter)
				if err != nil {
					format.Warn(out, "  %s: %v", filter, err)
					continue
				}
				format.Row(out, string(filter), len(servers))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&withSnapshots, "snapshots", false, "Also collect the per-filter server snapshots (slow)")
	return cmd
}
