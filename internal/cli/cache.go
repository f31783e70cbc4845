package cli

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"wmonorepo/internal/metrics"
)

func newCacheCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the local cache",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Show blob count and total size",
			Args:  exactArgs(0),
			RunE: func(*cobra.Command, []string) error {
				store, err := a.openStore(metrics.Default())
				if err != nil {
					return err
				}
				count, total := store.Stats()
				a.printf("blobs: %d\nbytes: %d\n", count, total)
				return nil
			},
		},
		&cobra.Command{
			Use:   "gc",
			Short: "Delete unreferenced blobs",
			Long: `Delete every blob whose reference count has dropped to zero, plus blob
files left on disk without an index entry.`,
			Args: exactArgs(0),
			RunE: func(*cobra.Command, []string) error {
				store, err := a.openStore(metrics.Default())
				if err != nil {
					return err
				}
				count, freed, err := store.GC()
				if err != nil {
					return err
				}
				a.logger.Info("cache collected", zap.Int("blobs", count), zap.Int64("bytes", freed))
				a.printf("removed %d blobs, freed %d bytes\n", count, freed)
				return nil
			},
		},
	)
	return cmd
}
