package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/anstrom/tracex/internal/config"
	"github.com/anstrom/tracex/internal/errors"
	"github.com/anstrom/tracex/internal/logging"
	"github.com/anstrom/tracex/internal/metrics"
	"github.com/anstrom/tracex/internal/orchestrator"
	"github.com/anstrom/tracex/internal/oui"
)

var vendorsForce bool

// vendorsCmd groups vendor table commands.
var vendorsCmd = &cobra.Command{
	Use:   "vendors",
	Short: "Manage the OUI vendor table",
}

var vendorsUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Download the latest vendor table",
	Long: `Download the IEEE OUI registry into the configured vendor file. Without
--force the download is skipped while the local copy is younger than
vendor.max_age.`,
	Args: cobra.NoArgs,
	RunE: runVendorsUpdate,
}

var vendorsLookupCmd = &cobra.Command{
	Use:     "lookup <mac>",
	Short:   "Show the vendor of a hardware address",
	Example: `  tracex vendors lookup a4:83:e7:12:34:56`,
	Args:    cobra.ExactArgs(1),
	RunE:    runVendorsLookup,
}

func init() {
	rootCmd.AddCommand(vendorsCmd)
	vendorsCmd.AddCommand(vendorsUpdateCmd, vendorsLookupCmd)

	def := config.Default()
	vendorsCmd.PersistentFlags().String("vendor-file", def.Vendor.File, "OUI vendor table path")
	vendorsUpdateCmd.Flags().BoolVar(&vendorsForce, "force", false, "download even if the local table is current")
	_ = vendorsCmd.PersistentFlags().SetAnnotation("vendor-file", viperKeyAnnotation, []string{"vendor.file"})
}

func runVendorsUpdate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Vendor.AutoDownload = false
	service, refresher := newVendors(cfg, logging.Default(), metrics.GetGlobalMetrics())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if vendorsForce {
		err = refresher.Refresh(ctx)
	} else {
		err = refresher.RefreshIfStale(ctx, cfg.Vendor.MaxAge)
		if err == nil {
			err = service.Load()
		}
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Vendor table %s: %d prefixes\n", service.Path(), service.Len())
	return nil
}

func runVendorsLookup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if _, ok := oui.Normalize(args[0]); !ok {
		return errors.NewScanError(errors.CodeValidation, fmt.Sprintf("not a hardware address: %q", args[0]))
	}
	service, _ := newVendors(cfg, logging.Default(), metrics.GetGlobalMetrics())

	vendor, ok := service.Lookup(args[0])
	if outputFormat == formatJSON {
		return printJSON(cmd.OutOrStdout(), map[string]any{"mac": args[0], "vendor": vendor, "found": ok})
	}
	if !ok {
		vendor = orchestrator.VendorUnknown
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), vendor)
	return err
}
