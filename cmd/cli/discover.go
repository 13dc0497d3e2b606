package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/anstrom/tracex/internal/config"
	"github.com/anstrom/tracex/internal/orchestrator"
)

// discoverCmd represents the discover command.
var discoverCmd = &cobra.Command{
	Use:   "discover [network]",
	Short: "Find live hosts on a local network",
	Long: `Discover live hosts with ARP (or an nmap ping scan with --method nmap).

The network argument is an IPv4 range in CIDR notation no larger than /16.
Without it the range of the interface carrying the default route is used.
Raw ARP needs root or CAP_NET_RAW.`,
	Example: `  tracex discover
  tracex discover 192.168.1.0/24
  tracex discover 10.0.0.0/22 --listen-window 3s --interface eth0
  tracex discover 192.168.1.0/24 --method nmap -o json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDiscovery,
}

func init() {
	rootCmd.AddCommand(discoverCmd)
	addDiscoveryFlags(discoverCmd)
}

func addDiscoveryFlags(cmd *cobra.Command) {
	def := config.Default()
	cmd.Flags().String("method", def.Discovery.Method, "discovery method: arp or nmap")
	cmd.Flags().String("interface", "", "network interface to send probes on")
	cmd.Flags().Duration("listen-window", def.Discovery.ListenWindow, "how long to wait for replies")
	cmd.Flags().String("vendor-file", def.Vendor.File, "OUI vendor table path")

	configFlag(cmd, "method", "discovery.method")
	configFlag(cmd, "interface", "discovery.interface")
	configFlag(cmd, "listen-window", "discovery.listen_window")
	configFlag(cmd, "vendor-file", "vendor.file")
}

func runDiscovery(cmd *cobra.Command, args []string) error {
	if err := checkOutputFormat(); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := newStack(cfg, progressSink(cmd.ErrOrStderr()))
	if err != nil {
		return err
	}

	ctx, stop := withInterrupt(st.orch)
	defer stop()

	hosts, err := st.orch.Discover(ctx, firstArg(args))
	if err != nil {
		return err
	}
	return renderHosts(cmd.OutOrStdout(), hosts)
}

func firstArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

// withInterrupt returns the context for a foreground session. The first
// interrupt asks the orchestrator to stop dispatching hosts; a second one
// cancels the context outright.
func withInterrupt(orch *orchestrator.Orchestrator) (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		graceful := true
		for {
			select {
			case <-sigCh:
				if graceful && orch.Cancel() {
					graceful = false
					fmt.Fprintln(os.Stderr, "Interrupted, finishing in-flight hosts (interrupt again to abort)")
					continue
				}
				cancel()
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}
