package cli

import (
	"github.com/spf13/cobra"

	"github.com/anstrom/tracex/internal/config"
	"github.com/anstrom/tracex/internal/orchestrator"
)

var scanTarget string

// scanCmd represents the scan command.
var scanCmd = &cobra.Command{
	Use:   "scan [network]",
	Short: "Discover hosts, scan their ports and classify them",
	Long: `Discover every live host in the network, TCP connect scan the configured
ports on each with bounded concurrency and classify the device type.
Results stream as hosts finish; a table (or JSON) is printed at the end.

With --target a single IP or hostname is scanned without discovery.`,
	Example: `  tracex scan
  tracex scan 192.168.1.0/24 --ports 1-1024
  tracex scan --target printer.lan --ports 22,80,443,631,9100
  tracex scan 10.0.0.0/24 --host-concurrency 16 --resolve-hostnames -o json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	addDiscoveryFlags(scanCmd)

	def := config.Default()
	scanCmd.Flags().StringVar(&scanTarget, "target", "", "scan a single IP or hostname without discovery")
	scanCmd.Flags().String("ports", def.Scanning.Ports, `ports to probe, e.g. "1-1024,8080"`)
	scanCmd.Flags().Int("port-concurrency", def.Scanning.PortConcurrency, "connect attempts in flight per host")
	scanCmd.Flags().Int("host-concurrency", def.Scanning.HostConcurrency, "hosts scanned at once")
	scanCmd.Flags().Duration("timeout", def.Scanning.Timeout, "per-port connect timeout")
	scanCmd.Flags().Bool("resolve-hostnames", def.Scanning.ResolveHostnames, "look up PTR names of scanned hosts")
	scanCmd.Flags().String("dns-server", "", "DNS server for PTR lookups (host:port)")

	configFlag(scanCmd, "ports", "scanning.ports")
	configFlag(scanCmd, "port-concurrency", "scanning.port_concurrency")
	configFlag(scanCmd, "host-concurrency", "scanning.host_concurrency")
	configFlag(scanCmd, "timeout", "scanning.timeout")
	configFlag(scanCmd, "resolve-hostnames", "scanning.resolve_hostnames")
	configFlag(scanCmd, "dns-server", "scanning.dns_server")
}

func runScan(cmd *cobra.Command, args []string) error {
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

	if scanTarget != "" {
		rec, err := st.orch.ScanTarget(ctx, scanTarget)
		if err != nil {
			return err
		}
		return renderRecords(cmd.OutOrStdout(), []orchestrator.HostRecord{*rec})
	}

	session, err := st.orch.Run(ctx, firstArg(args))
	if err != nil {
		return err
	}
	return renderRecords(cmd.OutOrStdout(), session.Records())
}
