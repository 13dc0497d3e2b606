package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/anstrom/tracex/internal/classify"
	"github.com/anstrom/tracex/internal/config"
	"github.com/anstrom/tracex/internal/logging"
	"github.com/anstrom/tracex/internal/metrics"
	"github.com/anstrom/tracex/internal/scanning"
)

var (
	classifyMAC     string
	classifyPorts   string
	classifyIP      string
	classifyGateway string
	classifyVendor  string
)

// classifyCmd represents the classify command.
var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Label a device from its MAC address and open ports",
	Long: `Run the device classifier on known facts without touching the network.
The vendor comes from the local OUI table unless --vendor is given.`,
	Example: `  tracex classify --mac a4:83:e7:01:02:03
  tracex classify --ip 192.168.1.1 --gateway 192.168.1.1
  tracex classify --mac 00:11:22:33:44:55 --ports 22,80,443,631`,
	Args: cobra.NoArgs,
	RunE: runClassify,
}

func init() {
	rootCmd.AddCommand(classifyCmd)

	classifyCmd.Flags().StringVar(&classifyMAC, "mac", "", "hardware address")
	classifyCmd.Flags().StringVar(&classifyPorts, "ports", "", "open ports, e.g. 22,80,443")
	classifyCmd.Flags().StringVar(&classifyIP, "ip", "", "device IPv4 address")
	classifyCmd.Flags().StringVar(&classifyGateway, "gateway", "", "gateway IPv4 address")
	classifyCmd.Flags().StringVar(&classifyVendor, "vendor", "", "vendor name, skipping the OUI table")
	classifyCmd.Flags().String("vendor-file", config.Default().Vendor.File, "OUI vendor table path")
	configFlag(classifyCmd, "vendor-file", "vendor.file")
}

// classifyResult is the JSON form of a classification.
type classifyResult struct {
	MAC        string `json:"mac,omitempty"`
	IP         string `json:"ip,omitempty"`
	Ports      []int  `json:"ports"`
	Vendor     string `json:"vendor,omitempty"`
	DeviceType string `json:"device_type"`
}

func runClassify(cmd *cobra.Command, _ []string) error {
	if err := checkOutputFormat(); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var ports []int
	if classifyPorts != "" {
		spec, err := scanning.ParsePortSpec(classifyPorts)
		if err != nil {
			return err
		}
		ports = spec
	}

	lookup := classify.VendorLookup(func(string) (string, bool) {
		return classifyVendor, classifyVendor != ""
	})
	if classifyVendor == "" {
		// Classification never downloads the table.
		cfg.Vendor.AutoDownload = false
		vendors, _ := newVendors(cfg, logging.Default(), metrics.GetGlobalMetrics())
		lookup = vendors.Lookup
	}

	in := classify.Input{MAC: classifyMAC, Ports: ports, IP: classifyIP, GatewayIP: classifyGateway}
	label := classify.Classify(in, lookup)

	if outputFormat == formatJSON {
		res := classifyResult{MAC: classifyMAC, IP: classifyIP, Ports: ports, DeviceType: label}
		if res.Ports == nil {
			res.Ports = []int{}
		}
		if classifyMAC != "" {
			res.Vendor, _ = lookup(classifyMAC)
		}
		return printJSON(cmd.OutOrStdout(), res)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), label)
	return err
}
