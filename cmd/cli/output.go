package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/olekukonko/tablewriter"

	"github.com/anstrom/tracex/internal/discovery"
	"github.com/anstrom/tracex/internal/events"
	"github.com/anstrom/tracex/internal/orchestrator"
	"github.com/anstrom/tracex/internal/scanning"
)

const (
	formatTable = "table"
	formatJSON  = "json"
)

func checkOutputFormat() error {
	if outputFormat != formatTable && outputFormat != formatJSON {
		return fmt.Errorf("invalid output format %q: use table or json", outputFormat)
	}
	return nil
}

// progressSink prints session events as they arrive. Only table output
// streams; JSON output is printed once at the end.
func progressSink(w io.Writer) events.Sink {
	if outputFormat == formatJSON {
		return events.Discard
	}
	var mu sync.Mutex
	return events.SinkFunc(func(e events.Event) {
		mu.Lock()
		defer mu.Unlock()
		switch d := e.Data.(type) {
		case events.StatusUpdate:
			fmt.Fprintf(w, "[%s] %s\n", d.Level, d.Message)
		case events.HostDiscovered:
			fmt.Fprintf(w, "  + %-15s %s  %s\n", d.IP, d.MAC, d.Vendor)
		case events.ScanResult:
			fmt.Fprintf(w, "  = %-15s %s  [%s]\n", d.IP, d.DeviceType, formatEventPorts(d.Ports))
		}
	})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderHosts(w io.Writer, hosts []discovery.Host) error {
	if outputFormat == formatJSON {
		return printJSON(w, hosts)
	}
	table := tablewriter.NewWriter(w)
	table.Header("IP", "MAC", "Vendor")
	for _, h := range hosts {
		vendor := h.Vendor
		if vendor == "" {
			vendor = orchestrator.VendorUnknown
		}
		_ = table.Append([]string{h.IP, h.MAC, vendor})
	}
	return table.Render()
}

func renderRecords(w io.Writer, records []orchestrator.HostRecord) error {
	if outputFormat == formatJSON {
		return printJSON(w, records)
	}
	table := tablewriter.NewWriter(w)
	table.Header("IP", "MAC", "Vendor", "Hostname", "Device Type", "Open Ports")
	for _, r := range records {
		_ = table.Append([]string{r.IP, r.MAC, r.Vendor, r.Hostname, r.DeviceType, formatPorts(r.Ports)})
	}
	return table.Render()
}

func formatPorts(ports []scanning.OpenPort) string {
	parts := make([]string, 0, len(ports))
	for _, p := range ports {
		parts = append(parts, strconv.Itoa(p.Port)+"/"+p.Service)
	}
	return strings.Join(parts, ", ")
}

func formatEventPorts(ports []events.Port) string {
	parts := make([]string, 0, len(ports))
	for _, p := range ports {
		parts = append(parts, strconv.Itoa(p.Port)+"/"+p.Service)
	}
	return strings.Join(parts, ", ")
}
