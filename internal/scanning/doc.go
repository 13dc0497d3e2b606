// Package scanning implements the per-host TCP connect sweep.
//
// A Scanner probes a PortSpec against one IPv4 address through a bounded
// workers.Pool, so at most Config.Concurrency connect attempts are in flight
// for that host. Each attempt yields an explicit Outcome; only OutcomeOpen
// ports are kept, and the final list is sorted ascending regardless of the
// order in which attempts completed.
//
// Basic use:
//
//	ports, err := scanning.ParsePortSpec("1-1024,8080")
//	if err != nil {
//		return err
//	}
//	scanner := scanning.NewScanner(scanning.Config{
//		Ports:       ports,
//		Concurrency: 200,
//		Timeout:     500 * time.Millisecond,
//	})
//	result, err := scanner.Scan(ctx, "192.168.1.10")
//
// Service names come from a built-in table of well-known ports, extended by
// the tcp entries of /etc/services when that file is readable. Ports with no
// known name are labelled "unknown".
package scanning
