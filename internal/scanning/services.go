package scanning

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
)

// UnknownService labels an open port with no known service.
const UnknownService = "unknown"

const systemServicesPath = "/etc/services"

// wellKnownServices always take precedence over the system table.
var wellKnownServices = map[int]string{
	20:    "ftp-data",
	21:    "ftp",
	22:    "ssh",
	23:    "telnet",
	25:    "smtp",
	53:    "domain",
	67:    "dhcps",
	68:    "dhcpc",
	69:    "tftp",
	80:    "http",
	88:    "kerberos",
	110:   "pop3",
	111:   "rpcbind",
	119:   "nntp",
	123:   "ntp",
	135:   "msrpc",
	137:   "netbios-ns",
	139:   "netbios-ssn",
	143:   "imap",
	161:   "snmp",
	389:   "ldap",
	443:   "https",
	445:   "microsoft-ds",
	465:   "smtps",
	515:   "printer",
	548:   "afp",
	554:   "rtsp",
	587:   "submission",
	631:   "ipp",
	636:   "ldaps",
	853:   "domain-s",
	873:   "rsync",
	993:   "imaps",
	995:   "pop3s",
	1080:  "socks",
	1433:  "ms-sql-s",
	1883:  "mqtt",
	1900:  "upnp",
	2049:  "nfs",
	3000:  "ppp",
	3306:  "mysql",
	3389:  "ms-wbt-server",
	5000:  "upnp",
	5353:  "mdns",
	5432:  "postgresql",
	5900:  "vnc",
	6379:  "redis",
	7000:  "afs3-fileserver",
	8000:  "http-alt",
	8008:  "http",
	8080:  "http-proxy",
	8443:  "https-alt",
	8883:  "secure-mqtt",
	9000:  "cslistener",
	9100:  "jetdirect",
	27017: "mongod",
	32400: "plex",
	62078: "iphone-sync",
}

// ServiceTable maps TCP port numbers to service names.
type ServiceTable struct {
	names map[int]string
}

// NewServiceTable builds a table from the built-in names plus any tcp
// entries read from r. r may be nil.
func NewServiceTable(r io.Reader) *ServiceTable {
	names := make(map[int]string, len(wellKnownServices))
	if r != nil {
		for port, name := range parseServices(r) {
			names[port] = name
		}
	}
	for port, name := range wellKnownServices {
		names[port] = name
	}
	return &ServiceTable{names: names}
}

var (
	defaultServices     *ServiceTable
	defaultServicesOnce sync.Once
)

// DefaultServices returns the process-wide table, built once from the
// built-in names and /etc/services when readable.
func DefaultServices() *ServiceTable {
	defaultServicesOnce.Do(func() {
		f, err := os.Open(systemServicesPath)
		if err != nil {
			defaultServices = NewServiceTable(nil)
			return
		}
		defer f.Close()
		defaultServices = NewServiceTable(f)
	})
	return defaultServices
}

// Name returns the service for port, or UnknownService.
func (t *ServiceTable) Name(port int) string {
	if name, ok := t.names[port]; ok {
		return name
	}
	return UnknownService
}

// Len returns the number of known ports.
func (t *ServiceTable) Len() int {
	return len(t.names)
}

// parseServices reads "name port/proto [aliases] [# comment]" lines and
// keeps the first tcp name per port.
func parseServices(r io.Reader) map[int]string {
	out := make(map[int]string)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		portProto := strings.SplitN(fields[1], "/", 2)
		if len(portProto) != 2 || portProto[1] != "tcp" {
			continue
		}
		port, err := strconv.Atoi(portProto[0])
		if err != nil || port < MinPort || port > MaxPort {
			continue
		}
		if _, exists := out[port]; !exists {
			out[port] = fields[0]
		}
	}
	return out
}
