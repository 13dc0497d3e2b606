package scanning

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

const servicesSample = `# Network services, Internet style
tcpmux		1/tcp				# TCP port service multiplexer
echo		7/tcp
echo		7/udp
ssh		22/tcp				# SSH Remote Login Protocol
http-alt	8000/tcp	webcache
domain		53/udp
custom-app	12345/tcp
bad		notaport/tcp
`

func TestParseServices(t *testing.T) {
	got := parseServices(strings.NewReader(servicesSample))

	assert.Equal(t, "tcpmux", got[1])
	assert.Equal(t, "echo", got[7])
	assert.Equal(t, "custom-app", got[12345])
	_, hasUDPOnly := got[53]
	assert.False(t, hasUDPOnly)
}

func TestServiceTable(t *testing.T) {
	table := NewServiceTable(strings.NewReader("my-ssh 22/tcp\nmyapp 12345/tcp\n"))

	assert.Equal(t, "ssh", table.Name(22), "built-in names win over the system table")
	assert.Equal(t, "myapp", table.Name(12345))
	assert.Equal(t, "jetdirect", table.Name(9100))
	assert.Equal(t, UnknownService, table.Name(40000))
}

func TestNewServiceTable_NilReader(t *testing.T) {
	table := NewServiceTable(nil)
	assert.Equal(t, len(wellKnownServices), table.Len())
	assert.Equal(t, "https", table.Name(443))
}

func TestDefaultServices_IsShared(t *testing.T) {
	assert.Same(t, DefaultServices(), DefaultServices())
	assert.Equal(t, "http", DefaultServices().Name(80))
}
