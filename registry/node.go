package registry

import (
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// DefaultWeight is used when an endpoint payload carries no weight.
const DefaultWeight = 1

// Node is one provider instance of a service: the name of its ephemeral node
// and the endpoint parsed from the node's data.
type Node struct {
	Name     string // Opaque node name chosen at registration
	Endpoint string // host:port, the dial address
	Weight   int    // Relative weight for the weighted selector, >= 1
}

// ParseEndpoint parses a node payload of the form host:port[:weight].
func ParseEndpoint(data string) (addr string, weight int, err error) {
	if host, port, err := net.SplitHostPort(data); err == nil {
		return net.JoinHostPort(host, port), DefaultWeight, nil
	}
	i := strings.LastIndexByte(data, ':')
	if i < 0 {
		return "", 0, errors.Errorf("registry: malformed endpoint %q", data)
	}
	weight, err = strconv.Atoi(data[i+1:])
	if err != nil || weight < 1 {
		return "", 0, errors.Errorf("registry: malformed weight in endpoint %q", data)
	}
	host, port, err := net.SplitHostPort(data[:i])
	if err != nil {
		return "", 0, errors.Wrapf(err, "registry: malformed endpoint %q", data)
	}
	return net.JoinHostPort(host, port), weight, nil
}

// FormatEndpoint builds the node payload advertised by a provider. The weight
// is omitted when it is the default.
func FormatEndpoint(addr string, weight int) string {
	if weight <= DefaultWeight {
		return addr
	}
	return addr + ":" + strconv.Itoa(weight)
}
