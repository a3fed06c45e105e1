package conf

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"mcroute/internal/flog"
	"mcroute/internal/router"

	"github.com/goccy/go-yaml"
)

const (
	DefaultUDPPort = 24454

	probeTimeout = 2 * time.Second
)

var routeNameRe = regexp.MustCompile(`^[A-Za-z0-9]+$`)

// Conf is the on-disk proxy configuration. The file is JSON; the parser
// accepts YAML as well since JSON is a YAML subset.
type Conf struct {
	TCPPort   uint16                         `yaml:"tcp_port"`
	UDPPort   uint16                         `yaml:"udp_port"`
	LogLevel  string                         `yaml:"log_level"`
	Endpoints map[string]map[string][]uint16 `yaml:"endpoints"`
}

func (c *Conf) setDefaults() {
	if c.UDPPort == 0 {
		c.UDPPort = DefaultUDPPort
	}
}

func (c *Conf) validate() error {
	var allErrors []error
	if c.TCPPort == 0 {
		allErrors = append(allErrors, fmt.Errorf("tcp_port is required"))
	}
	if _, err := flog.ParseLevel(c.LogLevel); err != nil {
		allErrors = append(allErrors, err)
	}
	return writeErr(allErrors)
}

func writeErr(allErrors []error) error {
	if len(allErrors) > 0 {
		var messages []string
		for _, err := range allErrors {
			messages = append(messages, err.Error())
		}
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(messages, "\n  - "))
	}
	return nil
}

// Loader reads, validates, and reconciles the configuration. It is the
// sole writer to the route table.
type Loader struct {
	Path string

	// probe reports whether an upstream TCP endpoint accepts connections.
	// Swappable so tests avoid dialing.
	probe func(addr string) bool
}

func NewLoader(path string) *Loader {
	return &Loader{Path: path, probe: probeTCP}
}

func probeTCP(addr string) bool {
	c, err := net.DialTimeout("tcp", addr, probeTimeout)
	if err != nil {
		return false
	}
	c.Close()
	return true
}

// Load parses and validates the config file without touching the router.
func (l *Loader) Load() (*Conf, error) {
	data, err := os.ReadFile(l.Path)
	if err != nil {
		return nil, err
	}

	var conf Conf
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", l.Path, err)
	}

	conf.setDefaults()
	if err := conf.validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

// validIP accepts only a concrete unicast destination address.
func validIP(host string) (netip.Addr, bool) {
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	if ip.IsUnspecified() || ip.IsMulticast() {
		return netip.Addr{}, false
	}
	if ip.Is4() && ip == netip.AddrFrom4([4]byte{255, 255, 255, 255}) {
		return netip.Addr{}, false
	}
	return ip, true
}

// desiredRoutes turns the endpoint map into the set of installable routes.
// Hosts and route names are walked in sorted order so that duplicate
// destination checks are deterministic: the first route to claim a
// destination socket address wins.
func (l *Loader) desiredRoutes(c *Conf) map[string]router.Route {
	seenDest := make(map[netip.AddrPort]struct{})
	desired := make(map[string]router.Route)

	for _, host := range sortedKeys(c.Endpoints) {
		ip, ok := validIP(host)
		if !ok {
			flog.Warnf("skipping host '%s': not a valid destination IP", host)
			continue
		}

		routes := c.Endpoints[host]
		for _, name := range sortedKeys(routes) {
			if !routeNameRe.MatchString(name) {
				flog.Warnf("skipping route on %s: invalid name '%s'", host, name)
				continue
			}
			ports := routes[name]
			if len(ports) != 2 {
				flog.Warnf("skipping route '%s' on %s: want [tcp_port, udp_port], got %d ports", name, host, len(ports))
				continue
			}

			tcpSock := netip.AddrPortFrom(ip, ports[0])
			udpSock := netip.AddrPortFrom(ip, ports[1])

			if _, dup := seenDest[tcpSock]; dup {
				flog.Warnf("skipping route '%s' on %s: tcp destination %s already used", name, host, tcpSock)
				continue
			}
			if _, dup := seenDest[udpSock]; dup {
				flog.Warnf("skipping route '%s' on %s: udp destination %s already used", name, host, udpSock)
				continue
			}

			if !l.probe(tcpSock.String()) {
				flog.Warnf("skipping route '%s' on %s: tcp destination %s unreachable", name, host, tcpSock)
				continue
			}

			seenDest[tcpSock] = struct{}{}
			seenDest[udpSock] = struct{}{}
			desired[name] = router.Route{Name: name, TCP: tcpSock, UDP: udpSock}
		}
	}
	return desired
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
