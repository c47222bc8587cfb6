package nats

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Constants in this block define address defaults for cluster nodes.
const (
	defaultPort = 4222

	schemeTCP = "nats"
	schemeTLS = "tls"
	schemeWS  = "ws"
	schemeWSS = "wss"
)

// Credentials hold the username/password pair extracted from a server URL.
type Credentials struct {
	Username string
	Password string
}

// ServerAddress identifies one candidate cluster node. The order of a parsed
// server list defines failover priority.
type ServerAddress struct {
	Scheme      string
	Host        string
	Port        uint16
	Credentials *Credentials

	// learned marks addresses merged from a server-advertised peer list.
	// They always rank after statically configured nodes.
	learned bool
}

func (addr ServerAddress) hostPort() string {
	return net.JoinHostPort(addr.Host, strconv.FormatUint(uint64(addr.Port), 10))
}

func (addr ServerAddress) secure() bool {
	return addr.Scheme == schemeTLS || addr.Scheme == schemeWSS
}

func (addr ServerAddress) websocket() bool {
	return addr.Scheme == schemeWS || addr.Scheme == schemeWSS
}

// parseServerURL parses a single scheme://[user:pass@]host[:port] URL into a
// ServerAddress.
func parseServerURL(raw string) (ServerAddress, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return ServerAddress{}, NewError(AddressError, err)
	}

	switch parsed.Scheme {
	case schemeTCP, schemeTLS, schemeWS, schemeWSS:
	default:
		return ServerAddress{}, NewError(AddressError, "unsupported scheme '"+parsed.Scheme+"'")
	}

	host := parsed.Hostname()
	if host == "" {
		return ServerAddress{}, NewError(AddressError, "missing host name in '"+raw+"'")
	}

	port := uint16(defaultPort)
	if portText := parsed.Port(); portText != "" {
		parsedPort, portErr := strconv.ParseUint(portText, 10, 16)
		if portErr != nil {
			return ServerAddress{}, NewError(AddressError, "invalid port in '"+raw+"'")
		}
		port = uint16(parsedPort)
	}

	address := ServerAddress{Scheme: parsed.Scheme, Host: host, Port: port}

	if user := parsed.User; user != nil {
		username := user.Username()
		password, hasPassword := user.Password()
		if username == "" {
			return ServerAddress{}, NewError(AddressError, "username can't be empty")
		}
		if !hasPassword || password == "" {
			return ServerAddress{}, NewError(AddressError, "password can't be empty")
		}
		address.Credentials = &Credentials{Username: username, Password: password}
	}

	return address, nil
}

// parseServerList parses the configured URL list. An empty or malformed list
// is an AddressError.
func parseServerList(urls []string) ([]ServerAddress, error) {
	if len(urls) == 0 {
		return nil, NewError(AddressError, "at least one server URL is required")
	}

	addresses := make([]ServerAddress, 0, len(urls))
	for _, raw := range urls {
		address, err := parseServerURL(raw)
		if err != nil {
			return nil, err
		}
		addresses = append(addresses, address)
	}

	return addresses, nil
}

// mergeAdvertised merges server-advertised host:port peers into the candidate
// list. Statically configured nodes keep priority; duplicates are dropped.
func mergeAdvertised(addresses []ServerAddress, advertised []string) []ServerAddress {
	if len(advertised) == 0 {
		return addresses
	}

	known := make(map[string]struct{}, len(addresses))
	for _, address := range addresses {
		known[address.hostPort()] = struct{}{}
	}

	for _, peer := range advertised {
		host, portText, err := net.SplitHostPort(strings.TrimSpace(peer))
		if err != nil || host == "" {
			continue
		}
		port, portErr := strconv.ParseUint(portText, 10, 16)
		if portErr != nil {
			continue
		}

		candidate := ServerAddress{Scheme: schemeTCP, Host: host, Port: uint16(port), learned: true}
		if _, exists := known[candidate.hostPort()]; exists {
			continue
		}
		known[candidate.hostPort()] = struct{}{}
		addresses = append(addresses, candidate)
	}

	return addresses
}
