package stratum

import (
	"net"
	"strconv"
	"strings"

	"github.com/bardlex/gominer/pkg/errors"
)

// Supported pool URL schemes
const (
	SchemeTCP = "stratum+tcp://"
	SchemeSSL = "stratum+ssl://"
)

// Endpoint is a parsed pool address
type Endpoint struct {
	Host string
	Port uint16
	TLS  bool
}

// Address returns host:port suitable for net.Dial
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// ParseURL splits a stratum+tcp:// or stratum+ssl:// URL into host and port
func ParseURL(raw string) (string, uint16, error) {
	ep, err := ParseEndpoint(raw)
	if err != nil {
		return "", 0, err
	}
	return ep.Host, ep.Port, nil
}

// ParseEndpoint parses a pool URL. The port is taken from after the last
// colon and must be a number between 1 and 65535.
func ParseEndpoint(raw string) (Endpoint, error) {
	invalid := func(msg string) error {
		return errors.New(errors.ErrorTypeValidation, "parse_stratum_url", msg).
			WithContext("url", raw)
	}

	var ep Endpoint
	var rest string
	switch {
	case strings.HasPrefix(raw, SchemeTCP):
		rest = strings.TrimPrefix(raw, SchemeTCP)
	case strings.HasPrefix(raw, SchemeSSL):
		rest = strings.TrimPrefix(raw, SchemeSSL)
		ep.TLS = true
	default:
		return Endpoint{}, invalid("URL must start with stratum+tcp:// or stratum+ssl://")
	}

	idx := strings.LastIndex(rest, ":")
	if idx < 0 {
		return Endpoint{}, invalid("missing port")
	}

	host, portStr := rest[:idx], rest[idx+1:]
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if host == "" {
		return Endpoint{}, invalid("missing host")
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return Endpoint{}, invalid("port must be a number between 1 and 65535")
	}

	ep.Host = host
	ep.Port = uint16(port)
	return ep, nil
}
