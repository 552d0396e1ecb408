package node

import "strings"

// Protocol is the wire protocol used to talk to a node. ProtocolAny is the
// wildcard used for nodes whose protocol is not known until probed.
type Protocol int

const (
	ProtocolAny Protocol = iota
	ProtocolHTTP
	ProtocolGRPC
	ProtocolTCP
	ProtocolMySQL
	ProtocolPostgreSQL
)

var protocolNames = [...]string{"ANY", "HTTP", "GRPC", "TCP", "MYSQL", "POSTGRESQL"}

func (p Protocol) String() string {
	if p < 0 || int(p) >= len(protocolNames) {
		return "UNKNOWN"
	}
	return protocolNames[p]
}

// DefaultPort is the plain-text port servers listen on for p.
func (p Protocol) DefaultPort() int {
	switch p {
	case ProtocolGRPC:
		return 9100
	case ProtocolTCP:
		return 9000
	case ProtocolMySQL:
		return 9004
	case ProtocolPostgreSQL:
		return 9005
	default:
		return 8123
	}
}

// DefaultSecurePort is the TLS port for p, or the plain port when the
// protocol has no dedicated secure listener.
func (p Protocol) DefaultSecurePort() int {
	switch p {
	case ProtocolHTTP, ProtocolAny:
		return 8443
	case ProtocolTCP:
		return 9440
	default:
		return p.DefaultPort()
	}
}

// Scheme is the URI scheme for p.
func (p Protocol) Scheme(secure bool) string {
	var s string
	switch p {
	case ProtocolHTTP:
		s = "http"
	case ProtocolGRPC:
		s = "grpc"
	case ProtocolTCP:
		s = "tcp"
	case ProtocolMySQL:
		s = "mysql"
	case ProtocolPostgreSQL:
		return "postgres"
	default:
		return "any"
	}
	if secure {
		s += "s"
	}
	return s
}

// ParseScheme maps a URI scheme to a protocol and whether it implies TLS.
// Unknown schemes map to ProtocolAny with ok=false.
func ParseScheme(scheme string) (p Protocol, secure bool, ok bool) {
	switch s := strings.ToLower(scheme); s {
	case "any", "":
		return ProtocolAny, false, true
	case "postgres", "postgresql", "pg":
		return ProtocolPostgreSQL, false, true
	case "ch", "clickhouse":
		return ProtocolAny, false, true
	default:
		if strings.HasSuffix(s, "s") {
			if p, _, ok := ParseScheme(strings.TrimSuffix(s, "s")); ok && p != ProtocolAny {
				return p, true, true
			}
		}
		switch s {
		case "http":
			return ProtocolHTTP, false, true
		case "grpc":
			return ProtocolGRPC, false, true
		case "tcp", "native":
			return ProtocolTCP, false, true
		case "mysql":
			return ProtocolMySQL, false, true
		}
	}
	return ProtocolAny, false, false
}

// ParseProtocol parses a protocol name such as "http" or "GRPC".
func ParseProtocol(name string) (Protocol, bool) {
	for i, n := range protocolNames {
		if strings.EqualFold(n, name) {
			return Protocol(i), true
		}
	}
	p, _, ok := ParseScheme(name)
	return p, ok
}
