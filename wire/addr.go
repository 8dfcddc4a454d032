package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// ServerAddress is "smp://<key_hash>@<host>[:<port>]"; an empty KeyHash
// means the server is untrusted (test mode only).
type ServerAddress struct {
	KeyHash string
	Host    string
	Port    int // 0 means default
}

// String renders "host[:port][#key_hash]" as used inside queue info, and
// the full "smp://key_hash@host:port" form is produced by Serialize.
func (a ServerAddress) String() string {
	host := a.Host
	if a.Port != 0 {
		host = fmt.Sprintf("%s:%d", a.Host, a.Port)
	}
	if a.KeyHash == "" {
		return host
	}
	return host + "#" + a.KeyHash
}

// Serialize renders the full smp:// URI form of the address.
func (a ServerAddress) Serialize() string {
	host := a.Host
	if a.Port != 0 {
		host = fmt.Sprintf("%s:%d", a.Host, a.Port)
	}
	return fmt.Sprintf("smp://%s@%s", a.KeyHash, host)
}

// ParseServerAddress parses either the full "smp://key_hash@host[:port]"
// URI form or the bare "host[:port][#key_hash]" form used inside queue info.
func ParseServerAddress(s string) (ServerAddress, error) {
	if strings.HasPrefix(s, "smp://") {
		rest := strings.TrimPrefix(s, "smp://")
		at := strings.Index(rest, "@")
		if at < 0 {
			return ServerAddress{}, syntaxErr(SyntaxBadServer, "missing @host in server address")
		}
		keyHash, hostPort := rest[:at], rest[at+1:]
		host, port, err := splitHostPort(hostPort)
		if err != nil {
			return ServerAddress{}, err
		}
		return ServerAddress{KeyHash: keyHash, Host: host, Port: port}, nil
	}

	keyHash := ""
	hostPort := s
	if i := strings.LastIndex(s, "#"); i >= 0 {
		hostPort, keyHash = s[:i], s[i+1:]
	}
	host, port, err := splitHostPort(hostPort)
	if err != nil {
		return ServerAddress{}, err
	}
	return ServerAddress{KeyHash: keyHash, Host: host, Port: port}, nil
}

func splitHostPort(hostPort string) (string, int, error) {
	if hostPort == "" {
		return "", 0, syntaxErr(SyntaxBadServer, "empty host")
	}
	i := strings.LastIndex(hostPort, ":")
	if i < 0 {
		return hostPort, 0, nil
	}
	host, portStr := hostPort[:i], hostPort[i+1:]
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, syntaxErr(SyntaxBadServer, "bad port")
	}
	return host, port, nil
}
