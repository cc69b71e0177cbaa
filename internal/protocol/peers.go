package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// PeerAddr is a storage peer's data-plane endpoint as advertised in plans.
type PeerAddr struct {
	Name string
	Host string
	Port int
}

// String renders the address as name:host:port.
func (p PeerAddr) String() string {
	return p.Name + ":" + p.Host + ":" + strconv.Itoa(p.Port)
}

// Endpoint returns host:port for dialing.
func (p PeerAddr) Endpoint() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// FormatPeerList renders peers as a single bracketed token: [a:h:p,b:h:p].
func FormatPeerList(peers []PeerAddr) string {
	parts := make([]string, len(peers))
	for i, p := range peers {
		parts[i] = p.String()
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// ParsePeerList parses the bracketed token produced by FormatPeerList.
func ParsePeerList(s string) ([]PeerAddr, error) {
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, fmt.Errorf("%w: peer list %q is not bracketed", ErrProtocol, s)
	}
	inner := s[1 : len(s)-1]
	if inner == "" {
		return nil, nil
	}

	entries := strings.Split(inner, ",")
	peers := make([]PeerAddr, 0, len(entries))
	for _, e := range entries {
		parts := strings.Split(strings.TrimSpace(e), ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("%w: peer entry %q", ErrProtocol, e)
		}
		port, err := strconv.Atoi(parts[2])
		if err != nil {
			return nil, fmt.Errorf("%w: peer entry %q has bad port", ErrProtocol, e)
		}
		peers = append(peers, PeerAddr{Name: parts[0], Host: parts[1], Port: port})
	}
	return peers, nil
}
