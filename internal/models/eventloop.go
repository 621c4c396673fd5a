package models

import (
	"encoding/json"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strings"
)

// EventLoopID identifies one region controller process endpoint,
// formatted as "<host>:pid=<pid>". It is discovered, never persisted.
type EventLoopID string

func (id EventLoopID) Host() string {
	if i := strings.Index(string(id), ":pid="); i >= 0 {
		return string(id)[:i]
	}
	return string(id)
}

// Endpoint is one (ip, port) pair an event loop listens on.
// On the wire it is a JSON two-element array: [ip, port].
type Endpoint struct {
	IP   netip.Addr
	Port uint16
}

func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.IP.String(), fmt.Sprintf("%d", e.Port))
}

func (e *Endpoint) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("endpoint is not a json array: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("endpoint must be [ip, port], got %d elements", len(pair))
	}
	var ip string
	if err := json.Unmarshal(pair[0], &ip); err != nil {
		return fmt.Errorf("endpoint ip: %w", err)
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return fmt.Errorf("endpoint ip %q: %w", ip, err)
	}
	var port uint16
	if err := json.Unmarshal(pair[1], &port); err != nil {
		return fmt.Errorf("endpoint port: %w", err)
	}
	e.IP = addr
	e.Port = port
	return nil
}

func (e Endpoint) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.IP.String(), e.Port})
}

// EventLoopMap is the desired topology returned by discovery:
// every advertised event loop and the endpoints it can be dialed at.
type EventLoopMap map[EventLoopID][]Endpoint

func (m EventLoopMap) Equal(other EventLoopMap) bool {
	if len(m) != len(other) {
		return false
	}
	for id, eps := range m {
		otherEps, ok := other[id]
		if !ok || len(eps) != len(otherEps) {
			return false
		}
		for i := range eps {
			if eps[i] != otherEps[i] {
				return false
			}
		}
	}
	return true
}

// Hosts returns the distinct region hosts present in the map, sorted.
func (m EventLoopMap) Hosts() []string {
	seen := make(map[string]struct{}, len(m))
	for id := range m {
		seen[id.Host()] = struct{}{}
	}
	hosts := make([]string, 0, len(seen))
	for h := range seen {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}
