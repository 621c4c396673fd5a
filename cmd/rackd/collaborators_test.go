package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseNeighbors(t *testing.T) {
	out := `10.0.0.2 dev eth0 lladdr aa:bb:cc:dd:ee:ff REACHABLE
10.0.0.3 dev eth0  FAILED
fd00::5 dev eth1 lladdr 11:22:33:44:55:66 router STALE

10.0.0.4 dev eth0 lladdr 00:00:00:00:00:01 DELAY`
	neighbors := parseNeighbors(out)
	require.Len(t, neighbors, 3)
	require.Equal(t, neighbor{iface: "eth0", mac: "aa:bb:cc:dd:ee:ff"}, neighbors["10.0.0.2"])
	require.Equal(t, neighbor{iface: "eth1", mac: "11:22:33:44:55:66"}, neighbors["fd00::5"])
	require.NotContains(t, neighbors, "10.0.0.3")
}
