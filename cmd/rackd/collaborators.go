package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/metalstack/rackd/internal/identity"
	"github.com/metalstack/rackd/internal/rpc"
	"github.com/metalstack/rackd/pkg/drivers/scan"
)

// execScanner launches the external network-scanning subprocess. The
// dispatch surface serializes invocations; this just builds the
// command line and waits.
type execScanner struct{}

func (s *execScanner) Run(ctx context.Context, params scan.Params) error {
	args := []string{"scan"}
	if params.ScanAll {
		args = append(args, "--all")
	}
	for _, cidr := range params.CIDRs {
		args = append(args, "--cidr", cidr)
	}
	if params.Interface != "" {
		args = append(args, "--interface", params.Interface)
	}
	if params.ForcePing {
		args = append(args, "--ping")
	}
	if params.Slow {
		args = append(args, "--slow")
	}
	if params.Threads > 0 {
		args = append(args, "--threads", fmt.Sprintf("%d", params.Threads))
	}
	cmd := exec.CommandContext(ctx, "rackd-netscan", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("scan subprocess failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// neighborIPChecker answers CheckIPs from the kernel neighbor table.
type neighborIPChecker struct{}

func (c *neighborIPChecker) CheckIPs(ctx context.Context, ips []string) ([]rpc.IPResult, error) {
	out, err := exec.CommandContext(ctx, "ip", "neigh", "show").CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("failed to read neighbor table: %w", err)
	}
	neighbors := parseNeighbors(string(out))
	results := make([]rpc.IPResult, 0, len(ips))
	for _, ip := range ips {
		if net.ParseIP(ip) == nil {
			return nil, fmt.Errorf("invalid ip address %q", ip)
		}
		result := rpc.IPResult{IPAddress: ip}
		if n, ok := neighbors[ip]; ok {
			result.Used = true
			result.Interface = n.iface
			result.MACAddress = n.mac
		}
		results = append(results, result)
	}
	return results, nil
}

type neighbor struct {
	iface string
	mac   string
}

// parseNeighbors reads `ip neigh show` lines:
// "10.0.0.2 dev eth0 lladdr aa:bb:cc:dd:ee:ff REACHABLE".
func parseNeighbors(out string) map[string]neighbor {
	neighbors := make(map[string]neighbor)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 || strings.Contains(line, "FAILED") {
			continue
		}
		n := neighbor{}
		for i := 1; i+1 < len(fields); i++ {
			switch fields[i] {
			case "dev":
				n.iface = fields[i+1]
			case "lladdr":
				n.mac = fields[i+1]
			}
		}
		if n.mac != "" {
			neighbors[fields[0]] = n
		}
	}
	return neighbors
}

// tlsFromStore upgrades dialing to TLS once a cluster certificate has
// been provisioned. Before provisioning it returns nil and the first
// registration runs over plain TCP.
func tlsFromStore(store *identity.Store) func() *tls.Config {
	return func() *tls.Config {
		if !store.HasClusterCertificate() {
			return nil
		}
		pemBytes, err := os.ReadFile(store.ClusterCertificatePath())
		if err != nil {
			log.Warn().Err(err).Msg("cluster certificate unreadable, dialing without tls")
			return nil
		}
		cert, err := tls.X509KeyPair(pemBytes, pemBytes)
		if err != nil {
			log.Warn().Err(err).Msg("cluster certificate invalid, dialing without tls")
			return nil
		}
		roots := x509.NewCertPool()
		roots.AppendCertsFromPEM(pemBytes)
		return &tls.Config{
			Certificates: []tls.Certificate{cert},
			RootCAs:      roots,
		}
	}
}
