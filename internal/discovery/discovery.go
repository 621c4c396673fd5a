// Package discovery resolves the configured region base URLs into the
// live event-loop map. All configured URLs are polled concurrently; a
// URL's resolved candidate addresses are tried in order, first success
// wins. When everything fails the persisted fallback state is tried
// once before the cycle gives up.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/metalstack/rackd/internal/models"
)

const rpcInfoPath = "/rpc/"

type Config struct {
	AttemptTimeout  time.Duration `envconfig:"DISCOVERY_ATTEMPT_TIMEOUT,default=10s"`
	FallbackRetries uint          `envconfig:"DISCOVERY_FALLBACK_RETRIES,default=2"`
}

type Discoverer struct {
	cfg      Config
	urls     []string
	fallback *Fallback
	client   *http.Client
	flight   singleflight.Group
}

func New(cfg Config, regionURLs []string, fallback *Fallback) *Discoverer {
	return &Discoverer{
		cfg:      cfg,
		urls:     regionURLs,
		fallback: fallback,
		client: &http.Client{
			Timeout: cfg.AttemptTimeout,
		},
	}
}

// Discover fetches the event-loop map. Concurrent callers coalesce
// into a single in-flight fetch and all receive its result. A nil map
// with nil error means regions were reached but none is advertising
// endpoints yet; the caller must not reconcile against it.
func (d *Discoverer) Discover(ctx context.Context) (models.EventLoopMap, error) {
	// the in-flight fetch is shared by every coalesced caller, so it
	// must not die with the first one; every attempt is bounded by
	// AttemptTimeout regardless
	fetchCtx := context.WithoutCancel(ctx)
	res, err, _ := d.flight.Do("discover", func() (any, error) {
		return d.discoverOnce(fetchCtx)
	})
	if err != nil {
		return nil, err
	}
	return res.(models.EventLoopMap), nil
}

func (d *Discoverer) discoverOnce(ctx context.Context) (models.EventLoopMap, error) {
	eventloops, reachable := d.fetchAll(ctx, d.urls)
	if len(reachable) == 0 {
		cached := d.fallback.Load()
		if len(cached) == 0 {
			return nil, fmt.Errorf("no region reachable and no fallback state")
		}
		log.Info().Msgf("live discovery failed, retrying %d cached region urls", len(cached))
		err := retry.Do(
			func() error {
				eventloops, reachable = d.fetchAll(ctx, cached)
				if len(reachable) == 0 {
					return fmt.Errorf("no cached region url reachable")
				}
				return nil
			},
			retry.Attempts(d.cfg.FallbackRetries),
			retry.Context(ctx),
		)
		if err != nil {
			return nil, fmt.Errorf("discovery failed for all configured and cached urls: %w", err)
		}
	}
	// only a cycle that actually produced an event-loop map may rewrite
	// the fallback state; a reachable-but-not-advertising subset must
	// not clobber previously proven-good region urls
	if eventloops != nil {
		if err := d.fallback.Save(reachable); err != nil {
			log.Warn().Err(err).Msg("failed to persist rpc-info fallback state")
		}
	}
	return eventloops, nil
}

// fetchAll polls every base URL concurrently and merges the advertised
// maps. It returns the merged map (nil when no region advertised
// anything) and the URLs that answered at all.
func (d *Discoverer) fetchAll(ctx context.Context, urls []string) (models.EventLoopMap, []string) {
	var (
		mu        sync.Mutex
		merged    models.EventLoopMap
		reachable []string
	)
	eg, ctx := errgroup.WithContext(ctx)
	for _, base := range urls {
		eg.Go(func() error {
			loops, err := d.fetchOne(ctx, base)
			if err != nil {
				log.Info().Msgf("region %s unreachable: %v", base, err)
				return nil
			}
			mu.Lock()
			reachable = append(reachable, base)
			if loops != nil {
				if merged == nil {
					merged = make(models.EventLoopMap)
				}
				for id, eps := range loops {
					merged[id] = eps
				}
			}
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()
	return merged, reachable
}

// fetchOne resolves one base URL into candidate addresses and tries
// them sequentially, returning the first advertised map. A nil map
// with nil error means the region answered but is not advertising.
func (d *Discoverer) fetchOne(ctx context.Context, base string) (models.EventLoopMap, error) {
	candidates, err := d.expand(ctx, base)
	if err != nil {
		return nil, err
	}
	var lastErr error
	for _, candidate := range candidates {
		loops, err := d.get(ctx, candidate)
		if err != nil {
			lastErr = err
			continue
		}
		return loops, nil
	}
	return nil, lastErr
}

// expand turns a base URL into one candidate URL per resolved address.
// IPv4 results additionally get an IPv6-mapped form so the dialer can
// treat every candidate uniformly.
func (d *Discoverer) expand(ctx context.Context, base string) ([]string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid region url %q: %w", base, err)
	}
	host := parsed.Hostname()
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", host, err)
	}
	candidates := make([]string, 0, len(addrs)*2)
	for _, addr := range addrs {
		ip, ok := netip.AddrFromSlice(addr.IP)
		if !ok {
			continue
		}
		ip = ip.Unmap()
		candidates = append(candidates, rewriteHost(parsed, ip))
		if ip.Is4() {
			candidates = append(candidates, rewriteHost(parsed, netip.AddrFrom16(ip.As16())))
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no addresses for %s", host)
	}
	return candidates, nil
}

func rewriteHost(base *url.URL, ip netip.Addr) string {
	rewritten := *base
	host := ip.String()
	if port := base.Port(); port != "" {
		rewritten.Host = net.JoinHostPort(host, port)
	} else if ip.Is6() || ip.Is4In6() {
		rewritten.Host = "[" + host + "]"
	} else {
		rewritten.Host = host
	}
	return rewritten.String()
}

func (d *Discoverer) get(ctx context.Context, base string) (models.EventLoopMap, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+rpcInfoPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build rpc-info request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusBadGateway || resp.StatusCode == http.StatusServiceUnavailable:
		// The region process is up but has not advertised endpoints yet.
		log.Info().Msgf("region %s not advertising RPC endpoints", base)
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("rpc-info returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read rpc-info body: %w", err)
	}
	var info struct {
		EventLoops models.EventLoopMap `json:"eventloops"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("malformed rpc-info response: %w", err)
	}
	if info.EventLoops == nil {
		// key absent: same meaning as 502, not an error
		log.Info().Msgf("region %s not advertising RPC endpoints", base)
		return nil, nil
	}
	return info.EventLoops, nil
}
