// Package handshake drives one new transport through
// connect -> authenticate -> register -> ready. A failure at any stage
// is terminal for that attempt: the transport is dropped and never
// enters the pool.
package handshake

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/metalstack/rackd/internal/authn"
	"github.com/metalstack/rackd/internal/identity"
	"github.com/metalstack/rackd/internal/models"
	"github.com/metalstack/rackd/internal/rpc"
)

type Config struct {
	ConnectTimeout time.Duration `envconfig:"HANDSHAKE_CONNECT_TIMEOUT,default=10s"`
	CallTimeout    time.Duration `envconfig:"HANDSHAKE_CALL_TIMEOUT,default=30s"`
}

type Runner struct {
	cfg        Config
	hostname   string
	url        string
	version    string
	store      *identity.Store
	dispatcher rpc.Dispatcher
	// lazily built from the identity store once a certificate exists
	tlsConfig func() *tls.Config
}

func NewRunner(
	cfg Config,
	hostname, advertisedURL, version string,
	store *identity.Store,
	dispatcher rpc.Dispatcher,
	tlsConfig func() *tls.Config,
) *Runner {
	return &Runner{
		cfg:        cfg,
		hostname:   hostname,
		url:        advertisedURL,
		version:    version,
		store:      store,
		dispatcher: dispatcher,
		tlsConfig:  tlsConfig,
	}
}

// Run performs the full handshake against one endpoint and returns a
// ready connection.
func (r *Runner) Run(ctx context.Context, loopID models.EventLoopID, addr string) (*rpc.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
	raw, err := rpc.Dial(dialCtx, addr, r.tlsConfig())
	cancel()
	if err != nil {
		log.Info().Msgf("failed to connect to event-loop %s at %s: %v", loopID, addr, err)
		return nil, err
	}

	conn := rpc.NewConn(raw, loopID, r.dispatcher)
	if err := r.identify(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	if err := r.authenticate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	if err := r.register(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetReady(true)
	return conn, nil
}

// identify asks the peer who it is and records the reported identity.
// A peer answering for a different event loop than the one discovery
// advertised is treated as a protocol failure.
func (r *Runner) identify(ctx context.Context, conn *rpc.Conn) error {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()

	var resp rpc.IdentifyResponse
	if err := conn.Call(callCtx, rpc.ProcIdentify, nil, &resp); err != nil {
		log.Info().Msgf("identify call to %s failed: %v", conn.RemoteAddr(), err)
		return err
	}
	if resp.Ident != "" && resp.Ident != string(conn.LoopID()) {
		log.Error().Msgf("endpoint %s identified as %q, expected event-loop %s",
			conn.RemoteAddr(), resp.Ident, conn.LoopID())
		return fmt.Errorf("unexpected peer identity %q", resp.Ident)
	}
	conn.SetIdent(resp.Ident)
	return nil
}

// authenticate challenges the region side and verifies its digest
// against the shared secret.
func (r *Runner) authenticate(ctx context.Context, conn *rpc.Conn) error {
	secret, err := r.store.Secret()
	if err != nil {
		return err
	}
	message, err := authn.NewChallenge()
	if err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()

	var resp rpc.AuthenticateResponse
	err = conn.Call(callCtx, rpc.ProcAuthenticate, rpc.AuthenticateRequest{Message: message}, &resp)
	if err != nil {
		log.Info().Msgf("authentication call to %s failed: %v", conn.RemoteAddr(), err)
		return err
	}
	if !authn.Verify(secret, message, resp.Salt, resp.Digest) {
		log.Error().Msgf("event-loop %s at %s failed authentication: digest mismatch",
			conn.LoopID(), conn.RemoteAddr())
		return rpc.ErrAuthFailed
	}
	return nil
}

func (r *Runner) register(ctx context.Context, conn *rpc.Conn) error {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()

	req := rpc.RegisterRequest{
		SystemID:      r.store.SystemID(),
		Hostname:      r.hostname,
		Interfaces:    localInterfaces(),
		URL:           r.url,
		Version:       r.version,
		BeaconSupport: true,
	}
	var resp rpc.RegisterResponse
	if err := conn.Call(callCtx, rpc.ProcRegisterRackController, req, &resp); err != nil {
		var remote *rpc.RemoteError
		if errors.As(err, &remote) {
			log.Error().Msgf("registration rejected by region %s: %s", conn.RemoteAddr(), remote.Msg)
			return fmt.Errorf("%w: %s", rpc.ErrRegisterRejected, remote.Msg)
		}
		log.Error().Err(err).Msgf("unexpected error registering with %s", conn.RemoteAddr())
		return err
	}

	if err := r.store.SetSystemID(resp.SystemID); err != nil {
		return fmt.Errorf("failed to persist system id: %w", err)
	}
	if resp.UUID != "" {
		if err := r.store.SetFleetUUID(resp.UUID); err != nil {
			return fmt.Errorf("failed to persist fleet uuid: %w", err)
		}
	}
	if resp.Version != "" {
		log.Info().Msgf("registered with event-loop %s as %s with version %s",
			conn.LoopID(), resp.SystemID, resp.Version)
	} else {
		log.Info().Msgf("registered with event-loop %s as %s, unknown MAAS version",
			conn.LoopID(), resp.SystemID)
	}

	if len(resp.EncryptedClusterCertificate) > 0 && !r.store.HasClusterCertificate() {
		if err := r.installCertificate(resp.EncryptedClusterCertificate); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) installCertificate(sealed []byte) error {
	secret, err := r.store.Secret()
	if err != nil {
		return err
	}
	bundle, err := authn.DecryptBundle(secret, sealed)
	if err != nil {
		return fmt.Errorf("failed to decrypt cluster certificate: %w", err)
	}
	if err := r.store.SetClusterCertificate(bundle); err != nil {
		return fmt.Errorf("failed to store cluster certificate: %w", err)
	}
	log.Info().Msg("installed cluster certificate bundle")
	return nil
}

func localInterfaces() map[string]rpc.Interface {
	result := make(map[string]rpc.Interface)
	ifaces, err := net.Interfaces()
	if err != nil {
		log.Warn().Err(err).Msg("failed to enumerate local interfaces")
		return result
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		var links []string
		if addrs, err := iface.Addrs(); err == nil {
			for _, addr := range addrs {
				links = append(links, addr.String())
			}
		}
		result[iface.Name] = rpc.Interface{
			Type:       "physical",
			MACAddress: iface.HardwareAddr.String(),
			Links:      links,
			Enabled:    iface.Flags&net.FlagUp != 0,
		}
	}
	return result
}
