package rpc

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"

	"github.com/metalstack/rackd/internal/authn"
	"github.com/metalstack/rackd/internal/identity"
	"github.com/metalstack/rackd/pkg/drivers/chassis"
	"github.com/metalstack/rackd/pkg/drivers/pod"
	"github.com/metalstack/rackd/pkg/drivers/power"
	"github.com/metalstack/rackd/pkg/drivers/scan"
)

// IPChecker reports which of a set of IP addresses are observed in use
// on the rack's networks.
type IPChecker interface {
	CheckIPs(ctx context.Context, ips []string) ([]IPResult, error)
}

// Handlers is the catalogue of procedures this rack answers on any
// ready connection. Every handler validates arguments and delegates;
// none of them implement domain logic.
type Handlers struct {
	Ident    string
	Identity *identity.Store
	Power    *power.Registry
	Pods     *pod.Registry
	Chassis  *chassis.Registry
	Scanner  scan.Runner
	IPs      IPChecker
	// Shutdown stops the whole service; wired by cmd/rackd.
	Shutdown func()

	scanBusy atomic.Bool
}

func (h *Handlers) Dispatch(ctx context.Context, conn *Conn, proc string, body cbor.RawMessage) (any, error) {
	switch proc {
	case ProcIdentify:
		ident := h.Identity.SystemID()
		if ident == "" {
			ident = h.Ident
		}
		return IdentifyResponse{Ident: ident}, nil

	case ProcPing:
		return nil, nil

	case ProcAuthenticate:
		req, err := decode[AuthenticateRequest](body)
		if err != nil {
			return nil, err
		}
		secret, err := h.Identity.Secret()
		if err != nil {
			return nil, err
		}
		digest, salt, err := authn.Respond(secret, req.Message)
		if err != nil {
			return nil, err
		}
		return AuthenticateResponse{Digest: digest, Salt: salt}, nil

	case ProcDescribePowerTypes:
		return h.describePowerTypes()

	case ProcPowerQuery:
		return h.powerQuery(ctx, body)

	case ProcSetBootOrder:
		return h.setBootOrder(ctx, body)

	case ProcScanNetworks:
		return h.scanNetworks(body)

	case ProcAddChassis:
		return h.addChassis(body)

	case ProcDiscoverPodProjects:
		req, err := decode[PodRequest](body)
		if err != nil {
			return nil, err
		}
		driver, err := h.Pods.Get(req.Type)
		if err != nil {
			return nil, err
		}
		projects, err := driver.DiscoverProjects(ctx, req.Context)
		if err != nil {
			return nil, err
		}
		return DiscoverPodProjectsResponse{Projects: projects}, nil

	case ProcDiscoverPod:
		req, err := decode[PodRequest](body)
		if err != nil {
			return nil, err
		}
		driver, err := h.Pods.Get(req.Type)
		if err != nil {
			return nil, err
		}
		discovered, err := driver.Discover(ctx, req.Context, req.PodID, req.Name)
		if err != nil {
			return nil, err
		}
		return DiscoverPodResponse{Pod: discovered}, nil

	case ProcSendPodCommissioningResults:
		return h.sendPodCommissioningResults(ctx, body)

	case ProcComposeMachine:
		req, err := decode[ComposeMachineRequest](body)
		if err != nil {
			return nil, err
		}
		driver, err := h.Pods.Get(req.Type)
		if err != nil {
			return nil, err
		}
		machine, hints, err := driver.Compose(ctx, req.Context, req.Request, req.PodID, req.Name)
		if err != nil {
			return nil, err
		}
		return ComposeMachineResponse{Machine: machine, Hints: hints}, nil

	case ProcDecomposeMachine:
		req, err := decode[PodRequest](body)
		if err != nil {
			return nil, err
		}
		driver, err := h.Pods.Get(req.Type)
		if err != nil {
			return nil, err
		}
		hints, err := driver.Decompose(ctx, req.Context, req.PodID, req.Name)
		if err != nil {
			return nil, err
		}
		return DecomposeMachineResponse{Hints: hints}, nil

	case ProcCheckIPs:
		req, err := decode[CheckIPsRequest](body)
		if err != nil {
			return nil, err
		}
		results, err := h.IPs.CheckIPs(ctx, req.IPAddresses)
		if err != nil {
			return nil, err
		}
		return CheckIPsResponse{IPAddresses: results}, nil

	case ProcDisableAndShutoffRackd:
		log.Info().Msgf("region %s asked to disable and shut off this rack", conn.RemoteAddr())
		if err := h.Identity.InvalidateSecret(); err != nil {
			return nil, err
		}
		if h.Shutdown != nil {
			go h.Shutdown()
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProcedure, proc)
	}
}

func (h *Handlers) describePowerTypes() (any, error) {
	schemas := make([]PowerTypeSchema, 0)
	for _, name := range h.Power.Names() {
		driver, err := h.Power.Get(name)
		if err != nil {
			continue
		}
		schema := driver.Schema()
		schemas = append(schemas, PowerTypeSchema{
			Name:        schema.Name,
			Description: schema.Description,
			Fields:      schema.Fields,
		})
	}
	return DescribePowerTypesResponse{PowerTypes: schemas}, nil
}

func (h *Handlers) powerQuery(ctx context.Context, body cbor.RawMessage) (any, error) {
	req, err := decode[PowerQueryRequest](body)
	if err != nil {
		return nil, err
	}
	driver, err := h.Power.Get(req.PowerType)
	if err != nil {
		return nil, err
	}
	state, err := driver.Query(ctx, req.SystemID, req.Hostname, req.Context)
	if err != nil {
		// A failed query is an answer, not a transport failure.
		return PowerQueryResponse{State: "error", ErrorMsg: err.Error()}, nil
	}
	return PowerQueryResponse{State: state}, nil
}

func (h *Handlers) setBootOrder(ctx context.Context, body cbor.RawMessage) (any, error) {
	req, err := decode[SetBootOrderRequest](body)
	if err != nil {
		return nil, err
	}
	driver, err := h.Power.Get(req.PowerType)
	if err != nil {
		return nil, err
	}
	if err := driver.SetBootOrder(ctx, req.SystemID, req.Hostname, req.Context, req.Order); err != nil {
		return nil, fmt.Errorf("failed to set boot order for %s: %w", req.SystemID, err)
	}
	return nil, nil
}

// scanNetworks rejects a scan while one is running instead of queuing
// a second subprocess behind it.
func (h *Handlers) scanNetworks(body cbor.RawMessage) (any, error) {
	req, err := decode[ScanNetworksRequest](body)
	if err != nil {
		return nil, err
	}
	if !h.scanBusy.CompareAndSwap(false, true) {
		return nil, ErrScanInProgress
	}
	go func() {
		defer h.scanBusy.Store(false)
		err := h.Scanner.Run(context.Background(), scan.Params{
			ScanAll:   req.ScanAll,
			CIDRs:     req.CIDRs,
			Interface: req.Interface,
			ForcePing: req.ForcePing,
			Slow:      req.Slow,
			Threads:   req.Threads,
		})
		if err != nil {
			log.Error().Err(err).Msg("network scan failed")
		}
	}()
	return nil, nil
}

// addChassis runs the probe in the background; probe failures are
// logged and never propagated back to the region.
func (h *Handlers) addChassis(body cbor.RawMessage) (any, error) {
	req, err := decode[AddChassisRequest](body)
	if err != nil {
		return nil, err
	}
	prober, err := h.Chassis.Get(req.ChassisType)
	if err != nil {
		return nil, err
	}
	go func() {
		err := prober.Probe(context.Background(), chassis.ProbeRequest{
			User:     req.User,
			Hostname: req.Hostname,
			Username: req.Username,
			Password: req.Password,
			Context:  req.Context,
		})
		if err != nil {
			log.Error().Err(err).Msgf("chassis probe %q on %s failed", req.ChassisType, req.Hostname)
		}
	}()
	return nil, nil
}

func (h *Handlers) sendPodCommissioningResults(ctx context.Context, body cbor.RawMessage) (any, error) {
	req, err := decode[PodCommissioningResultsRequest](body)
	if err != nil {
		return nil, err
	}
	// pod type travels inside the results context for this procedure
	podType, _ := req.Results["type"].(string)
	driver, err := h.Pods.Get(podType)
	if err != nil {
		return nil, err
	}
	if err := driver.SendCommissioningResults(ctx, req.PodID, req.Name, req.Results); err != nil {
		return nil, fmt.Errorf("failed to send commissioning results for pod %d: %w", req.PodID, err)
	}
	return nil, nil
}

func decode[T any](body cbor.RawMessage) (*T, error) {
	req := new(T)
	if len(body) == 0 {
		return req, nil
	}
	if err := cbor.Unmarshal(body, req); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	return req, nil
}
