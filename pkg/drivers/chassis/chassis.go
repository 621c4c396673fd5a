// Package chassis defines the hardware-specific probe routines used
// when a region asks the rack to enlist a whole chassis.
package chassis

import (
	"context"

	"github.com/metalstack/rackd/pkg/drivers"
)

type ProbeRequest struct {
	User     string
	Hostname string
	Username string
	Password string
	Context  map[string]any
}

// Prober enumerates the machines in one chassis and enlists them.
// Failures are logged by the caller, never propagated to the region.
type Prober interface {
	Probe(ctx context.Context, req ProbeRequest) error
}

type Registry = drivers.Registry[Prober]

func NewRegistry() *Registry { return drivers.NewRegistry[Prober]() }
