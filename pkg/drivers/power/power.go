// Package power defines the contract to the BMC power-control drivers.
// The transport only validates and delegates; driver behavior is an
// external collaborator's concern.
package power

import (
	"context"

	"github.com/metalstack/rackd/pkg/drivers"
)

// Schema describes one power type to the region.
type Schema struct {
	Name        string
	Description string
	Fields      []string
}

type Driver interface {
	// Query returns the current power state ("on", "off", "error", ...).
	Query(ctx context.Context, systemID, hostname string, powerContext map[string]any) (string, error)
	// SetBootOrder reorders boot devices on the machine's BMC.
	SetBootOrder(ctx context.Context, systemID, hostname string, powerContext map[string]any, order []string) error
	Schema() Schema
}

type Registry = drivers.Registry[Driver]

func NewRegistry() *Registry { return drivers.NewRegistry[Driver]() }
