// Package pod defines the contract to the hypervisor/pod drivers used
// for pod discovery, composition and decomposition.
package pod

import (
	"context"

	"github.com/metalstack/rackd/pkg/drivers"
)

type Driver interface {
	DiscoverProjects(ctx context.Context, podContext map[string]any) ([]string, error)
	Discover(ctx context.Context, podContext map[string]any, podID int64, name string) (map[string]any, error)
	SendCommissioningResults(ctx context.Context, podID int64, name string, results map[string]any) error
	// Compose allocates a machine from the pod; it returns the machine
	// description and updated capacity hints.
	Compose(ctx context.Context, podContext, request map[string]any, podID int64, name string) (machine, hints map[string]any, err error)
	Decompose(ctx context.Context, podContext map[string]any, podID int64, name string) (hints map[string]any, err error)
}

type Registry = drivers.Registry[Driver]

func NewRegistry() *Registry { return drivers.NewRegistry[Driver]() }
