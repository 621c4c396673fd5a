// Package scan wraps the external network-scanning subprocess.
package scan

import "context"

type Params struct {
	ScanAll   bool
	CIDRs     []string
	Interface string
	ForcePing bool
	Slow      bool
	Threads   int
}

// Runner launches one scan run and blocks until it finishes. The
// dispatch surface guards it with an advisory lock; concurrent
// requests are rejected, never queued.
type Runner interface {
	Run(ctx context.Context, params Params) error
}
