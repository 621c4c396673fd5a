package rpc

import (
	"errors"
	"fmt"
)

var (
	// ErrNoConnectionsAvailable is the only pool condition callers of
	// GetClient/GetClientNow ever see; they are expected to retry.
	ErrNoConnectionsAvailable = errors.New("rpc: no connections available")

	ErrConnClosed       = errors.New("rpc: connection closed")
	ErrFrameTooLarge    = errors.New("rpc: frame exceeds size limit")
	ErrUnknownProcedure = errors.New("rpc: unknown procedure")
	ErrAuthFailed       = errors.New("rpc: authentication digest mismatch")
	ErrRegisterRejected = errors.New("rpc: registration rejected by region")
	ErrScanInProgress   = errors.New("rpc: network scan already in progress")
	ErrServiceDisabled  = errors.New("rpc: service disabled by region")
)

// RemoteError is a failure the peer reported for one procedure call,
// as opposed to a local transport or encoding failure.
type RemoteError struct {
	Proc string
	Msg  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: remote error: %s", e.Proc, e.Msg)
}
