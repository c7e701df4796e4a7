package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rpc"
)

var (
	// ErrPoolNotFound is returned when a pool address has no readable state.
	ErrPoolNotFound = errors.New("gateway: pool not found")

	// ErrDegraded rejects submissions while the network is marked degraded.
	ErrDegraded = errors.New("gateway: network degraded")

	// ErrConfirmTimeout is returned when a transaction does not reach its
	// confirmation depth before the context deadline. The caller decides
	// between retry and abandon.
	ErrConfirmTimeout = errors.New("gateway: confirmation timed out")

	// ErrNoEndpoints is returned for a configuration without RPC URLs.
	ErrNoEndpoints = errors.New("gateway: no rpc endpoints configured")
)

// TransientRPCError wraps a transport-level failure. The gateway has already
// failed over exactly once before surfacing it; the call is not retried
// further.
type TransientRPCError struct {
	Network  string
	Endpoint string
	Op       string
	Err      error
}

func (e *TransientRPCError) Error() string {
	return fmt.Sprintf("gateway: transient rpc failure on %s (%s, %s): %v", e.Network, e.Endpoint, e.Op, e.Err)
}

func (e *TransientRPCError) Unwrap() error { return e.Err }

// PermanentRPCError wraps a malformed response. The endpoint that produced
// it is rotated away from and the call fails without retry.
type PermanentRPCError struct {
	Network  string
	Endpoint string
	Op       string
	Err      error
}

func (e *PermanentRPCError) Error() string {
	return fmt.Sprintf("gateway: permanent rpc failure on %s (%s, %s): %v", e.Network, e.Endpoint, e.Op, e.Err)
}

func (e *PermanentRPCError) Unwrap() error { return e.Err }

// CallError wraps a JSON-RPC error object returned by a healthy endpoint,
// typically an eth_call or gas estimation revert. It never triggers
// failover: the endpoint answered, the call itself was rejected.
type CallError struct {
	Network string
	Op      string
	Code    int
	Err     error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("gateway: call rejected on %s (%s, code %d): %v", e.Network, e.Op, e.Code, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// failureClass separates the uniform error policy: server-side JSON-RPC
// errors are call-level, malformed responses are permanent, everything
// unrecognized is transient and triggers a single failover.
type failureClass int

const (
	failureCall failureClass = iota
	failurePermanent
	failureTransient
)

func classify(err error) failureClass {
	var re rpc.Error
	if errors.As(err, &re) {
		return failureCall
	}
	var (
		typeErr   *json.UnmarshalTypeError
		syntaxErr *json.SyntaxError
	)
	if errors.As(err, &typeErr) || errors.As(err, &syntaxErr) {
		return failurePermanent
	}
	if errors.Is(err, context.Canceled) {
		return failureCall
	}
	return failureTransient
}
