package chainrpc

import (
	"errors"
	"fmt"
)

// Package errors.
var (
	// ErrUnavailable is returned for any transport failure, non-2xx HTTP
	// response, or malformed JSON body from a chain RPC endpoint. Callers
	// recover by advancing the rotor and trying the next endpoint.
	ErrUnavailable = errors.New("rpc endpoint unavailable")

	// ErrNoEndpoints is returned when the rotor is constructed with an
	// empty endpoint list.
	ErrNoEndpoints = errors.New("no rpc endpoints configured")

	// ErrMissingBaseFee is returned when a block carries no baseFeePerGas
	// field. The historical fetcher skips such blocks silently.
	ErrMissingBaseFee = errors.New("block has no base fee")
)

// RPCError is a JSON-RPC 2.0 error object returned by an endpoint that is
// itself reachable. It is deliberately not classified as unavailable: the
// endpoint answered, the request was the problem.
type RPCError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// IsUnavailable reports whether err indicates the endpoint could not be
// reached or answered garbage, i.e. the rotor should advance.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
