package chainrpc

import "sync/atomic"

// Rotor selects the active RPC endpoint from a fixed ordered list.
//
// The cursor is a monotonically increasing counter reduced modulo the list
// length. Advance never excludes an endpoint: a fully-down fleet simply
// cycles forever. That is a documented property, not a bug — there is no
// per-endpoint backoff or circuit breaker by design, the caller's fallback
// layer is the backstop.
//
// The counter is atomic so the rotor is safe for concurrent callers.
type Rotor struct {
	urls   []string
	cursor atomic.Uint64
}

// NewRotor creates a rotor over the given endpoint URLs. The list is fixed
// for the life of the process.
func NewRotor(urls []string) (*Rotor, error) {
	if len(urls) == 0 {
		return nil, ErrNoEndpoints
	}
	cp := make([]string, len(urls))
	copy(cp, urls)
	return &Rotor{urls: cp}, nil
}

// Current returns the URL of the active endpoint.
func (r *Rotor) Current() string {
	return r.urls[r.Index()]
}

// Index returns the active endpoint's position in the list.
func (r *Rotor) Index() int {
	return int(r.cursor.Load() % uint64(len(r.urls)))
}

// Advance moves to the next endpoint. Call it only after observing an
// ErrUnavailable failure from the client, never speculatively.
func (r *Rotor) Advance() {
	r.cursor.Add(1)
}

// Len returns the number of configured endpoints.
func (r *Rotor) Len() int {
	return len(r.urls)
}
