// Package transports defines the telephony-facing boundaries the relay
// depends on: the inbound media channel and the call-control command.
package transports

import "context"

// MediaSource yields raw inbound media envelopes for one call. Recv returns
// io.EOF once the peer has closed the channel. Close unblocks a pending
// Recv and is idempotent.
type MediaSource interface {
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// CallController terminates a live call on the telephony provider.
type CallController interface {
	Terminate(ctx context.Context, callID string) error
}

// OutboundDialer allows transports to initiate outbound calls.
type OutboundDialer interface {
	Dial(ctx context.Context, to, from, url string) (callSID string, err error)
}

// DialOptions carries optional outbound dial settings.
type DialOptions struct {
	SendDigits     string
	StatusCallback string
	Timeout        int
}

// OutboundDialerWithOptions extends dialing with optional parameters.
type OutboundDialerWithOptions interface {
	DialWithOptions(ctx context.Context, to, from, url string, opts DialOptions) (callSID string, err error)
}

// ReadyReporter exposes readiness metadata such as webhook URLs. Used for
// informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
