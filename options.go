package milter

import (
	"time"
)

// NegotiationCallbackFunc is the signature of a [WithNegotiationCallback] function.
// With this callback function you can override the negotiation process.
type NegotiationCallbackFunc func(mtaVersion, milterVersion uint32, mtaActions, milterActions OptAction, mtaProtocol, milterProtocol OptProtocol, offeredDataSize DataSize) (version uint32, actions OptAction, protocol OptProtocol, maxDataSize DataSize, err error)

type options struct {
	maxVersion                  uint32
	actions                     OptAction
	protocol                    OptProtocol
	readTimeout, writeTimeout   time.Duration
	negotiationTimeout          time.Duration
	offeredMaxData, usedMaxData DataSize
	negotiationCallback         NegotiationCallbackFunc

	// spamHeader is the header name C7 uses for the "add spam marker" action
	// (spec.md §6.3 spam_header). Defaults to "X-Spam".
	spamHeader string
	// discardOnReject is the static default for the session-level
	// discard_on_reject flag (spec.md §6.3); a verdict's milter.reject =
	// "discard" overrides this per-message (SPEC_FULL.md §9.3).
	discardOnReject bool
}

func defaultOptions() *options {
	return &options{
		maxVersion:   MaxServerProtocolVersion,
		actions:      ActionsMask,
		protocol:     OptNoReplies,
		readTimeout:  10 * time.Second,
		writeTimeout: 10 * time.Second,
		usedMaxData:  DataSize64K,
		spamHeader:   "X-Spam",
	}
}

// Option can be used to configure a [Server].
type Option func(*options)

// WithAction adds action to the actions your MTA supports or your host needs. You need to specify this since this library cannot
// guess what your MTA can handle or your milter needs.
// 0 is a valid value when your MTA does not support any message modification (only rejection) or your milter does not need any message modifications.
func WithAction(action OptAction) Option {
	return func(h *options) {
		h.actions = h.actions | action
	}
}

// WithoutAction removes action from the list of actions this MTA supports/host needs.
func WithoutAction(action OptAction) Option {
	return func(h *options) {
		h.actions = h.actions & ^action
	}
}

// WithActions sets the actions your MTA supports or your host needs.
func WithActions(actions OptAction) Option {
	return func(h *options) {
		h.actions = actions
	}
}

// WithProtocol adds protocol to the protocol features your MTA should be able to handle or your host needs.
func WithProtocol(protocol OptProtocol) Option {
	return func(h *options) {
		h.protocol = h.protocol | protocol
	}
}

// WithoutProtocol removes protocol from the list of protocol features this MTA supports/host requests.
func WithoutProtocol(protocol OptProtocol) Option {
	return func(h *options) {
		h.protocol = h.protocol & ^protocol
	}
}

// WithProtocols sets the protocol features your MTA should be able to handle or your host needs.
func WithProtocols(protocol OptProtocol) Option {
	return func(h *options) {
		h.protocol = protocol
	}
}

// WithMaximumVersion sets the maximum milter version your MTA or milter filter accepts.
func WithMaximumVersion(version uint32) Option {
	return func(h *options) {
		h.maxVersion = version
	}
}

// WithReadTimeout sets the read-timeout for all read operations of this [Server].
func WithReadTimeout(timeout time.Duration) Option {
	return func(h *options) {
		h.readTimeout = timeout
	}
}

// WithWriteTimeout sets the write-timeout for all write operations of this [Server].
func WithWriteTimeout(timeout time.Duration) Option {
	return func(h *options) {
		h.writeTimeout = timeout
	}
}

// WithNegotiationTimeout bounds how long the [Server] waits for OPTNEG
// before failing the session with a [TimeoutError] and closing the
// connection. Zero means the read timeout applies instead.
func WithNegotiationTimeout(timeout time.Duration) Option {
	return func(h *options) {
		h.negotiationTimeout = timeout
	}
}

// WithOfferedMaxData sets the [DataSize] that your MTA wants to offer to milters.
//
// This is a client-side (MTA) option: [NewServer] panics when it is set.
func WithOfferedMaxData(offeredMaxData DataSize) Option {
	return func(h *options) {
		h.offeredMaxData = offeredMaxData
	}
}

// WithUsedMaxData sets the [DataSize] that your MTA or milter uses to send packages to the other party.
func WithUsedMaxData(usedMaxData DataSize) Option {
	return func(h *options) {
		h.usedMaxData = usedMaxData
	}
}

// WithSpamHeader sets the header name C7 uses when a verdict's action is
// ADD_HEADER (spec.md §6.3 spam_header). Default "X-Spam".
func WithSpamHeader(name string) Option {
	return func(h *options) {
		h.spamHeader = name
	}
}

// WithDiscardOnReject sets the static default for whether a REJECT verdict
// is translated into SMFIR_DISCARD instead of SMFIR_REJECT (spec.md §6.3).
// A verdict can still override this per-message.
func WithDiscardOnReject(discard bool) Option {
	return func(h *options) {
		h.discardOnReject = discard
	}
}

// WithNegotiationCallback is an expert [Option] with which you can overwrite the negotiation process.
//
// This is a [Server] only [Option].
func WithNegotiationCallback(negotiationCallback NegotiationCallbackFunc) Option {
	return func(h *options) {
		h.negotiationCallback = negotiationCallback
	}
}
