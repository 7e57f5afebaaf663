// Package status defines the composite status value every stage of a TSP
// session returns: a pipeline stage in the upper 16 bits and an outcome in
// the lower 16 bits.
package status

import "fmt"

// Context identifies the pipeline stage that produced a status.
type Context uint16

// Number identifies the outcome of a stage.
type Number uint16

// Status is (Context << 16) | Number.
type Status uint32

const (
	CtxUnspecified Context = iota
	CtxCfgValidation
	CtxNetworkInit
	CtxNetworkConnect
	CtxTspCapabilities
	CtxTspAuthentication
	CtxTspTunNegotiation
	CtxTunInterfaceSetup
	CtxTunnelLoop
	CtxTeardown
)

const (
	Success Number = iota
	NetworkInitFailed
	MemoryStarvation
	InvalidCfgFile
	InvalidServerAddress
	InvalidClientAddress
	FailLogInit
	FailLastServer
	FailResolveAddress
	FailSocketConnect
	SocketIO
	InvalidTspVersion
	TspServerTooBusy
	TspGenericError
	ErrBrokerRedirection
	TunModeNotAvailable
	AuthenticationFailure
	NoCommonAuthentication
	InterfaceSetupFailed
	BadTunnelParam
	KeepaliveError
	KeepaliveTimeout
	TunLeaseExpired
	TunnelIO
	HAccessInit
	HAccessSetup
	HAccessExposeDevices
)

// EventBrokerRedirection is not a failure: the broker asked us to retry
// against one of the brokers it listed.
const EventBrokerRedirection Number = 0xE001

// OK is the initial status of every stage.
const OK Status = 0

var contextNames = [...]string{
	CtxUnspecified:       "unspecified",
	CtxCfgValidation:     "configuration validation",
	CtxNetworkInit:       "network initialization",
	CtxNetworkConnect:    "network connection",
	CtxTspCapabilities:   "TSP capabilities",
	CtxTspAuthentication: "TSP authentication",
	CtxTspTunNegotiation: "TSP tunnel negotiation",
	CtxTunInterfaceSetup: "tunnel interface setup",
	CtxTunnelLoop:        "tunnel loop",
	CtxTeardown:          "teardown",
}

var numberNames = [...]string{
	Success:                "success",
	NetworkInitFailed:      "network initialization failed",
	MemoryStarvation:       "memory starvation",
	InvalidCfgFile:         "invalid configuration",
	InvalidServerAddress:   "invalid server address",
	InvalidClientAddress:   "invalid client address",
	FailLogInit:            "log initialization failed",
	FailLastServer:         "last server file error",
	FailResolveAddress:     "address resolution failed",
	FailSocketConnect:      "socket connect failed",
	SocketIO:               "socket I/O error",
	InvalidTspVersion:      "unsupported TSP version",
	TspServerTooBusy:       "server too busy",
	TspGenericError:        "TSP protocol error",
	ErrBrokerRedirection:   "broker redirection error",
	TunModeNotAvailable:    "tunnel mode not available",
	AuthenticationFailure:  "authentication failure",
	NoCommonAuthentication: "no common authentication",
	InterfaceSetupFailed:   "interface setup failed",
	BadTunnelParam:         "bad tunnel parameter",
	KeepaliveError:         "keepalive error",
	KeepaliveTimeout:       "keepalive timeout",
	TunLeaseExpired:        "tunnel lease expired",
	TunnelIO:               "tunnel I/O error",
	HAccessInit:            "haccess initialization failed",
	HAccessSetup:           "haccess setup failed",
	HAccessExposeDevices:   "haccess device exposure failed",
}

// Make composes a status from a stage and an outcome.
func Make(ctx Context, num Number) Status {
	return Status(uint32(ctx)<<16 | uint32(num))
}

func (s Status) Context() Context { return Context(uint32(s) >> 16) }

func (s Status) Number() Number { return Number(uint32(s) & 0xFFFF) }

// Success reports whether the outcome is SUCCESS, whatever the stage.
func (s Status) Success() bool { return s.Number() == Success }

// Is reports whether s carries outcome n.
func (s Status) Is(n Number) bool { return s.Number() == n }

func (s Status) String() string {
	return fmt.Sprintf("%s: %s (%d)", s.Context(), s.Number(), s.Number())
}

func (s Status) Error() string { return s.String() }

func (c Context) String() string {
	if int(c) < len(contextNames) {
		return contextNames[c]
	}
	return fmt.Sprintf("context(%d)", uint16(c))
}

func (n Number) String() string {
	if n == EventBrokerRedirection {
		return "broker redirection event"
	}
	if int(n) < len(numberNames) {
		return numberNames[n]
	}
	return fmt.Sprintf("status(%d)", uint16(n))
}
