package client

import (
	"fmt"

	"gogoc-tsp/internal/status"
)

// Action is what the reconnect loop does after a session ends.
type Action int

const (
	// Stop ends the loop with the session status.
	Stop Action = iota
	// Abort ends the loop: the configuration cannot work against this broker.
	Abort
	// RetryNow starts the next attempt without waiting.
	RetryNow
	// RetryAfterBackoff waits for the backoff delay before the next attempt.
	RetryAfterBackoff
	// FallbackVersion retries with the next older protocol version.
	FallbackVersion
	// FailoverBroker moves from the original server to the broker list file,
	// or along the broker list.
	FailoverBroker
	// SwitchBroker starts over with the first broker of a redirect list.
	SwitchBroker
)

func (a Action) String() string {
	switch a {
	case Stop:
		return "stop"
	case Abort:
		return "abort"
	case RetryNow:
		return "retry now"
	case RetryAfterBackoff:
		return "retry after backoff"
	case FallbackVersion:
		return "fallback version"
	case FailoverBroker:
		return "failover broker"
	case SwitchBroker:
		return "switch broker"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Facts is the loop state the policy depends on.
type Facts struct {
	AutoRetry bool
	BootMode  bool
	// QuickCycle is set while the attempt used the first transport of a
	// mode that has a second one to try.
	QuickCycle bool
	// PinnedLastServer is set when always_use_same_server loaded a server.
	PinnedLastServer bool
}

// Decision is the outcome of Policy.
type Decision struct {
	Action Action
	// ResetRetries clears the consecutive retry counter.
	ResetRetries bool
	// ForceWait restarts the backoff at the base delay and makes the next
	// wait non-zero.
	ForceWait bool
	// AdvanceCycle moves to the next transport of the cycle table.
	AdvanceCycle bool
}

// Policy maps the status number a session ended with to the next action.
// It has no side effects.
func Policy(n status.Number, f Facts) Decision {
	switch n {
	case status.Success:
		return Decision{Action: Stop}

	case status.KeepaliveTimeout:
		if !f.AutoRetry {
			return Decision{Action: Stop, ResetRetries: true}
		}
		return Decision{Action: RetryAfterBackoff, ResetRetries: true}

	case status.TunLeaseExpired:
		return Decision{Action: RetryNow}

	case status.InvalidTspVersion:
		return Decision{Action: FallbackVersion}

	case status.SocketIO:
		if f.QuickCycle {
			return Decision{Action: RetryNow, ResetRetries: true}
		}
		return Decision{Action: RetryAfterBackoff, ResetRetries: true}

	case status.TspServerTooBusy:
		return Decision{Action: RetryAfterBackoff, ForceWait: true}

	case status.FailSocketConnect:
		switch {
		case f.BootMode:
			return Decision{Action: Abort}
		case f.QuickCycle:
			return Decision{Action: RetryNow, AdvanceCycle: true}
		case f.PinnedLastServer:
			return Decision{Action: RetryAfterBackoff, AdvanceCycle: true}
		}
		return Decision{Action: FailoverBroker, ForceWait: true}

	case status.EventBrokerRedirection:
		return Decision{Action: SwitchBroker}

	case status.ErrBrokerRedirection, status.KeepaliveError, status.TunnelIO:
		return Decision{Action: RetryAfterBackoff, ResetRetries: true}
	}
	return Decision{Action: Abort}
}
