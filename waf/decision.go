package waf

import "time"

// Action is the verdict kind of a Decision.
type Action int

const (
	ActionAllow Action = iota
	ActionThrottle
	ActionBlocked
	ActionRejected
)

func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "allow"
	case ActionThrottle:
		return "throttle"
	case ActionBlocked:
		return "blocked"
	case ActionRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Reason codes carried by non-ALLOW decisions. Blocked decisions carry
// the block list entry's own reason instead.
const (
	ReasonLoginAttempts    = "login_attempts_exceeded"
	ReasonRateLimitMinute  = "rate_limit_minute"
	ReasonRateLimitHour    = "rate_limit_hour"
	ReasonAttackPrefix     = "attack_signature:"
	ReasonBodyTooLarge     = "body_too_large"
	ReasonMalformedRequest = "malformed_request"
	ReasonMalformedJSON    = "malformed_json"
)

// Decision is the outcome of evaluating one request. The host maps it to a
// wire response.
type Decision struct {
	Action     Action
	Reason     string
	RetryAfter time.Duration

	// Stage names the stage that produced a non-ALLOW decision.
	Stage string
}

func Allow() Decision { return Decision{Action: ActionAllow} }

// Throttle never carries less than one second of wait.
func Throttle(retryAfter time.Duration, reason string) Decision {
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return Decision{Action: ActionThrottle, Reason: reason, RetryAfter: retryAfter}
}

func Blocked(reason string) Decision {
	return Decision{Action: ActionBlocked, Reason: reason}
}

func Rejected(reason string) Decision {
	return Decision{Action: ActionRejected, Reason: reason}
}

// Allowed reports whether the request may proceed.
func (d Decision) Allowed() bool { return d.Action == ActionAllow }

// RetryAfterSeconds rounds RetryAfter up to whole seconds.
func (d Decision) RetryAfterSeconds() int {
	if d.RetryAfter <= 0 {
		return 0
	}
	return int((d.RetryAfter + time.Second - 1) / time.Second)
}
