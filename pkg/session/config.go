package session

import "time"

// RefreshMethod names which in-dialog method a session-timer refresher uses.
type RefreshMethod string

const (
	RefreshMethodInvite RefreshMethod = "INVITE"
	RefreshMethodUpdate RefreshMethod = "UPDATE"
)

// SessionTimerConfig configures RFC 4028 session timers, matching the
// shape of Session's *session_timers* attribute (§3) and the negotiation
// rules of §4.4.
type SessionTimerConfig struct {
	Enabled             bool
	RefreshMethod       RefreshMethod
	MinSessionExpires   time.Duration
	DefaultExpires      time.Duration
}

func DefaultSessionTimerConfig() SessionTimerConfig {
	return SessionTimerConfig{
		Enabled:           true,
		RefreshMethod:     RefreshMethodInvite,
		MinSessionExpires: DefaultMinSessionExpires,
		DefaultExpires:    DefaultSessionExpires,
	}
}

// DTMFConfig holds the defaults §6's "DTMF defaults" configuration item
// refers to, consumed by sendDTMF (§4.1).
type DTMFConfig struct {
	DefaultDuration time.Duration
	MinDuration     time.Duration
	MaxDuration     time.Duration
	MinInterToneGap time.Duration
	CommaPause      time.Duration
}

func DefaultDTMFConfig() DTMFConfig {
	return DTMFConfig{
		DefaultDuration: 100 * time.Millisecond,
		MinDuration:     70 * time.Millisecond,
		MaxDuration:     6 * time.Second,
		MinInterToneGap: 50 * time.Millisecond,
		CommaPause:      2000 * time.Millisecond,
	}
}

// Credentials holds the digest-auth identity used to answer a 401/407
// challenge on an outgoing INVITE (§6.1).
type Credentials struct {
	Username string
	Password string
	Realm    string // optional override; otherwise taken from the challenge
}

// Config is the UA-level configuration consumed by a Session/Manager,
// matching the shape of the teacher's uacuas.go Config and stack.go
// StackConfig structs.
type Config struct {
	Contact     string
	DisplayName string
	UserAgent   string

	SessionTimers SessionTimerConfig
	DTMF          DTMFConfig

	// Credentials, if set, enables the single automatic digest retry of
	// §6.1 on a 401/407 final response to an outgoing INVITE.
	Credentials *Credentials

	// Anonymous is not read by Session or Manager: From anonymization
	// (§3 *anonymous*) is chosen per call through ConnectOptions.Anonymous.
	Anonymous bool

	// NoAnswerTimeout, when non-zero, is the default bound on how long an
	// outgoing INVITE may wait for a final response before the session
	// cancels the call; a non-zero ConnectOptions.NoAnswerTimeout takes
	// precedence.
	NoAnswerTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		UserAgent:     "sipsession",
		SessionTimers: DefaultSessionTimerConfig(),
		DTMF:          DefaultDTMFConfig(),
	}
}
