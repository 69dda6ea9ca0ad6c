package config

import (
	"time"

	webrtc "github.com/pion/webrtc/v3"

	"github.com/typolo/callsync/pkg/session"
)

// configuration for the callsync engine
type Config struct {

	// How often the reconciliation loop polls the session record for changes.
	// The original client polled every 2 seconds; candidates and answers are
	// only ever seen this fast, so lowering it shortens call setup.
	// Default: 2000
	PollIntervalMs int

	// How long a call this user placed may stay in ringing before the engine
	// ends it as unanswered.
	// Default: 45
	RingTimeoutSec int

	// How long a session that reached ended/rejected stays visible to polls,
	// so the other side's last poll cycle can still observe the terminal
	// status. Must cover at least two poll intervals.
	// Default: 10
	GracePeriodSec int

	// Hard ceiling on session lifetime regardless of status. Sessions older
	// than this stop being returned by the store and are cleaned up.
	// Default: 21600 (6 hours)
	MaxSessionAgeSec int

	// Cap on each role's connectivity candidate sequence. Appends past the
	// cap fail; the call proceeds best-effort on already-exchanged data.
	// Default: 64
	MaxCandidatesPerRole int

	// Address of the redis server backing the shared session record
	// (host:port). Leave empty to use the in-process memory store (single
	// process setups, tests, the loopback example).
	// Default: ""
	RedisAddr string

	// Configuration passed to the pion RTCPeerConnection. Contains any custom
	// ICE/TURN server setup. Defaults to google's public STUN server with
	// unified-plan semantics.
	RTCConfig webrtc.Configuration

	// LogLevel: The log verbosity to use. Must be one of: critical, error, warn, info, debug. (debug is most verbose)
	// Default: "info"
	LogLevel string

	// IncludeBlobsInLogs: If true, description and candidate payloads are
	// included in debug logs, careful with using this in production.
	// Default: false
	IncludeBlobsInLogs bool
}

func GetDefaultConfig() Config {
	return Config{
		PollIntervalMs:       2000,
		RingTimeoutSec:       45,
		GracePeriodSec:       10,
		MaxSessionAgeSec:     21600,
		MaxCandidatesPerRole: 64,
		RedisAddr:            "",
		RTCConfig: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{
				{
					URLs: []string{"stun:stun.l.google.com:19302"},
				},
			},
			SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
		},
		LogLevel:           "info",
		IncludeBlobsInLogs: false,
	}
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c Config) RingTimeout() time.Duration {
	return time.Duration(c.RingTimeoutSec) * time.Second
}

// StoreLimits maps the configured bounds onto the session store's limits.
func (c Config) StoreLimits() session.Limits {
	return session.Limits{
		GracePeriod:          time.Duration(c.GracePeriodSec) * time.Second,
		MaxSessionAge:        time.Duration(c.MaxSessionAgeSec) * time.Second,
		MaxCandidatesPerRole: c.MaxCandidatesPerRole,
	}
}
