package callsync

import (
	"context"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/typolo/callsync/pkg/config"
	"github.com/typolo/callsync/pkg/session"
)

// Identity describes the local user the engine signs its sessions with.
type Identity struct {
	UserID      string
	DisplayName string
	AvatarURL   string
}

// CallSync is one user's call engine: it coordinates calls with remote
// peers through a shared, polled session record instead of a push channel.
// Construct with NewCallSync, then Start, then place/accept calls and read
// the event stream.
type CallSync struct {
	// Log: The logrus logger used for all engine logs
	Log *log.Entry
	// Ctrl: the call controller; valid after Start
	Ctrl *CallCtrl

	// Store: the session record to coordinate through. Left nil, Start
	// builds one from the config (redis if RedisAddr is set, otherwise an
	// in-process memory store).
	Store session.Store
	// NewNegotiator: factory for per-call negotiation contexts. Left nil,
	// Start uses the pion/mediadevices implementation.
	NewNegotiator NegotiatorFactory

	config   config.Config
	identity Identity
	rdb      *redis.Client
}

func NewCallSync(configOptions config.Config, identity Identity) *CallSync {

	// Set up the logrus logger
	var lo *log.Entry = log.WithField("|", "callsync")
	level, err := config.StringToLogLevel(configOptions.LogLevel)
	if err != nil {
		lo.Warn(err)
	}
	lo.Logger.SetLevel(level)

	return &CallSync{
		Log:      lo,
		config:   configOptions,
		identity: identity,
	}
}

// Start wires the store and controller and launches the reconciliation
// loop. Non-blocking; the loop runs until Stop.
func (cs *CallSync) Start(ctx context.Context) error {
	if cs.Store == nil {
		if cs.config.RedisAddr != "" {
			rdb, err := session.OpenRedis(ctx, cs.config.RedisAddr)
			if err != nil {
				return err
			}
			cs.rdb = rdb
			cs.Store = session.NewRedisStore(rdb, cs.config.StoreLimits())
			cs.Log.Info("Using redis session store at ", cs.config.RedisAddr)
		} else {
			cs.Store = session.NewMemoryStore(cs.config.StoreLimits())
			cs.Log.Info("Using in-process session store")
		}
	}
	if cs.NewNegotiator == nil {
		cs.NewNegotiator = PionNegotiatorFactory(NewMediaDevicesWrapper(), cs.config.RTCConfig, cs.Log)
	}

	cs.Ctrl = NewCallCtrl(cs.identity.UserID, cs.config, cs.Store, cs.NewNegotiator, cs.Log)
	cs.Ctrl.SetDisplayIdentity(cs.identity.DisplayName, cs.identity.AvatarURL)
	go cs.Ctrl.StartReconcileLoop()
	return nil
}

// Stop ends every open call, stops the reconcile loop and closes the event
// stream (non-blocking for callers of the public API, but media handles are
// released before it returns).
func (cs *CallSync) Stop() {
	if cs.Ctrl != nil {
		cs.Ctrl.Stop()
	}
	if cs.rdb != nil {
		_ = cs.rdb.Close()
	}
}

// StartCall places a call to receiverID and returns its call id.
func (cs *CallSync) StartCall(ctx context.Context, receiverID string, kind MediaKind) (string, error) {
	return cs.Ctrl.StartCall(ctx, receiverID, kind)
}

// AcceptCall answers a ringing incoming call surfaced by the event stream.
func (cs *CallSync) AcceptCall(ctx context.Context, callID string) error {
	return cs.Ctrl.AcceptCall(ctx, callID)
}

// RejectCall declines a ringing incoming call.
func (cs *CallSync) RejectCall(ctx context.Context, callID string) error {
	return cs.Ctrl.RejectCall(ctx, callID)
}

// EndCall hangs up an active or ringing call.
func (cs *CallSync) EndCall(ctx context.Context, callID string) error {
	return cs.Ctrl.EndCall(ctx, callID)
}

// GetEventStream subscribes to the engine's events. Call as often as
// needed; each subscription gets every event from then on.
func (cs *CallSync) GetEventStream() <-chan Event {
	return cs.Ctrl.Events().Subscribe()
}
