// Package app assembles the client components around one event channel.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/immxrtalbeast/teamsync/internal/backoff"
	"github.com/immxrtalbeast/teamsync/internal/boardsync"
	"github.com/immxrtalbeast/teamsync/internal/callsignal"
	"github.com/immxrtalbeast/teamsync/internal/config"
	"github.com/immxrtalbeast/teamsync/internal/eventchannel"
	"github.com/immxrtalbeast/teamsync/internal/externalapi"
	"github.com/immxrtalbeast/teamsync/internal/media"
	"github.com/immxrtalbeast/teamsync/internal/presence"
	"github.com/immxrtalbeast/teamsync/lib/logger/sl"
)

// Options replaces the network and device dependencies of a session.
// Zero fields get the production implementations.
type Options struct {
	Dialer  eventchannel.Dialer
	Devices media.Devices
	Factory media.PeerFactory
	API     boardsync.API
	Canvas  media.Canvas
}

// Session is one signed-in client: a channel and everything built on it.
type Session struct {
	log *slog.Logger

	Channel  *eventchannel.Channel
	Presence *presence.Tracker
	Media    *media.Manager
	Calls    *callsignal.Coordinator
	Boards   *boardsync.Engine
}

func New(cfg *config.ClientConfig, opts Options, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}

	channel := eventchannel.New(eventchannel.Options{
		URL:    cfg.Server.URL,
		Dialer: opts.Dialer,
		Policy: backoff.Policy{
			Initial: cfg.Reconnect.InitialDelay,
			Max:     cfg.Reconnect.MaxDelay,
			Factor:  cfg.Reconnect.Factor,
			Jitter:  cfg.Reconnect.Jitter,
		},
		MaxFailures:       cfg.Reconnect.MaxFailures,
		HeartbeatInterval: cfg.Reconnect.HeartbeatInterval,
		Log:               log,
	})

	devices := opts.Devices
	if devices == nil {
		devices = media.GeneratedDevices{}
	}
	factory := opts.Factory
	if factory == nil {
		factory = media.PionFactory{ICEServers: cfg.WebRTC.STUNServers}
	}
	api := opts.API
	if api == nil {
		api = externalapi.New(cfg.API.URL, cfg.API.Token, cfg.API.Timeout, log)
	}

	manager := media.NewManager(channel, media.Options{
		Devices:         devices,
		Factory:         factory,
		RegisterRetries: cfg.Call.RegisterRetries,
		Canvas:          opts.Canvas,
		Log:             log,
	})

	return &Session{
		log:      log.With(slog.String("component", "session")),
		Channel:  channel,
		Presence: presence.New(channel, log),
		Media:    manager,
		Calls: callsignal.New(channel, manager, callsignal.Config{
			SignalingTimeout: cfg.Call.SignalingTimeout,
			ErrorResetDelay:  cfg.Call.ErrorResetDelay,
		}, log),
		Boards: boardsync.New(channel, api, log),
	}
}

// Start connects, announces the user and prepares media and calls.
func (s *Session) Start(ctx context.Context, userID, name string) error {
	const op = "app.session.start"
	log := s.log.With(slog.String("op", op), slog.String("user_id", userID))

	if err := s.Channel.Connect(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := s.Presence.Start(userID, name); err != nil {
		s.Channel.Disconnect()
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := s.Media.Init(ctx, userID); err != nil {
		s.Presence.Stop()
		s.Channel.Disconnect()
		return fmt.Errorf("%s: %w", op, err)
	}
	s.Calls.Start()

	log.Info("session started", slog.String("address", s.Media.Address().String()))
	return nil
}

// Close releases the session in reverse start order.
func (s *Session) Close() {
	s.Boards.Deactivate()
	s.Calls.Stop()
	s.Media.Teardown()
	s.Presence.Stop()
	s.Channel.Disconnect()
	s.log.Info("session closed")
}

// CallErrors logs every call failure until the returned func is called.
func (s *Session) CallErrors() func() {
	return s.Calls.OnError(func(err error) {
		switch {
		case errors.Is(err, callsignal.ErrRecipientUnavailable):
			s.log.Info("recipient unavailable", sl.Err(err))
		default:
			s.log.Warn("call failed", sl.Err(err))
		}
	})
}
