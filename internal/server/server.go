// Package server is sessiontapd's composition root: it wires the directory
// watcher, registry, classifier, broker, auth service, and connection
// manager together and owns the process lifecycle.
//
// Grounded on the teacher's internal/relay.Server wiring shape (NewServer
// assembling every subsystem into one struct with its own mux) and
// cmd/wtd/main.go's listen/signal/shutdown sequencing
// (signal.NotifyContext + a goroutine running ListenAndServe into an error
// channel, select on ctx.Done() vs. the error channel) — extended here with
// http.Server.Shutdown and a bounded grace period in place of cmd/wtd's
// plain Close(), since this server has live WebSocket subscribers that
// benefit from a drain window instead of having their connections yanked.
package server

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sessiontap/sessiontap/internal/authsvc"
	"github.com/sessiontap/sessiontap/internal/broker"
	"github.com/sessiontap/sessiontap/internal/classify"
	"github.com/sessiontap/sessiontap/internal/config"
	"github.com/sessiontap/sessiontap/internal/connmgr"
	"github.com/sessiontap/sessiontap/internal/httpapi"
	"github.com/sessiontap/sessiontap/internal/logger"
	"github.com/sessiontap/sessiontap/internal/record"
	"github.com/sessiontap/sessiontap/internal/registry"
	"github.com/sessiontap/sessiontap/internal/watch"
	"github.com/sessiontap/sessiontap/internal/wire"
)

// ShutdownGrace bounds how long a running process waits for in-flight
// WebSocket connections to drain on SIGINT/SIGTERM before forcing close.
const ShutdownGrace = 5 * time.Second

// registryNotifyBuf sizes the registry's discovered/terminated feed consumed
// here to drive broadcast_all announcements.
const registryNotifyBuf = 64

// Server owns every long-lived subsystem and the HTTP listener.
type Server struct {
	cfg config.Config

	Auth     *authsvc.Service
	Registry *registry.Registry
	Classify *classify.Classifier
	Broker   *broker.Broker
	Watcher  *watch.Watcher
	ConnMgr  *connmgr.Manager
	API      *httpapi.Server

	httpSrv *http.Server
}

// New assembles a Server from cfg and signingKey, the already-resolved JWT
// signing key (from SESSIONTAP_JWT_KEY, or an ephemeral one generated at
// startup — see cmd/sessiontapd). Only two background goroutines start here:
// the connection manager's revocation watcher (bound to ctx) and the rate
// limiter's cleanup loop; call Run to start everything else and block until
// ctx is cancelled.
func New(ctx context.Context, cfg config.Config, signingKey *ecdsa.PrivateKey) *Server {
	reg := registry.New(registryNotifyBuf)
	clf := classify.New(classify.DefaultIdleThreshold, 256)
	brk := broker.New(reg, cfg.ReplayBuffer)
	auth := authsvc.New(signingKey, cfg.EnrollmentTTL, cfg.CredentialTTL)

	s := &Server{
		cfg:      cfg,
		Auth:     auth,
		Registry: reg,
		Classify: clf,
		Broker:   brk,
	}

	s.Watcher = watch.New(watch.Config{
		Root:        cfg.RootDir,
		UsePolling:  cfg.UsePolling,
		MailboxSize: 1024,
	}, reg, sinkFunc{s})

	connCfg := connmgr.DefaultConfig()
	connCfg.PingInterval = cfg.PingInterval
	s.ConnMgr = connmgr.New(ctx, connCfg, auth, brk)

	rateLim := httpapi.NewRateLimiter(2, 10)
	s.API = httpapi.New(auth, reg, brk, cfg.PublicBaseURL, rateLim)

	mux := http.NewServeMux()
	mux.Handle("/ws", s.ConnMgr)
	mux.Handle("/", s.API)

	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: mux,
	}

	return s
}

// sinkFunc adapts *Server to watch.Sink without exporting OnRecord/
// OnTerminated on the Server type itself (they're internal plumbing, not
// part of its API).
type sinkFunc struct{ s *Server }

func (f sinkFunc) OnRecord(sessionID string, rec *record.Record) {
	f.s.Registry.MarkRecord(sessionID, rec)
	f.s.Classify.OnRecord(rec)
	f.s.Broker.PublishRecord(sessionID, rec)
}

func (f sinkFunc) OnTerminated(sessionID string) {
	f.s.Registry.MarkTerminated(sessionID)
	f.s.Classify.Forget(sessionID)
	f.s.Broker.PublishTerminated(sessionID, "log_rotated_or_removed")
}

// Run starts every background loop (directory watcher, classifier ticker,
// auth sweep, state-change fanout, registry notification fanout, and the
// HTTP listener) and blocks until ctx is cancelled, then drains for up to
// ShutdownGrace before returning.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.Watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("server: watcher stopped", "err", err)
		}
	}()
	go s.runClassifyTicker(ctx)
	go s.runAuthSweep(ctx)
	go s.runStateFanout(ctx)
	go s.runRegistryFanout(ctx)

	go func() {
		logger.Info("server: listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownGrace)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server: forced close after grace period", "err", err)
			return s.httpSrv.Close()
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) runClassifyTicker(ctx context.Context) {
	t := time.NewTicker(classify.DefaultTickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			s.Classify.Tick(now)
		}
	}
}

func (s *Server) runAuthSweep(ctx context.Context) {
	t := time.NewTicker(authsvc.DefaultSweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			s.Auth.Sweep(now)
		}
	}
}

// runStateFanout consumes classifier transitions and republishes them as
// session_state updates to each session's subscriber, and mirrors idle
// transitions into the registry so /api/sessions reflects status too.
func (s *Server) runStateFanout(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ch := <-s.Classify.Changes():
			if ch.State == wire.StateIdle {
				s.Registry.MarkIdle(ch.SessionID)
			}
			s.Broker.PublishState(ch.SessionID, ch.State, ch.LastActivity)
		}
	}
}

// runRegistryFanout turns registry discovered/terminated notifications into
// session_notification broadcasts to every connected, authenticated client.
func (s *Server) runRegistryFanout(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-s.Registry.Notify():
			s.Broker.BroadcastAll(broker.Outbound{
				Type: wire.TypeSessionNotification,
				Payload: wire.SessionNotificationPayload{
					Kind:         n.Kind,
					SessionID:    n.SessionID,
					ProjectLabel: n.Descriptor.ProjectLabel,
				},
			})
		}
	}
}
