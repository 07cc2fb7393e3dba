// Package server wires bumper's components together and owns their
// startup and shutdown order.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bumperhq/bumper/pkg/commands"
	"github.com/bumperhq/bumper/pkg/config"
	"github.com/bumperhq/bumper/pkg/logging"
	"github.com/bumperhq/bumper/pkg/mqtt"
	"github.com/bumperhq/bumper/pkg/storage"
	"github.com/bumperhq/bumper/pkg/xmpp"
)

// DefaultVendorMQTTHost is the vendor broker mirrored in proxy mode.
const DefaultVendorMQTTHost = "mq-ww.ecouser.net"

// maintenanceInterval is how often expired credentials are swept.
const maintenanceInterval = 5 * time.Second

// Server is the assembled bumper instance.
type Server struct {
	cfg    *config.Config
	log    *slog.Logger
	store  *storage.Store
	broker *mqtt.Broker
	helper *mqtt.HelperBot
	xmpp   *xmpp.Server
	router *commands.Router

	maintDone chan struct{}
	maintWG   sync.WaitGroup
}

// New builds all components from the configuration. Nothing is started
// yet; Start runs them in dependency order.
func New(cfg *config.Config, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = logging.Nop()
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	store := storage.New(cfg.DataDir,
		storage.WithLogger(logging.Named(log, "store")),
		storage.WithTokenTTL(config.DefaultTokenTTL*time.Second),
	)

	var proxy *mqtt.ProxyConfig
	if cfg.ProxyMQTT {
		proxy = &mqtt.ProxyConfig{Host: DefaultVendorMQTTHost, Port: config.DefaultMQTTPort}
	}

	broker, err := mqtt.NewBroker(mqtt.Config{
		Addr:           cfg.MQTTAddr(),
		TLS:            tlsConf,
		PasswdFile:     cfg.PasswdFile,
		UseAuth:        cfg.UseAuth,
		AllowAnonymous: cfg.AllowAnonymous,
		Proxy:          proxy,
	}, store, log)
	if err != nil {
		return nil, fmt.Errorf("build broker: %w", err)
	}

	helper := mqtt.NewHelperBot(cfg.MQTTAddr(), log)

	xmppSrv := xmpp.NewServer(xmpp.Config{
		Addr:    cfg.XMPPAddr(),
		TLS:     tlsConf.Clone(),
		UseAuth: cfg.UseAuth,
	}, store, log)

	return &Server{
		cfg:       cfg,
		log:       log,
		store:     store,
		broker:    broker,
		helper:    helper,
		xmpp:      xmppSrv,
		router:    commands.NewRouter(helper, store, log),
		maintDone: make(chan struct{}),
	}, nil
}

// Start brings everything up: store first, then the broker, then the
// helper (which needs the broker), then the XMPP server, then the
// maintenance sweep.
func (s *Server) Start(ctx context.Context) error {
	if err := s.store.Open(); err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	if err := s.broker.Start(ctx); err != nil {
		return fmt.Errorf("start broker: %w", err)
	}

	if err := s.helper.Start(ctx); err != nil {
		return fmt.Errorf("start helperbot: %w", err)
	}

	if err := s.xmpp.Start(ctx); err != nil {
		return fmt.Errorf("start xmpp server: %w", err)
	}

	s.maintWG.Add(1)
	go s.maintenanceLoop()

	s.log.Info("bumper is up",
		"mqtt", s.cfg.MQTTAddr(),
		"xmpp", s.cfg.XMPPAddr(),
		"announce", s.cfg.AnnounceIP,
	)
	return nil
}

// Stop shuts everything down in reverse order.
func (s *Server) Stop(ctx context.Context) error {
	close(s.maintDone)
	s.maintWG.Wait()

	if err := s.xmpp.Stop(); err != nil {
		s.log.Error("xmpp shutdown", "error", err)
	}
	s.helper.Stop()

	if err := s.broker.Stop(ctx, 10*time.Second); err != nil {
		s.log.Error("broker shutdown", "error", err)
	}

	if err := s.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	s.log.Info("bumper stopped")
	return nil
}

// Router exposes the command plane for the REST layer.
func (s *Server) Router() *commands.Router {
	return s.router
}

// Store exposes the identity store for the REST layer.
func (s *Server) Store() *storage.Store {
	return s.store
}

// maintenanceLoop periodically drops expired tokens and oauth grants.
func (s *Server) maintenanceLoop() {
	defer s.maintWG.Done()
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.maintDone:
			return
		case <-ticker.C:
			if n := s.store.SweepExpiredTokens(); n > 0 {
				s.log.Debug("swept expired tokens", "count", n)
			}
			if n := s.store.SweepExpiredOAuths(); n > 0 {
				s.log.Debug("swept expired oauth grants", "count", n)
			}
		}
	}
}
