// Package mqtt implements bumper's MQTT plane: the embedded TLS broker
// robots and apps connect to, the HelperBot command client, and the
// optional per-robot proxy to the vendor cloud.
package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bumperhq/bumper/pkg/logging"
	"github.com/bumperhq/bumper/pkg/storage"
	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/listeners"
)

// Lifecycle states for the broker.
const (
	StateNotStarted int32 = iota
	StateStarting
	StateStarted
	StateStopping
	StateStopped
)

// Errors returned by the broker.
var (
	ErrAlreadyStarted = errors.New("broker already started")
	ErrNotRunning     = errors.New("broker is not running")
)

// Config holds broker settings.
type Config struct {
	// Addr is the TLS listener bind address (host:port).
	Addr string

	// TLS is the listener TLS configuration. Required.
	TLS *tls.Config

	// PasswdFile is an optional user:bcrypt-hash password file consulted
	// for client ids that match no known shape.
	PasswdFile string

	// UseAuth requires app clients to present a valid authcode.
	UseAuth bool

	// AllowAnonymous accepts clients that fail every other check.
	AllowAnonymous bool

	// Proxy enables upstream mirroring when non-nil.
	Proxy *ProxyConfig
}

// Broker wraps a mochi-mqtt server with bumper's auth and bookkeeping.
type Broker struct {
	cfg    Config
	server *mqtt.Server
	store  *storage.Store
	log    *slog.Logger

	mu      sync.RWMutex
	state   atomic.Int32
	proxies map[string]*ProxyClient // keyed by robot did

	passwd *passwdFile

	// stopping is set during shutdown so hook callbacks skip acquiring
	// b.mu, which would deadlock with server.Close().
	stopping atomic.Int32
}

// NewBroker creates the broker and registers its hooks.
func NewBroker(cfg Config, store *storage.Store, log *slog.Logger) (*Broker, error) {
	if cfg.TLS == nil {
		return nil, errors.New("broker requires a TLS config")
	}
	if store == nil {
		return nil, errors.New("broker requires a store")
	}
	if log == nil {
		log = logging.Nop()
	}

	server := mqtt.New(&mqtt.Options{
		InlineClient: true,
	})

	b := &Broker{
		cfg:     cfg,
		server:  server,
		store:   store,
		log:     logging.Named(log, "mqttserver"),
		proxies: make(map[string]*ProxyClient),
	}
	b.state.Store(StateNotStarted)

	if cfg.PasswdFile != "" {
		pw, err := loadPasswdFile(cfg.PasswdFile)
		if err != nil {
			return nil, fmt.Errorf("load password file: %w", err)
		}
		b.passwd = pw
	}

	if err := server.AddHook(newAuthHook(b), nil); err != nil {
		return nil, fmt.Errorf("add auth hook: %w", err)
	}
	if err := server.AddHook(newMessageHook(b), nil); err != nil {
		return nil, fmt.Errorf("add message hook: %w", err)
	}

	return b, nil
}

// Start binds the TLS listener and serves. Connection flags in the
// store are reset first since nothing survives a broker restart.
func (b *Broker) Start(ctx context.Context) error {
	if !b.state.CompareAndSwap(StateNotStarted, StateStarting) {
		return ErrAlreadyStarted
	}

	select {
	case <-ctx.Done():
		b.state.Store(StateStopped)
		return ctx.Err()
	default:
	}

	b.store.ResetConnectionFlags()

	listener := listeners.NewTCP(listeners.Config{
		ID:        "mqtt-tls",
		Address:   b.cfg.Addr,
		TLSConfig: b.cfg.TLS,
	})
	if err := b.server.AddListener(listener); err != nil {
		b.state.Store(StateStopped)
		return fmt.Errorf("add listener: %w", err)
	}

	go func() {
		if err := b.server.Serve(); err != nil {
			b.log.Error("mqtt server error", "error", err)
		}
	}()

	b.state.Store(StateStarted)
	b.log.Info("mqtt broker listening", "addr", b.cfg.Addr)
	return nil
}

// Stop shuts the broker down, waiting out an in-flight Start.
func (b *Broker) Stop(ctx context.Context, timeout time.Duration) error {
	for {
		s := b.state.Load()
		switch s {
		case StateNotStarted, StateStopped:
			return nil
		case StateStopping:
			return nil
		case StateStarting:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		if b.state.CompareAndSwap(StateStarted, StateStopping) {
			break
		}
	}

	b.mu.Lock()
	for did, p := range b.proxies {
		p.Stop()
		delete(b.proxies, did)
	}
	// Hooks fired by client disconnects must not touch b.mu from here on.
	b.stopping.Store(1)
	b.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- b.server.Close()
	}()

	var closeErr error
	select {
	case err := <-done:
		closeErr = err
	case <-shutdownCtx.Done():
		closeErr = fmt.Errorf("shutdown timed out: %w", shutdownCtx.Err())
	}

	b.state.Store(StateStopped)

	if closeErr != nil {
		return fmt.Errorf("close server: %w", closeErr)
	}
	return nil
}

// State returns the current lifecycle state.
func (b *Broker) State() int32 {
	return b.state.Load()
}

// IsRunning reports whether the broker is serving.
func (b *Broker) IsRunning() bool {
	return b.state.Load() == StateStarted
}

// Publish sends a message through the inline client.
func (b *Broker) Publish(topic string, payload []byte, qos byte, retain bool) error {
	if !b.IsRunning() {
		return ErrNotRunning
	}
	return b.server.Publish(topic, payload, retain, qos)
}

// proxyFor returns the proxy client serving the given robot, or nil.
func (b *Broker) proxyFor(did string) *ProxyClient {
	if b.stopping.Load() == 1 {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.proxies[did]
}

// startProxy launches a proxy client for a freshly connected robot.
func (b *Broker) startProxy(cid clientID) {
	if b.cfg.Proxy == nil || b.stopping.Load() == 1 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.proxies[cid.ID]; ok {
		return
	}
	p := NewProxyClient(*b.cfg.Proxy, b, cid, b.log)
	if err := p.Start(); err != nil {
		b.log.Error("proxy client failed to start", "did", cid.ID, "error", err)
		return
	}
	b.proxies[cid.ID] = p
}

// stopProxy tears down the proxy client for a disconnected robot.
func (b *Broker) stopProxy(did string) {
	if b.cfg.Proxy == nil || b.stopping.Load() == 1 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.proxies[did]; ok {
		p.Stop()
		delete(b.proxies, did)
	}
}
