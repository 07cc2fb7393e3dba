// Package xmpp implements the legacy stanza server older robots speak.
// It is not a compliant XMPP server: it reproduces the narrow dialect
// the devices and apps actually use, down to the exact bytes of the
// handshake stanzas.
package xmpp

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/bumperhq/bumper/pkg/logging"
	"github.com/bumperhq/bumper/pkg/storage"
)

// serverDomain is the domain announced in the stream header.
const serverDomain = "ecouser.net"

// Config holds XMPP server settings.
type Config struct {
	// Addr is the listener bind address (host:port).
	Addr string

	// TLS enables the in-stream STARTTLS upgrade when non-nil.
	TLS *tls.Config

	// UseAuth requires controllers to present a valid authcode.
	UseAuth bool
}

// Server accepts device and app connections and routes stanzas between
// them.
type Server struct {
	cfg   Config
	store *storage.Store
	log   *slog.Logger

	mu       sync.Mutex
	ln       net.Listener
	sessions []*Session
	wg       sync.WaitGroup
}

// NewServer creates the stanza server.
func NewServer(cfg Config, store *storage.Store, log *slog.Logger) *Server {
	if log == nil {
		log = logging.Nop()
	}
	return &Server{
		cfg:   cfg,
		store: store,
		log:   logging.Named(log, "xmppserver"),
	}
}

// Start binds the listener and begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln)

	s.log.Info("xmpp server listening", "addr", s.cfg.Addr)
	return nil
}

// Stop closes the listener and tears down every live session.
func (s *Server) Stop() error {
	s.mu.Lock()
	ln := s.ln
	sessions := make([]*Session, len(s.sessions))
	copy(sessions, s.sessions)
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, sess := range sessions {
		sess.close()
	}
	s.wg.Wait()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		sess := s.newSession(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess.serve()
		}()
	}
}

func (s *Server) newSession(conn net.Conn) *Session {
	sess := newSession(s, conn)
	s.mu.Lock()
	s.sessions = append(s.sessions, sess)
	s.mu.Unlock()
	return sess
}

func (s *Server) removeSession(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.sessions {
		if cur == sess {
			s.sessions = append(s.sessions[:i], s.sessions[i+1:]...)
			return
		}
	}
}

// route delivers a stanza from one session to its addressee. Stanzas
// addressed to a full or bare JID go to that session; stanzas from a
// bot addressed to a bare domain are fanned out to every ready
// controller so the apps see broadcasts like DeviceAlert. Unroutable
// stanzas are dropped without an error, matching how the devices expect
// the cloud to behave.
func (s *Server) route(from *Session, to string, stanza string) {
	s.mu.Lock()
	sessions := make([]*Session, len(s.sessions))
	copy(sessions, s.sessions)
	s.mu.Unlock()

	if strings.Contains(to, "@") {
		bare, _, _ := strings.Cut(to, "/")
		for _, sess := range sessions {
			if sess == from || sess.jid() == "" {
				continue
			}
			sessBare, _, _ := strings.Cut(sess.jid(), "/")
			if sess.jid() == to || sessBare == bare {
				sess.send(stanza)
				return
			}
		}
		s.log.Debug("no session for addressee, dropping", "to", to)
		return
	}

	for _, sess := range sessions {
		if sess == from || sess.clientType() == from.clientType() {
			continue
		}
		if sess.ready() {
			sess.send(stanza)
		}
	}
}
