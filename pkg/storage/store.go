// Package storage persists bumper's identity state (users, clients, bots,
// tokens, oauth grants) as a single JSON document on disk. Writes are
// debounced and atomic so a crash never leaves a half-written database.
package storage

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Current data format version for migration support
const dataVersion = 1

const dbFileName = "bumper.db.json"

// Store is the file-backed identity store.
type Store struct {
	dataDir      string
	mu           sync.RWMutex
	data         *storeData
	dirty        atomic.Bool
	saving       atomic.Bool
	saveDebounce time.Duration
	saveCh       chan struct{}
	closeCh      chan struct{}
	closeOnce    sync.Once
	closedCh     chan struct{} // signals when saveLoop has exited
	log          *slog.Logger

	tokenTTL time.Duration
	oauthTTL time.Duration
}

// storeData holds all persisted collections.
type storeData struct {
	Version int       `json:"version"`
	Users   []*User   `json:"users,omitempty"`
	Clients []*Client `json:"clients,omitempty"`
	Bots    []*Device `json:"bots,omitempty"`
	Tokens  []*Token  `json:"tokens,omitempty"`
	OAuth   []*OAuth  `json:"oauth,omitempty"`
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithTokenTTL overrides how long issued user tokens stay valid.
func WithTokenTTL(d time.Duration) Option {
	return func(s *Store) { s.tokenTTL = d }
}

// WithOAuthTTL overrides how long issued oauth grants stay valid.
func WithOAuthTTL(d time.Duration) Option {
	return func(s *Store) { s.oauthTTL = d }
}

// New creates a Store rooted at dataDir. Call Open before use.
func New(dataDir string, opts ...Option) *Store {
	s := &Store{
		dataDir:      dataDir,
		data:         &storeData{Version: dataVersion},
		saveDebounce: 500 * time.Millisecond,
		saveCh:       make(chan struct{}, 1),
		closeCh:      make(chan struct{}),
		closedCh:     make(chan struct{}),
		log:          slog.Default(),
		tokenTTL:     time.Hour,
		oauthTTL:     15 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.saveLoop()
	return s
}

// Open loads data from disk, creating the data directory when missing.
func (s *Store) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dataDir, 0700); err != nil {
		return err
	}

	raw, err := os.ReadFile(s.dbFile())
	if err != nil {
		if os.IsNotExist(err) {
			s.data = &storeData{Version: dataVersion}
			return nil
		}
		return err
	}

	var stored storeData
	if err := json.Unmarshal(raw, &stored); err != nil {
		return err
	}

	s.data = &stored
	s.dirty.Store(false)
	return nil
}

// Close saves any pending changes and stops the save loop. Safe to call
// multiple times.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.closeCh)
	})
	<-s.closedCh
	return nil
}

func (s *Store) dbFile() string {
	return filepath.Join(s.dataDir, dbFileName)
}

// saveLoop handles debounced saving to prevent excessive disk writes.
func (s *Store) saveLoop() {
	defer close(s.closedCh)
	var timer *time.Timer
	for {
		select {
		case <-s.saveCh:
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(s.saveDebounce, func() {
				if s.dirty.Load() && !s.saving.Load() {
					if err := s.doSave(); err != nil {
						s.log.Error("failed to save identity store", "error", err)
					}
				}
			})
		case <-s.closeCh:
			if timer != nil {
				timer.Stop()
			}
			if s.dirty.Load() {
				if err := s.doSave(); err != nil {
					s.log.Error("failed to save identity store on close", "error", err)
				}
			}
			return
		}
	}
}

// doSave performs the actual save with an atomic temp-file rename.
func (s *Store) doSave() error {
	if !s.saving.CompareAndSwap(false, true) {
		return nil // Already saving
	}
	defer s.saving.Store(false)

	s.mu.RLock()
	s.data.Version = dataVersion
	raw, err := json.MarshalIndent(s.data, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	dbFile := s.dbFile()
	tmpFile := dbFile + ".tmp"

	if err := os.WriteFile(tmpFile, raw, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmpFile, dbFile); err != nil {
		_ = os.Remove(tmpFile)
		return err
	}

	s.dirty.Store(false)
	return nil
}

// markDirty marks data as needing to be saved. Callers hold s.mu.
func (s *Store) markDirty() {
	s.dirty.Store(true)
	select {
	case s.saveCh <- struct{}{}:
	default:
		// Save already pending
	}
}

// ForceSave immediately flushes to disk.
func (s *Store) ForceSave() error {
	s.dirty.Store(true)
	return s.doSave()
}

// ResetConnectionFlags clears every mqtt/xmpp connection flag. Run at
// startup since nothing can still be connected across a restart.
func (s *Store) ResetConnectionFlags() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.data.Bots {
		b.MQTTConnected = false
		b.XMPPConnected = false
	}
	for _, c := range s.data.Clients {
		c.MQTTConnected = false
		c.XMPPConnected = false
	}
	s.markDirty()
}
