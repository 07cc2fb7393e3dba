package storage

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// AddToken issues a fresh token for the user.
func (s *Store) AddToken(userid string) *Token {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &Token{
		UserID:     userid,
		Token:      uuid.NewString(),
		Expiration: time.Now().Add(s.tokenTTL),
	}
	s.data.Tokens = append(s.data.Tokens, t)
	s.markDirty()
	cp := *t
	return &cp
}

// GetToken returns the user's token record, or nil.
func (s *Store) GetToken(userid, token string) *Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t := s.findToken(userid, token); t != nil {
		cp := *t
		return &cp
	}
	return nil
}

// CheckToken reports whether the user holds the given unexpired token.
func (s *Store) CheckToken(userid, token string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t := s.findToken(userid, token)
	return t != nil && !t.Expired()
}

// AttachAuthCode stores an authcode on an existing token so the app's
// secondary login flow can find it again.
func (s *Store) AttachAuthCode(userid, token, authcode string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.findToken(userid, token)
	if t == nil {
		return false
	}
	t.AuthCode = authcode
	s.markDirty()
	return true
}

// CheckAuthCode reports whether the user holds an unexpired token
// carrying the given authcode.
func (s *Store) CheckAuthCode(userid, authcode string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := trimFUID(userid)
	for _, t := range s.data.Tokens {
		if trimFUID(t.UserID) == want && t.AuthCode == authcode && !t.Expired() {
			return true
		}
	}
	return false
}

// LoginByITToken finds the token that carries the given authcode,
// regardless of user. Returns nil when no unexpired match exists.
func (s *Store) LoginByITToken(authcode string) *Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.data.Tokens {
		if t.AuthCode == authcode && !t.Expired() {
			cp := *t
			return &cp
		}
	}
	return nil
}

// RevokeToken removes a single token.
func (s *Store) RevokeToken(userid, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.data.Tokens {
		if t.UserID == userid && t.Token == token {
			s.data.Tokens = append(s.data.Tokens[:i], s.data.Tokens[i+1:]...)
			s.markDirty()
			return
		}
	}
}

// RevokeUserTokens removes every token the user holds.
func (s *Store) RevokeUserTokens(userid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.data.Tokens[:0]
	removed := false
	for _, t := range s.data.Tokens {
		if t.UserID == userid {
			removed = true
			continue
		}
		kept = append(kept, t)
	}
	s.data.Tokens = kept
	if removed {
		s.markDirty()
	}
}

// RevokeAuthCode clears the authcode from the user's tokens without
// revoking the tokens themselves.
func (s *Store) RevokeAuthCode(userid, authcode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := trimFUID(userid)
	for _, t := range s.data.Tokens {
		if trimFUID(t.UserID) == want && t.AuthCode == authcode {
			t.AuthCode = ""
			s.markDirty()
		}
	}
}

// SweepExpiredTokens drops expired tokens. Returns how many were removed.
func (s *Store) SweepExpiredTokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.data.Tokens[:0]
	removed := 0
	for _, t := range s.data.Tokens {
		if t.Expired() {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	s.data.Tokens = kept
	if removed > 0 {
		s.markDirty()
	}
	return removed
}

// findToken must be called with s.mu held.
func (s *Store) findToken(userid, token string) *Token {
	want := strings.TrimPrefix(userid, "fuid_")
	for _, t := range s.data.Tokens {
		if trimFUID(t.UserID) == want && t.Token == token {
			return t
		}
	}
	return nil
}
