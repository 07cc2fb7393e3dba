package storage

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// UserOAuth returns the user's oauth grant, minting a new one when none
// exists or the old one has expired.
func (s *Store) UserOAuth(userid string) *OAuth {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := trimFUID(userid)
	for i, o := range s.data.OAuth {
		if trimFUID(o.UserID) != want {
			continue
		}
		if o.Expired() {
			s.data.OAuth = append(s.data.OAuth[:i], s.data.OAuth[i+1:]...)
			s.markDirty()
			break
		}
		cp := *o
		return &cp
	}

	o := &OAuth{
		AccessToken:  hexToken(),
		RefreshToken: hexToken(),
		UserID:       userid,
		ExpireAt:     time.Now().Add(s.oauthTTL),
	}
	s.data.OAuth = append(s.data.OAuth, o)
	s.markDirty()
	cp := *o
	return &cp
}

// GetOAuthByAccessToken returns the unexpired grant for the token, or nil.
func (s *Store) GetOAuthByAccessToken(token string) *OAuth {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, o := range s.data.OAuth {
		if o.AccessToken == token && !o.Expired() {
			cp := *o
			return &cp
		}
	}
	return nil
}

// SweepExpiredOAuths drops expired grants. Returns how many were removed.
func (s *Store) SweepExpiredOAuths() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.data.OAuth[:0]
	removed := 0
	for _, o := range s.data.OAuth {
		if o.Expired() {
			removed++
			continue
		}
		kept = append(kept, o)
	}
	s.data.OAuth = kept
	if removed > 0 {
		s.markDirty()
	}
	return removed
}

// hexToken returns a 32-character token in the format the vendor app
// expects (uuid hex without dashes).
func hexToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
