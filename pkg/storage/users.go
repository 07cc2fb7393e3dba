package storage

import "strings"

// trimFUID strips the "fuid_" prefix some app builds prepend to the
// user id. Lookups tolerate both forms.
func trimFUID(userid string) string {
	return strings.TrimPrefix(userid, "fuid_")
}

// AddUser creates the user when it does not already exist.
func (s *Store) AddUser(userid string) *User {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u := s.findUser(userid); u != nil {
		cp := *u
		return &cp
	}
	u := &User{
		UserID:  userid,
		Devices: []string{},
		Bots:    []string{},
	}
	s.data.Users = append(s.data.Users, u)
	s.markDirty()
	cp := *u
	return &cp
}

// GetUser returns the user by id, tolerating the fuid_ prefix.
func (s *Store) GetUser(userid string) *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if u := s.findUser(userid); u != nil {
		cp := *u
		return &cp
	}
	return nil
}

// GetUserByDeviceID returns the user that owns the given device resource.
func (s *Store) GetUserByDeviceID(did string) *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.data.Users {
		if u.HasDevice(did) {
			cp := *u
			return &cp
		}
	}
	return nil
}

// UserAddDevice records a device resource against the user.
func (s *Store) UserAddDevice(userid, did string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.findUser(userid)
	if u == nil {
		return
	}
	if u.HasDevice(did) {
		return
	}
	u.Devices = append(u.Devices, did)
	s.markDirty()
}

// UserRemoveDevice removes a device resource from the user.
func (s *Store) UserRemoveDevice(userid, did string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.findUser(userid)
	if u == nil {
		return
	}
	for i, d := range u.Devices {
		if d == did {
			u.Devices = append(u.Devices[:i], u.Devices[i+1:]...)
			s.markDirty()
			return
		}
	}
}

// UserAddBot records a bot did against the user.
func (s *Store) UserAddBot(userid, did string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.findUser(userid)
	if u == nil {
		return
	}
	if u.HasBot(did) {
		return
	}
	u.Bots = append(u.Bots, did)
	s.markDirty()
}

// UserRemoveBot removes a bot did from the user.
func (s *Store) UserRemoveBot(userid, did string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.findUser(userid)
	if u == nil {
		return
	}
	for i, b := range u.Bots {
		if b == did {
			u.Bots = append(u.Bots[:i], u.Bots[i+1:]...)
			s.markDirty()
			return
		}
	}
}

// findUser must be called with s.mu held.
func (s *Store) findUser(userid string) *User {
	want := trimFUID(userid)
	for _, u := range s.data.Users {
		if trimFUID(u.UserID) == want {
			return u
		}
	}
	return nil
}
