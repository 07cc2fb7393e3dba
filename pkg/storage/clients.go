package storage

// AddClient registers an app session keyed by its resource.
func (s *Store) AddClient(userid, realm, resource string) *Client {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c := s.findClient(resource); c != nil {
		c.UserID = userid
		c.Realm = realm
		s.markDirty()
		cp := *c
		return &cp
	}

	c := &Client{
		UserID:   userid,
		Realm:    realm,
		Resource: resource,
	}
	s.data.Clients = append(s.data.Clients, c)
	s.markDirty()
	cp := *c
	return &cp
}

// GetClient returns the client by resource, or nil.
func (s *Store) GetClient(resource string) *Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c := s.findClient(resource); c != nil {
		cp := *c
		return &cp
	}
	return nil
}

// ListClients returns a snapshot of every known client session.
func (s *Store) ListClients() []*Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Client, 0, len(s.data.Clients))
	for _, c := range s.data.Clients {
		cp := *c
		out = append(out, &cp)
	}
	return out
}

// SetClientMQTT flips the client's MQTT connection flag.
func (s *Store) SetClientMQTT(resource string, connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.findClient(resource); c != nil {
		c.MQTTConnected = connected
		s.markDirty()
	}
}

// SetClientXMPP flips the client's XMPP connection flag.
func (s *Store) SetClientXMPP(resource string, connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.findClient(resource); c != nil {
		c.XMPPConnected = connected
		s.markDirty()
	}
}

// RemoveClient deletes the client record.
func (s *Store) RemoveClient(resource string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.data.Clients {
		if c.Resource == resource {
			s.data.Clients = append(s.data.Clients[:i], s.data.Clients[i+1:]...)
			s.markDirty()
			return
		}
	}
}

// findClient must be called with s.mu held.
func (s *Store) findClient(resource string) *Client {
	for _, c := range s.data.Clients {
		if c.Resource == resource {
			return c
		}
	}
	return nil
}
