package storage

import "strings"

// AddBot registers a robot. Registrations with an empty device class are
// ignored, as are serials that look like placeholder values from a
// half-provisioned device.
func (s *Store) AddBot(serial, did, class, resource, company string) *Device {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b := s.findBot(did); b != nil {
		// Refresh volatile fields on reconnect without losing the nick.
		if class != "" {
			b.Class = class
		}
		if resource != "" {
			b.Resource = resource
		}
		if company != "" {
			b.Company = company
		}
		s.markDirty()
		cp := *b
		return &cp
	}

	if class == "" {
		return nil
	}
	if strings.Contains(serial, "@") || strings.Contains(serial, "tmp") {
		return nil
	}

	b := &Device{
		Class:    class,
		Company:  company,
		DID:      did,
		Name:     serial,
		Resource: resource,
	}
	s.data.Bots = append(s.data.Bots, b)
	s.markDirty()
	cp := *b
	return &cp
}

// GetBot returns the bot by device id, or nil.
func (s *Store) GetBot(did string) *Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b := s.findBot(did); b != nil {
		cp := *b
		return &cp
	}
	return nil
}

// ListBots returns a snapshot of every registered bot.
func (s *Store) ListBots() []*Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Device, 0, len(s.data.Bots))
	for _, b := range s.data.Bots {
		cp := *b
		out = append(out, &cp)
	}
	return out
}

// SetBotNick sets the user-visible name of a bot.
func (s *Store) SetBotNick(did, nick string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b := s.findBot(did); b != nil {
		b.Nick = nick
		s.markDirty()
	}
}

// SetBotMQTT flips the bot's MQTT connection flag.
func (s *Store) SetBotMQTT(did string, connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b := s.findBot(did); b != nil {
		b.MQTTConnected = connected
		s.markDirty()
	}
}

// SetBotXMPP flips the bot's XMPP connection flag.
func (s *Store) SetBotXMPP(did string, connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b := s.findBot(did); b != nil {
		b.XMPPConnected = connected
		s.markDirty()
	}
}

// RemoveBot deletes the bot record.
func (s *Store) RemoveBot(did string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, b := range s.data.Bots {
		if b.DID == did {
			s.data.Bots = append(s.data.Bots[:i], s.data.Bots[i+1:]...)
			s.markDirty()
			return
		}
	}
}

// findBot must be called with s.mu held.
func (s *Store) findBot(did string) *Device {
	for _, b := range s.data.Bots {
		if b.DID == did {
			return b
		}
	}
	return nil
}
