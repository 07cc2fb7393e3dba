package mqtt

import (
	"bytes"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"
)

// authHook authenticates connecting clients against the identity store.
type authHook struct {
	mqtt.HookBase
	b *Broker
}

func newAuthHook(b *Broker) *authHook {
	return &authHook{b: b}
}

// ID returns the hook identifier
func (h *authHook) ID() string {
	return "bumper-auth"
}

// Provides indicates which hook methods this hook provides
func (h *authHook) Provides(b byte) bool {
	//nolint:gocritic // argument order is intentional
	return bytes.Contains([]byte{
		mqtt.OnConnectAuthenticate,
		mqtt.OnACLCheck,
	}, []byte{b})
}

// OnConnectAuthenticate decides whether a client may connect. Robots
// identify with did@class/resource ids and are always admitted (their
// record is upserted on the way in). App clients identify with an
// ecouser/bumper realm and must hold a valid authcode unless auth is
// disabled. Anything else falls back to the password file, then the
// anonymous policy.
func (h *authHook) OnConnectAuthenticate(cl *mqtt.Client, pk packets.Packet) bool {
	username := string(pk.Connect.Username)
	password := string(pk.Connect.Password)

	if cid, ok := parseClientID(cl.ID); ok {
		if cl.ID == helperBotClientID {
			return true
		}

		if cid.isRobot() {
			h.b.store.AddBot(username, cid.ID, cid.Domain, cid.Resource, "eco-ng")
			h.b.log.Debug("bot connecting", "did", cid.ID, "class", cid.Domain, "resource", cid.Resource)
			return true
		}

		if !h.b.cfg.UseAuth || h.b.store.CheckAuthCode(cid.ID, password) {
			h.b.store.AddClient(cid.ID, cid.Domain, cid.Resource)
			h.b.log.Debug("client connecting", "userid", cid.ID, "resource", cid.Resource)
			return true
		}
		h.b.log.Warn("client rejected, bad authcode", "userid", cid.ID)
	}

	if h.b.passwd != nil && h.b.passwd.check(username, password) {
		return true
	}

	if h.b.cfg.AllowAnonymous {
		h.b.log.Debug("anonymous client admitted", "client", cl.ID)
		return true
	}
	return false
}

// OnACLCheck allows all topic operations for authenticated clients.
func (h *authHook) OnACLCheck(cl *mqtt.Client, topic string, write bool) bool {
	return true
}

// messageHook tracks connection state and categorizes traffic. In proxy
// mode it also bridges robot traffic to the vendor cloud.
type messageHook struct {
	mqtt.HookBase
	b *Broker
}

func newMessageHook(b *Broker) *messageHook {
	return &messageHook{b: b}
}

// ID returns the hook identifier
func (h *messageHook) ID() string {
	return "bumper-messages"
}

// Provides indicates which hook methods this hook provides
func (h *messageHook) Provides(b byte) bool {
	//nolint:gocritic // argument order is intentional
	return bytes.Contains([]byte{
		mqtt.OnSessionEstablished,
		mqtt.OnDisconnect,
		mqtt.OnPublish,
		mqtt.OnSubscribed,
	}, []byte{b})
}

// OnSessionEstablished flips the connection flag for the device or
// client behind the session, and spawns the upstream proxy for robots.
func (h *messageHook) OnSessionEstablished(cl *mqtt.Client, pk packets.Packet) {
	if h.b.stopping.Load() == 1 {
		return
	}
	cid, ok := parseClientID(cl.ID)
	if !ok || cl.ID == helperBotClientID {
		return
	}
	if cid.isRobot() {
		h.b.store.SetBotMQTT(cid.ID, true)
		h.b.startProxy(cid)
		return
	}
	h.b.store.SetClientMQTT(cid.Resource, true)
}

// OnDisconnect clears the connection flag and stops the robot's proxy.
func (h *messageHook) OnDisconnect(cl *mqtt.Client, err error, expire bool) {
	if h.b.stopping.Load() == 1 {
		return
	}
	cid, ok := parseClientID(cl.ID)
	if !ok || cl.ID == helperBotClientID {
		return
	}
	if cid.isRobot() {
		h.b.store.SetBotMQTT(cid.ID, false)
		h.b.stopProxy(cid.ID)
		return
	}
	h.b.store.SetClientMQTT(cid.Resource, false)
}

// OnPublish logs traffic by category and, in proxy mode, forwards
// responses addressed to the upstream helper back to the vendor cloud.
func (h *messageHook) OnPublish(cl *mqtt.Client, pk packets.Packet) (packets.Packet, error) {
	label, isError := categorize(pk.TopicName)
	if isError {
		h.b.log.Error(label, "client", cl.ID, "topic", pk.TopicName, "payload", string(pk.Payload))
	} else {
		h.b.log.Debug(label, "client", cl.ID, "topic", pk.TopicName)
	}

	if h.b.cfg.Proxy != nil && h.b.stopping.Load() == 0 {
		if t, ok := ParseP2P(pk.TopicName); ok && t.ToID == proxyHelperName {
			if p := h.b.proxyFor(t.FromID); p != nil {
				p.ForwardResponse(t, pk.Payload)
			} else {
				h.b.log.Warn("response for upstream but no proxy", "did", t.FromID, "topic", pk.TopicName)
			}
		}
	}

	return pk, nil
}

// OnSubscribed mirrors robot subscriptions to the upstream broker so
// vendor-cloud traffic keeps flowing in proxy mode.
func (h *messageHook) OnSubscribed(cl *mqtt.Client, pk packets.Packet, reasonCodes []byte) {
	if h.b.cfg.Proxy == nil || h.b.stopping.Load() == 1 {
		return
	}
	cid, ok := parseClientID(cl.ID)
	if !ok || !cid.isRobot() {
		return
	}
	p := h.b.proxyFor(cid.ID)
	if p == nil {
		return
	}
	for _, sub := range pk.Filters {
		p.Subscribe(sub.Filter)
	}
}
