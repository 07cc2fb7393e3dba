package xmpp

import (
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strings"
	"sync"

	"github.com/beevik/etree"
)

// Session states. A fresh connection negotiates its way from connect to
// ready; only ready sessions take part in routing.
const (
	stateConnect = iota
	stateInit
	stateBind
	stateReady
	stateClosed
)

// Client types.
const (
	typeUnknown = iota
	typeBot
	typeController
)

// Wire constants. These are byte-exact: the devices' parsers are
// brittle and reject reformatted variants.
const (
	streamOpenReply  = `<stream:stream xmlns:stream="http://etherx.jabber.org/streams" xmlns="jabber:client" version="1.0" id="1" from="ecouser.net">`
	streamEnd        = `</stream:stream>`
	featuresStartTLS = `<stream:features><starttls xmlns="urn:ietf:params:xml:ns:xmpp-tls"><required/></starttls><mechanisms xmlns="urn:ietf:params:xml:ns:xmpp-sasl"><mechanism>PLAIN</mechanism></mechanisms></stream:features>`
	featuresPlain    = `<stream:features><mechanisms xmlns="urn:ietf:params:xml:ns:xmpp-sasl"><mechanism>PLAIN</mechanism></mechanisms></stream:features>`
	featuresBind     = `<stream:features><bind xmlns="urn:ietf:params:xml:ns:xmpp-bind"/><session xmlns="urn:ietf:params:xml:ns:xmpp-session"/></stream:features>`
	saslSuccess      = `<success xmlns="urn:ietf:params:xml:ns:xmpp-sasl"/>`
	saslFailure      = `<failure xmlns="urn:ietf:params:xml:ns:xmpp-sasl"><not-authorized/></failure>`
	tlsProceed       = `<proceed xmlns="urn:ietf:params:xml:ns:xmpp-tls"/>`
	bindResultFmt    = `<iq type="result" id="%s"><bind xmlns="urn:ietf:params:xml:ns:xmpp-bind"><jid>%s</jid></bind></iq>`
	sessionResultFmt = `<iq type="result" id="%s" />`
	presenceFmt      = `<presence to="%s"> dummy </presence>`
	pingResultFmt    = `<iq type="result" id="%s" from="%s" />`
	rosterErrorFmt   = `<iq type="error" id="%s"><error type="cancel" code="501"><feature-not-implemented xmlns="urn:ietf:params:xml:ns:xmpp-stanzas"/></error></iq>`
	tlsFailure       = `<failure xmlns="urn:ietf:params:xml:ns:xmpp-tls"/>`
)

// maxPendingBytes bounds how much unparsed input a session may buffer
// while waiting for the rest of a fragmented stanza.
const maxPendingBytes = 64 * 1024

var streamToAttr = regexp.MustCompile(`to=["']([^"']+)["']`)

// Session is one device or app connection.
type Session struct {
	srv  *Server
	log  *slog.Logger
	conn net.Conn

	writeMu sync.Mutex

	mu          sync.Mutex
	state       int
	typ         int
	uid         string
	devclass    string
	resource    string
	bumperJID   string
	tlsUpgraded bool
	pending     string

	closeOnce sync.Once
}

func newSession(srv *Server, conn net.Conn) *Session {
	return &Session{
		srv:  srv,
		log:  srv.log.With("remote", conn.RemoteAddr().String()),
		conn: conn,
	}
}

// serve reads from the connection until it closes.
func (s *Session) serve() {
	defer s.teardown()
	buf := make([]byte, 4096)
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			return
		}
		s.parseData(buf[:n])
	}
}

func (s *Session) jid() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bumperJID
}

func (s *Session) clientType() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typ
}

func (s *Session) ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateReady
}

// send writes a raw stanza to the peer.
func (s *Session) send(stanza string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.conn.Write([]byte(stanza)); err != nil {
		s.log.Debug("write failed", "error", err)
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
	})
}

// teardown clears connection flags and deregisters the session.
func (s *Session) teardown() {
	s.close()

	s.mu.Lock()
	state := s.state
	s.state = stateClosed
	typ, uid, resource := s.typ, s.uid, s.resource
	s.mu.Unlock()

	if state == stateReady {
		switch typ {
		case typeBot:
			s.srv.store.SetBotXMPP(uid, false)
		case typeController:
			s.srv.store.SetClientXMPP(resource, false)
		}
	}
	s.srv.removeSession(s)
}

// parseData consumes raw bytes from the wire. Stream tags are matched
// by prefix since they arrive unterminated; everything else is buffered
// until it parses as complete XML.
func (s *Session) parseData(data []byte) {
	text := strings.TrimSpace(string(data))
	if text == "" {
		return
	}

	if strings.HasPrefix(text, "<?xml") {
		if i := strings.Index(text, "?>"); i >= 0 {
			text = strings.TrimSpace(text[i+2:])
		}
		if text == "" {
			return
		}
	}

	if strings.HasPrefix(text, "</stream:stream") {
		s.send(streamEnd)
		s.close()
		return
	}

	if strings.HasPrefix(text, "<stream:stream") {
		s.handleStreamOpen(text)
		return
	}

	s.mu.Lock()
	s.pending += text
	buffered := s.pending
	s.mu.Unlock()

	doc := etree.NewDocument()
	if err := doc.ReadFromString("<root>" + buffered + "</root>"); err != nil {
		if len(buffered) <= maxPendingBytes && recoverableParse(err, buffered) {
			// Incomplete stanza, wait for the rest.
			return
		}
		s.log.Warn("unparseable input, closing session", "error", err)
		s.mu.Lock()
		s.pending = ""
		s.mu.Unlock()
		s.close()
		return
	}

	s.mu.Lock()
	s.pending = ""
	s.mu.Unlock()

	for _, el := range doc.Root().ChildElements() {
		s.handleStanza(el)
	}
}

// recoverableParse reports whether a parse failure can still resolve
// once more bytes arrive: either the synthetic wrapper closed an open
// element early, the reader ran out of input, or the buffer ends
// inside an unterminated tag.
func recoverableParse(err error, buffered string) bool {
	msg := err.Error()
	if strings.Contains(msg, "unexpected EOF") || strings.Contains(msg, "closed by </root>") {
		return true
	}
	if i := strings.LastIndex(buffered, "<"); i >= 0 && !strings.Contains(buffered[i:], ">") {
		return true
	}
	return false
}

// handleStreamOpen answers a stream header. Features depend on how far
// the session has negotiated: a fresh stream is offered STARTTLS and
// SASL, an authenticated one is offered bind and session.
func (s *Session) handleStreamOpen(text string) {
	s.mu.Lock()
	if m := streamToAttr.FindStringSubmatch(text); m != nil {
		domain := m[1]
		if label, _, _ := strings.Cut(domain, "."); isNumeric(label) {
			s.typ = typeBot
			s.devclass = label
		}
	}
	state := s.state
	tlsUpgraded := s.tlsUpgraded
	s.mu.Unlock()

	s.send(streamOpenReply)
	switch {
	case state >= stateInit:
		s.send(featuresBind)
	case tlsUpgraded:
		s.send(featuresPlain)
	default:
		s.send(featuresStartTLS)
	}
}

func (s *Session) handleStanza(el *etree.Element) {
	switch el.Tag {
	case "starttls":
		s.handleStartTLS()
	case "auth":
		s.handleAuth(el)
	case "iq":
		s.handleIq(el)
	case "presence":
		s.handlePresence()
	default:
		s.log.Debug("ignoring stanza", "tag", el.Tag)
	}
}

// handleStartTLS upgrades the socket in place. The proceed goes out on
// the plain connection, then the very next bytes negotiate TLS.
func (s *Session) handleStartTLS() {
	if s.srv.cfg.TLS == nil {
		s.log.Warn("starttls requested but no TLS config")
		s.send(tlsFailure)
		s.close()
		return
	}
	s.send(tlsProceed)

	s.writeMu.Lock()
	s.conn = tls.Server(s.conn, s.srv.cfg.TLS)
	s.writeMu.Unlock()

	s.mu.Lock()
	s.tlsUpgraded = true
	s.state = stateConnect
	s.pending = ""
	s.mu.Unlock()
}

// handleAuth processes SASL PLAIN. STARTTLS is advertised as required
// but not enforced; plenty of device firmware authenticates straight
// away.
func (s *Session) handleAuth(el *etree.Element) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(el.Text()))
	if err != nil {
		s.send(saslFailure)
		s.close()
		return
	}
	parts := strings.Split(string(raw), "\x00")
	if len(parts) != 3 {
		s.send(saslFailure)
		s.close()
		return
	}
	uid, password := parts[1], parts[2]

	s.mu.Lock()
	s.uid = uid
	if s.typ == typeUnknown {
		s.typ = typeController
	}
	typ := s.typ
	// Controllers pack "0/{resource}/{authcode}" into the password.
	var authcode string
	if typ == typeController {
		if authParts := strings.Split(password, "/"); len(authParts) == 3 {
			s.resource = authParts[1]
			authcode = authParts[2]
		}
	}
	s.mu.Unlock()

	if typ == typeController && s.srv.cfg.UseAuth {
		if !s.srv.store.CheckAuthCode(uid, authcode) {
			s.log.Warn("controller rejected, bad authcode", "uid", uid)
			s.send(saslFailure)
			s.close()
			return
		}
	}

	s.mu.Lock()
	s.state = stateInit
	s.pending = ""
	s.mu.Unlock()

	s.send(saslSuccess)
	s.log.Debug("authenticated", "uid", uid, "bot", typ == typeBot)
}

func (s *Session) handleIq(el *etree.Element) {
	id := el.SelectAttrValue("id", "")
	to := el.SelectAttrValue("to", "")

	if bind := el.SelectElement("bind"); bind != nil {
		s.handleBind(bind, id)
		return
	}
	if el.SelectElement("session") != nil {
		s.handleSession(id)
		return
	}
	if q := el.SelectElement("query"); q != nil && q.SelectAttrValue("xmlns", "") == "jabber:iq:roster" {
		s.send(fmt.Sprintf(rosterErrorFmt, id))
		return
	}
	if el.SelectElement("ping") != nil && !strings.Contains(to, "@") {
		s.send(fmt.Sprintf(pingResultFmt, id, to))
		return
	}

	s.forward(el, to)
}

// handleBind assigns the full JID and registers the identity. Bots live
// under their device-class domain, controllers under the user domain.
func (s *Session) handleBind(bind *etree.Element, id string) {
	resource := ""
	if r := bind.SelectElement("resource"); r != nil {
		resource = r.Text()
	}

	s.mu.Lock()
	if resource != "" {
		s.resource = resource
	}
	if s.resource == "" {
		s.resource = s.uid
	}
	switch s.typ {
	case typeBot:
		s.bumperJID = fmt.Sprintf("%s@%s.ecorobot.net/%s", s.uid, s.devclass, s.resource)
	default:
		s.bumperJID = fmt.Sprintf("%s@%s/%s", s.uid, serverDomain, s.resource)
	}
	typ, uid, devclass, res, jid := s.typ, s.uid, s.devclass, s.resource, s.bumperJID
	s.state = stateBind
	s.mu.Unlock()

	switch typ {
	case typeBot:
		s.srv.store.AddBot(uid, uid, devclass, res, "eco-legacy")
	default:
		s.srv.store.AddClient(uid, "bumper", res)
	}

	s.send(fmt.Sprintf(bindResultFmt, id, jid))
}

func (s *Session) handleSession(id string) {
	s.mu.Lock()
	s.state = stateReady
	typ, uid, resource := s.typ, s.uid, s.resource
	s.mu.Unlock()

	switch typ {
	case typeBot:
		s.srv.store.SetBotXMPP(uid, true)
	case typeController:
		s.srv.store.SetClientXMPP(resource, true)
	}

	s.send(fmt.Sprintf(sessionResultFmt, id))
}

func (s *Session) handlePresence() {
	s.mu.Lock()
	jid := s.bumperJID
	s.mu.Unlock()
	s.send(fmt.Sprintf(presenceFmt, jid))
}

// forward stamps the sender's JID onto the stanza and hands it to the
// router. The from attribute is what lets the addressee reply.
func (s *Session) forward(el *etree.Element, to string) {
	s.mu.Lock()
	jid := s.bumperJID
	state := s.state
	s.mu.Unlock()

	if state != stateReady || jid == "" {
		s.log.Debug("dropping stanza from unestablished session", "to", to)
		return
	}

	cp := el.Copy()
	if cp.SelectAttrValue("from", "") == "" {
		cp.CreateAttr("from", jid)
	}
	doc := etree.NewDocument()
	doc.SetRoot(cp)
	out, err := doc.WriteToString()
	if err != nil {
		s.log.Error("serialize stanza", "error", err)
		return
	}

	s.srv.route(s, to, out)
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
