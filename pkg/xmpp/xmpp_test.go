package xmpp

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bumperhq/bumper/pkg/storage"
)

// recordingConn captures everything a session writes. Reads block until
// the conn is closed so serve loops park instead of spinning.
type recordingConn struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed chan struct{}
	once   sync.Once
}

func newRecordingConn() *recordingConn {
	return &recordingConn{closed: make(chan struct{})}
}

func (c *recordingConn) Read(b []byte) (int, error) {
	<-c.closed
	return 0, io.EOF
}

func (c *recordingConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(b)
}

func (c *recordingConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *recordingConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *recordingConn) takeWritten() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.buf.String()
	c.buf.Reset()
	return out
}

func (c *recordingConn) LocalAddr() net.Addr                { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }
func (c *recordingConn) RemoteAddr() net.Addr               { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }
func (c *recordingConn) SetDeadline(t time.Time) error      { return nil }
func (c *recordingConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *recordingConn) SetWriteDeadline(t time.Time) error { return nil }

func newTestServer(t *testing.T, mutate func(*Config)) *Server {
	t.Helper()
	store := storage.New(t.TempDir())
	require.NoError(t, store.Open())
	t.Cleanup(func() { _ = store.Close() })

	cfg := Config{Addr: "127.0.0.1:0"}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewServer(cfg, store, nil)
}

func newTestSession(t *testing.T, srv *Server) (*Session, *recordingConn) {
	t.Helper()
	conn := newRecordingConn()
	return srv.newSession(conn), conn
}

// PLAIN blobs straight off real device and app traffic.
const (
	controllerAuthBlob = "AGZ1aWRfdG1wdXNlcgAwL0lPU0Y1M0QwN0JBL3VzXzg5ODgwMmZkYmM0NDQxYjBiYzgxNWIxZDFjNjgzMDJl" // \0fuid_tmpuser\0 0/IOSF53D07BA/us_898802fdbc4441b0bc815b1d1c68302e
	botAuthBlob        = "AEUwMDAwMDAwMDAwMDAwMDAxMjM0AGVuY3J5cHRlZF9wYXNz"                                     // \0E0000000000000001234\0encrypted_pass
)

func TestStreamOpenOffersStartTLS(t *testing.T) {
	srv := newTestServer(t, nil)
	sess, conn := newTestSession(t, srv)

	sess.parseData([]byte(`<stream:stream xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams' version='1.0' to='ecouser.net'>`))

	assert.Equal(t, streamOpenReply+featuresStartTLS, conn.takeWritten())
	assert.Equal(t, typeUnknown, sess.clientType())
}

func TestStreamOpenAfterTLSUpgradeSkipsStartTLS(t *testing.T) {
	srv := newTestServer(t, nil)
	sess, conn := newTestSession(t, srv)
	sess.tlsUpgraded = true

	sess.parseData([]byte(`<stream:stream xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams' version='1.0' to='ecouser.net'>`))

	assert.Equal(t, streamOpenReply+featuresPlain, conn.takeWritten())
}

func TestStreamOpenDetectsBot(t *testing.T) {
	srv := newTestServer(t, nil)
	sess, conn := newTestSession(t, srv)

	sess.parseData([]byte(`<stream:stream xmlns:stream='http://etherx.jabber.org/streams' xmlns='jabber:client' to='159.ecorobot.net' version='1.0'>`))

	assert.Equal(t, streamOpenReply+featuresStartTLS, conn.takeWritten())
	assert.Equal(t, typeBot, sess.clientType())
	assert.Equal(t, "159", sess.devclass)
}

func TestStreamEndEchoed(t *testing.T) {
	srv := newTestServer(t, nil)
	sess, conn := newTestSession(t, srv)

	sess.parseData([]byte(`</stream:stream>`))
	assert.Equal(t, streamEnd, conn.takeWritten())
}

func TestGarbageAndEmptyInputIgnored(t *testing.T) {
	srv := newTestServer(t, nil)
	sess, conn := newTestSession(t, srv)

	sess.parseData([]byte(`<badstr />`))
	sess.parseData([]byte(``))
	assert.Empty(t, conn.takeWritten())
}

func TestMalformedStanzaClosesSession(t *testing.T) {
	srv := newTestServer(t, nil)
	sess, conn := newTestSession(t, srv)

	// A broken frame followed by a well-formed auth: the combined buffer
	// can never parse, so the session must be torn down rather than
	// swallowing everything that follows.
	sess.parseData([]byte(`<auth <oops`))
	sess.parseData([]byte(`<auth xmlns="urn:ietf:params:xml:ns:xmpp-sasl" mechanism="PLAIN">` + controllerAuthBlob + `</auth>`))

	assert.True(t, conn.isClosed(), "session left open after unparseable input")
	assert.Empty(t, sess.pending)
	assert.NotContains(t, conn.takeWritten(), saslSuccess)
}

func TestOversizedPendingClosesSession(t *testing.T) {
	srv := newTestServer(t, nil)
	sess, conn := newTestSession(t, srv)

	// An open element that never ends must not buffer without bound.
	sess.parseData([]byte("<iq>" + strings.Repeat("a", maxPendingBytes)))

	assert.True(t, conn.isClosed(), "session left open past the pending cap")
	assert.Empty(t, sess.pending)
}

func TestStartTLSWithoutConfigRefused(t *testing.T) {
	srv := newTestServer(t, nil)
	sess, conn := newTestSession(t, srv)

	sess.parseData([]byte(`<starttls xmlns="urn:ietf:params:xml:ns:xmpp-tls"/>`))

	assert.Equal(t, tlsFailure, conn.takeWritten())
	assert.True(t, conn.isClosed(), "session left open after refused starttls")
	assert.False(t, sess.tlsUpgraded)
}

func TestControllerAuthPlain(t *testing.T) {
	srv := newTestServer(t, nil)
	sess, conn := newTestSession(t, srv)

	sess.parseData([]byte(`<auth xmlns="urn:ietf:params:xml:ns:xmpp-sasl" mechanism="PLAIN">` + controllerAuthBlob + `</auth>`))

	assert.Equal(t, saslSuccess, conn.takeWritten())
	assert.Equal(t, stateInit, sess.state)
	assert.Equal(t, typeController, sess.clientType())
	assert.Equal(t, "fuid_tmpuser", sess.uid)
	assert.Equal(t, "IOSF53D07BA", sess.resource)
}

func TestControllerAuthcodeChecked(t *testing.T) {
	srv := newTestServer(t, func(c *Config) { c.UseAuth = true })
	sess, conn := newTestSession(t, srv)

	// No token in the store, so the blob's authcode cannot match.
	sess.parseData([]byte(`<auth xmlns="urn:ietf:params:xml:ns:xmpp-sasl" mechanism="PLAIN">` + controllerAuthBlob + `</auth>`))
	assert.Equal(t, saslFailure, conn.takeWritten())

	// With the authcode on file the same blob passes.
	tok := srv.store.AddToken("fuid_tmpuser")
	require.True(t, srv.store.AttachAuthCode("fuid_tmpuser", tok.Token, "us_898802fdbc4441b0bc815b1d1c68302e"))

	sess2, conn2 := newTestSession(t, srv)
	sess2.parseData([]byte(`<auth xmlns="urn:ietf:params:xml:ns:xmpp-sasl" mechanism="PLAIN">` + controllerAuthBlob + `</auth>`))
	assert.Equal(t, saslSuccess, conn2.takeWritten())
}

func TestBotAuth(t *testing.T) {
	srv := newTestServer(t, func(c *Config) { c.UseAuth = true })
	sess, conn := newTestSession(t, srv)

	sess.parseData([]byte(`<stream:stream xmlns:stream='http://etherx.jabber.org/streams' xmlns='jabber:client' to='159.ecorobot.net' version='1.0'>`))
	conn.takeWritten()

	// Bots bypass the authcode check entirely.
	sess.parseData([]byte(`<auth xmlns='urn:ietf:params:xml:ns:xmpp-sasl' mechanism='PLAIN'>` + botAuthBlob + `</auth>`))

	assert.Equal(t, saslSuccess, conn.takeWritten())
	assert.Equal(t, typeBot, sess.clientType())
	assert.Equal(t, stateInit, sess.state)
}

func TestControllerBindSessionPresence(t *testing.T) {
	srv := newTestServer(t, nil)
	sess, conn := newTestSession(t, srv)
	sess.state = stateInit
	sess.typ = typeController
	sess.uid = "fuid_tmpuser"

	// Re-opened stream after auth advertises bind and session.
	sess.parseData([]byte(`<stream:stream xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams' version='1.0' to='ecouser.net'>`))
	assert.Equal(t, streamOpenReply+featuresBind, conn.takeWritten())

	sess.parseData([]byte(`<iq type="set" id="5E9872D5-547E-49AF-AE51-9EFAA282F952"><bind xmlns="urn:ietf:params:xml:ns:xmpp-bind"><resource>IOSF53D07BA</resource></bind></iq>`))
	assert.Equal(t,
		`<iq type="result" id="5E9872D5-547E-49AF-AE51-9EFAA282F952"><bind xmlns="urn:ietf:params:xml:ns:xmpp-bind"><jid>fuid_tmpuser@ecouser.net/IOSF53D07BA</jid></bind></iq>`,
		conn.takeWritten())
	assert.Equal(t, stateBind, sess.state)

	sess.parseData([]byte(`<iq type="set" id="FA1041E7-AA27-43DD-BAA3-64DE2DE56AA3"><session xmlns="urn:ietf:params:xml:ns:xmpp-session"/></iq>`))
	assert.Equal(t, `<iq type="result" id="FA1041E7-AA27-43DD-BAA3-64DE2DE56AA3" />`, conn.takeWritten())
	assert.Equal(t, stateReady, sess.state)

	client := srv.store.GetClient("IOSF53D07BA")
	require.NotNil(t, client)
	assert.True(t, client.XMPPConnected)

	sess.parseData([]byte(`<presence type="available"/>`))
	assert.Equal(t, `<presence to="fuid_tmpuser@ecouser.net/IOSF53D07BA"> dummy </presence>`, conn.takeWritten())
}

func TestBotBindAndSession(t *testing.T) {
	srv := newTestServer(t, nil)
	sess, conn := newTestSession(t, srv)
	sess.state = stateInit
	sess.typ = typeBot
	sess.uid = "E0000000000000001234"
	sess.devclass = "159"

	sess.parseData([]byte(`<iq type='set' id='2521'><bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'><resource>atom</resource></bind></iq>`))
	assert.Equal(t,
		`<iq type="result" id="2521"><bind xmlns="urn:ietf:params:xml:ns:xmpp-bind"><jid>E0000000000000001234@159.ecorobot.net/atom</jid></bind></iq>`,
		conn.takeWritten())

	bot := srv.store.GetBot("E0000000000000001234")
	require.NotNil(t, bot)
	assert.Equal(t, "eco-legacy", bot.Company)
	assert.Equal(t, "159", bot.Class)

	sess.parseData([]byte(`<iq type='set' id='2522'><session xmlns='urn:ietf:params:xml:ns:xmpp-session'/></iq>`))
	assert.Equal(t, `<iq type="result" id="2522" />`, conn.takeWritten())
	assert.True(t, srv.store.GetBot("E0000000000000001234").XMPPConnected)

	sess.parseData([]byte(`<presence><status>hello world</status></presence>`))
	assert.Equal(t, `<presence to="E0000000000000001234@159.ecorobot.net/atom"> dummy </presence>`, conn.takeWritten())
}

func TestServerPing(t *testing.T) {
	srv := newTestServer(t, nil)
	sess, conn := newTestSession(t, srv)
	sess.state = stateReady
	sess.uid = "E0000000000000001234"
	sess.devclass = "159"

	sess.parseData([]byte(`<iq xmlns:ns0="urn:xmpp:ping" from="E000BVTNX18700260382@159.ecorobot.net/atom" id="2542" to="159.ecorobot.net" type="get"><ping /></iq>`))
	assert.Equal(t, `<iq type="result" id="2542" from="159.ecorobot.net" />`, conn.takeWritten())
}

func TestRosterNotImplemented(t *testing.T) {
	srv := newTestServer(t, nil)
	sess, conn := newTestSession(t, srv)
	sess.state = stateReady
	sess.bumperJID = "fuid_tmpuser@ecouser.net/IOSF53D07BA"

	sess.parseData([]byte(`<iq id="EE0XQ-2" type="get"><query xmlns="jabber:iq:roster" ></query></iq>`))
	assert.Equal(t,
		`<iq type="error" id="EE0XQ-2"><error type="cancel" code="501"><feature-not-implemented xmlns="urn:ietf:params:xml:ns:xmpp-stanzas"/></error></iq>`,
		conn.takeWritten())
}

// readyPair wires up one ready controller and one ready bot session.
func readyPair(t *testing.T, srv *Server) (ctl *Session, ctlConn *recordingConn, bot *Session, botConn *recordingConn) {
	t.Helper()
	ctl, ctlConn = newTestSession(t, srv)
	ctl.state = stateReady
	ctl.typ = typeController
	ctl.uid = "fuid_tmpuser"
	ctl.resource = "IOSF53D07BA"
	ctl.bumperJID = "fuid_tmpuser@ecouser.net/IOSF53D07BA"

	bot, botConn = newTestSession(t, srv)
	bot.state = stateReady
	bot.typ = typeBot
	bot.uid = "E0000000000000001234"
	bot.devclass = "159"
	bot.bumperJID = "E0000000000000001234@159.ecorobot.net/atom"
	return ctl, ctlConn, bot, botConn
}

// parseStanza decodes a forwarded stanza for semantic assertions.
func parseStanza(t *testing.T, raw string) *etree.Element {
	t.Helper()
	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromString(raw))
	return doc.Root()
}

func TestCommandForwardedToBot(t *testing.T) {
	srv := newTestServer(t, nil)
	ctl, _, _, botConn := readyPair(t, srv)

	ctl.parseData([]byte(`<iq id="7" to="E0000000000000001234@159.ecorobot.net/atom" type="set"><query xmlns="com:ctl"><ctl id="72107787" td="GetCleanState" /></query></iq>`))

	got := parseStanza(t, botConn.takeWritten())
	assert.Equal(t, "iq", got.Tag)
	assert.Equal(t, "E0000000000000001234@159.ecorobot.net/atom", got.SelectAttrValue("to", ""))
	assert.Equal(t, "fuid_tmpuser@ecouser.net/IOSF53D07BA", got.SelectAttrValue("from", ""))
	ctlEl := got.FindElement("query/ctl")
	require.NotNil(t, ctlEl)
	assert.Equal(t, "GetCleanState", ctlEl.SelectAttrValue("td", ""))
}

func TestResponseForwardedToController(t *testing.T) {
	srv := newTestServer(t, nil)
	_, ctlConn, bot, _ := readyPair(t, srv)

	bot.parseData([]byte(`<iq xmlns:ns0="com:ctl" id="2679" to="fuid_tmpuser@ecouser.net/IOSF53D07BA" type="set"><query><ctl td="ChargeState"><charge h="0" r="a" type="Going" /></ctl></query></iq>`))

	got := parseStanza(t, ctlConn.takeWritten())
	assert.Equal(t, "E0000000000000001234@159.ecorobot.net/atom", got.SelectAttrValue("from", ""))
	charge := got.FindElement("query/ctl/charge")
	require.NotNil(t, charge)
	assert.Equal(t, "Going", charge.SelectAttrValue("type", ""))
}

func TestBareJIDRouting(t *testing.T) {
	srv := newTestServer(t, nil)
	ctl, _, _, botConn := readyPair(t, srv)

	// Addressed to the bare JID, no resource.
	ctl.parseData([]byte(`<iq id="9" to="E0000000000000001234@159.ecorobot.net" type="get"><ping xmlns="urn:xmpp:ping" /></iq>`))

	got := parseStanza(t, botConn.takeWritten())
	assert.Equal(t, "fuid_tmpuser@ecouser.net/IOSF53D07BA", got.SelectAttrValue("from", ""))
}

func TestBotBroadcastReachesControllers(t *testing.T) {
	srv := newTestServer(t, nil)
	_, ctlConn, bot, botConn := readyPair(t, srv)

	// DeviceAlert style stanza addressed to a bare domain.
	bot.parseData([]byte(`<iq to='rl.ecorobot.net' type='set' id='1234'><query xmlns='com:sf'><sf td='pub' t='log' k='DeviceAlert' v='DorpError'/></query></iq>`))

	got := parseStanza(t, ctlConn.takeWritten())
	sf := got.FindElement("query/sf")
	require.NotNil(t, sf)
	assert.Equal(t, "DeviceAlert", sf.SelectAttrValue("k", ""))

	// The sending bot gets nothing back.
	assert.Empty(t, botConn.takeWritten())
}

func TestUnknownAddresseeDropped(t *testing.T) {
	srv := newTestServer(t, nil)
	ctl, ctlConn, _, botConn := readyPair(t, srv)

	ctl.parseData([]byte(`<iq id="1" to="ghost@159.ecorobot.net/atom" type="set"><query xmlns="com:ctl"><ctl td="Clean"/></query></iq>`))

	assert.Empty(t, ctlConn.takeWritten())
	assert.Empty(t, botConn.takeWritten())
}

func TestFragmentedStanzaBuffered(t *testing.T) {
	srv := newTestServer(t, nil)
	sess, conn := newTestSession(t, srv)
	sess.state = stateInit
	sess.typ = typeController
	sess.uid = "fuid_tmpuser"

	sess.parseData([]byte(`<iq type="set" id="42"><bind xmlns="urn:ietf:params:xml:ns:xmpp-bind">`))
	assert.Empty(t, conn.takeWritten())

	sess.parseData([]byte(`<resource>IOSF53D07BA</resource></bind></iq>`))
	assert.Contains(t, conn.takeWritten(), "fuid_tmpuser@ecouser.net/IOSF53D07BA")
}

func TestServerAcceptAndTeardown(t *testing.T) {
	srv := newTestServer(t, nil)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop() })

	addr := srv.ln.Addr().String()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)

	_, err = conn.Write([]byte(`<stream:stream xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams' version='1.0' to='ecouser.net'>`))
	require.NoError(t, err)

	// The server greets with a stream header.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(buf[:n]), `<stream:stream `))

	waitFor(t, func() bool { return srv.SessionCount() == 1 }, "session never registered")

	require.NoError(t, conn.Close())
	waitFor(t, func() bool { return srv.SessionCount() == 0 }, "session never removed")
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal(msg)
}
