package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/bumperhq/bumper/pkg/logging"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/jellydator/ttlcache/v3"
)

// proxyHelperName stands in for the vendor cloud's helper identity in
// locally rewritten topics.
const proxyHelperName = "proxyhelper"

// mapperTTL bounds how long an upstream request waits for its local
// response before the correlation is forgotten.
const mapperTTL = 180 * time.Second

// Public resolvers consulted for the vendor host. Bumper installations
// usually hijack DNS for the vendor domains, so the system resolver
// would just point back at us.
var publicResolvers = []string{"1.1.1.1:53", "8.8.8.8:53"}

// ProxyConfig points at the vendor MQTT endpoint to mirror.
type ProxyConfig struct {
	Host string
	Port int
}

// proxySender is the original sender of an upstream request, restored
// onto the response before it goes back out.
type proxySender struct {
	ID   string
	Type string
	Res  string
}

// ProxyClient mirrors one robot's MQTT session to the vendor cloud.
// Upstream commands are rewritten so local responses can be correlated
// and sent back.
type ProxyClient struct {
	cfg    ProxyConfig
	broker *Broker
	cid    clientID
	client paho.Client
	mapper *ttlcache.Cache[string, proxySender]
	log    *slog.Logger
}

// NewProxyClient builds the proxy for one robot session.
func NewProxyClient(cfg ProxyConfig, broker *Broker, cid clientID, log *slog.Logger) *ProxyClient {
	if log == nil {
		log = logging.Nop()
	}
	return &ProxyClient{
		cfg:    cfg,
		broker: broker,
		cid:    cid,
		mapper: ttlcache.New[string, proxySender](
			ttlcache.WithTTL[string, proxySender](mapperTTL),
		),
		log: logging.Named(log, "proxymode").With("did", cid.ID),
	}
}

// Start resolves the vendor host and connects upstream.
func (p *ProxyClient) Start() error {
	addr, err := resolveVendorHost(p.cfg.Host)
	if err != nil {
		return fmt.Errorf("resolve vendor host %q: %w", p.cfg.Host, err)
	}

	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("ssl://%s:%d", addr, p.cfg.Port)).
		SetClientID(fmt.Sprintf("%s@%s/%s", p.cid.ID, p.cid.Domain, p.cid.Resource)).
		SetTLSConfig(&tls.Config{InsecureSkipVerify: true}). //nolint:gosec // vendor endpoint pinned by resolved IP
		SetAutoReconnect(true).
		SetConnectRetry(true)
	p.client = paho.NewClient(opts)

	token := p.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect upstream: %w", err)
	}

	go p.mapper.Start()
	p.log.Info("proxy connected", "host", p.cfg.Host, "addr", addr)
	return nil
}

// Stop disconnects from the vendor cloud.
func (p *ProxyClient) Stop() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
	p.mapper.Stop()
}

// Subscribe mirrors a robot subscription upstream.
func (p *ProxyClient) Subscribe(filter string) {
	if p.client == nil {
		return
	}
	token := p.client.Subscribe(filter, 0, p.handleUpstream)
	token.Wait()
	if err := token.Error(); err != nil {
		p.log.Error("upstream subscribe failed", "filter", filter, "error", err)
		return
	}
	p.log.Debug("mirrored subscription upstream", "filter", filter)
}

// handleUpstream relays a vendor-cloud message to the local broker. P2P
// requests get their sender swapped for proxyhelper so the response
// comes back through us.
func (p *ProxyClient) handleUpstream(_ paho.Client, msg paho.Message) {
	t, ok := ParseP2P(msg.Topic())
	if !ok {
		if err := p.broker.Publish(msg.Topic(), msg.Payload(), 0, false); err != nil {
			p.log.Warn("local republish failed", "topic", msg.Topic(), "error", err)
		}
		return
	}

	if t.FromID == proxyHelperName {
		p.log.Error("upstream message claims to be from the proxy, dropping", "topic", msg.Topic())
		return
	}

	p.mapper.Set(t.RequestID, proxySender{ID: t.FromID, Type: t.FromType, Res: t.FromRes}, ttlcache.DefaultTTL)

	local := t.WithFrom(proxyHelperName, t.FromType, t.FromRes)
	if err := p.broker.Publish(local.String(), msg.Payload(), 0, false); err != nil {
		p.log.Warn("local republish failed", "topic", local.String(), "error", err)
	}
}

// ForwardResponse sends a local response back to the vendor cloud,
// restoring the original sender as the recipient. Responses without a
// remembered request are dropped.
func (p *ProxyClient) ForwardResponse(t *P2PTopic, payload []byte) {
	item, found := p.mapper.GetAndDelete(t.RequestID)
	if !found {
		p.log.Warn("response for unknown upstream request, dropping", "id", t.RequestID)
		return
	}
	sender := item.Value()

	upstream := t.WithTo(sender.ID, sender.Type, sender.Res)
	token := p.client.Publish(upstream.String(), 0, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		p.log.Error("upstream publish failed", "topic", upstream.String(), "error", err)
	}
}

// resolveVendorHost resolves via hard-coded public resolvers so local
// DNS overrides for the vendor domains are bypassed.
func resolveVendorHost(host string) (string, error) {
	var lastErr error
	for _, server := range publicResolvers {
		resolver := &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
				d := net.Dialer{Timeout: 5 * time.Second}
				return d.DialContext(ctx, network, server)
			},
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		addrs, err := resolver.LookupHost(ctx, host)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		if len(addrs) > 0 {
			return addrs[0], nil
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no addresses for %q", host)
	}
	return "", lastErr
}
