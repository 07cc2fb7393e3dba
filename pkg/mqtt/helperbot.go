package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bumperhq/bumper/pkg/logging"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/jellydator/ttlcache/v3"
)

// helperBotClientID is the fixed identity of the in-process command
// client. The auth hook admits it unconditionally.
const helperBotClientID = "helperbot@bumper/helperbot"

// helperBotFilter matches every p2p response addressed to the helper.
const helperBotFilter = "iot/p2p/+/+/+/+/helperbot/bumper/helperbot/+/+/+"

// DefaultCommandTimeout is how long SendCommand waits for a device.
const DefaultCommandTimeout = 60 * time.Second

// ErrNotConnected is returned when the helper cannot reach the broker.
var ErrNotConnected = errors.New("helperbot is not connected")

// Command is a request addressed to a device over the p2p topic space.
type Command struct {
	Name        string `json:"cmdName"`
	To          string `json:"toId"`
	ToType      string `json:"toType"`
	ToRes       string `json:"toRes"`
	PayloadType string `json:"payloadType"`
	Payload     any    `json:"payload"`
}

// CommandResult is the reply handed back to API callers. Errno carries
// an int for transport failures and the vendor's string codes for API
// level errors.
type CommandResult struct {
	ID    string `json:"id"`
	Ret   string `json:"ret"`
	Resp  any    `json:"resp,omitempty"`
	Errno any    `json:"errno,omitempty"`
	Debug string `json:"debug,omitempty"`
}

// HelperBot is the broker-side command client. It publishes requests on
// behalf of the REST plane and correlates responses by request id.
type HelperBot struct {
	client  paho.Client
	pending *ttlcache.Cache[string, chan []byte]
	timeout time.Duration
	log     *slog.Logger
}

// HelperBotOption configures a HelperBot.
type HelperBotOption func(*HelperBot)

// WithCommandTimeout overrides the per-command response timeout.
func WithCommandTimeout(d time.Duration) HelperBotOption {
	return func(h *HelperBot) { h.timeout = d }
}

// NewHelperBot builds the helper against the given broker address
// (host:port, TLS assumed).
func NewHelperBot(addr string, log *slog.Logger, opts ...HelperBotOption) *HelperBot {
	if log == nil {
		log = logging.Nop()
	}
	h := &HelperBot{
		timeout: DefaultCommandTimeout,
		log:     logging.Named(log, "helperbot"),
	}
	for _, opt := range opts {
		opt(h)
	}

	// Entries outlive the wait slightly so a late response is logged as
	// late rather than as unknown.
	h.pending = ttlcache.New[string, chan []byte](
		ttlcache.WithTTL[string, chan []byte](h.timeout + h.timeout/10),
	)

	popts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("ssl://%s", addr)).
		SetClientID(helperBotClientID).
		SetTLSConfig(&tls.Config{InsecureSkipVerify: true}). //nolint:gosec // local broker with self-signed cert
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetOnConnectHandler(func(c paho.Client) {
			token := c.Subscribe(helperBotFilter, 0, h.handleResponse)
			token.Wait()
			if err := token.Error(); err != nil {
				h.log.Error("subscribe failed", "error", err)
				return
			}
			h.log.Info("helperbot connected")
		})
	h.client = paho.NewClient(popts)

	return h
}

// Start connects to the broker and blocks until the session is up or
// the context expires.
func (h *HelperBot) Start(ctx context.Context) error {
	go h.pending.Start()

	if err := h.connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// connect dials the broker and waits for the session, bounded by ctx.
func (h *HelperBot) connect(ctx context.Context) error {
	token := h.client.Connect()
	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}
	return token.Error()
}

// Stop disconnects from the broker.
func (h *HelperBot) Stop() {
	if h.client.IsConnected() {
		h.client.Disconnect(250)
	}
	h.pending.Stop()
}

// IsConnected reports whether the helper has a live session.
func (h *HelperBot) IsConnected() bool {
	return h.client.IsConnectionOpen()
}

// SendCommand publishes the command and waits for the device's reply.
// A missing reply yields a fail result, never an error; errors are
// reserved for transport problems.
func (h *HelperBot) SendCommand(ctx context.Context, cmd Command, requestID string) (*CommandResult, error) {
	if !h.client.IsConnectionOpen() {
		// The session may have dropped since the last command;
		// reconnect before publishing.
		if err := h.connect(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
		}
	}

	topic := (&P2PTopic{
		Command:     cmd.Name,
		FromID:      "helperbot",
		FromType:    "bumper",
		FromRes:     "helperbot",
		ToID:        cmd.To,
		ToType:      cmd.ToType,
		ToRes:       cmd.ToRes,
		Direction:   "q",
		RequestID:   requestID,
		PayloadType: cmd.PayloadType,
	}).String()

	var body []byte
	if cmd.PayloadType == "j" {
		raw, err := json.Marshal(cmd.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		body = raw
	} else {
		body = []byte(fmt.Sprintf("%v", cmd.Payload))
	}

	ch := make(chan []byte, 1)
	h.pending.Set(requestID, ch, ttlcache.DefaultTTL)
	defer h.pending.Delete(requestID)

	token := h.client.Publish(topic, 0, false, body)
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("publish: %w", err)
	}

	timer := time.NewTimer(h.timeout)
	defer timer.Stop()

	select {
	case raw := <-ch:
		result := &CommandResult{ID: requestID, Ret: "ok"}
		if cmd.PayloadType == "j" {
			var resp any
			if err := json.Unmarshal(raw, &resp); err != nil {
				return nil, fmt.Errorf("decode response: %w", err)
			}
			result.Resp = resp
		} else {
			result.Resp = string(raw)
		}
		return result, nil
	case <-timer.C:
		h.log.Warn("command timed out", "id", requestID, "cmd", cmd.Name, "did", cmd.To)
		return &CommandResult{
			ID:    requestID,
			Errno: 500,
			Ret:   "fail",
			Debug: "wait for response timed out",
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handleResponse correlates an inbound p2p response with its waiter.
func (h *HelperBot) handleResponse(_ paho.Client, msg paho.Message) {
	t, ok := ParseP2P(msg.Topic())
	if !ok {
		h.log.Debug("unparseable response topic", "topic", msg.Topic())
		return
	}
	item := h.pending.Get(t.RequestID)
	if item == nil {
		h.log.Debug("response for unknown request", "id", t.RequestID, "topic", msg.Topic())
		return
	}
	select {
	case item.Value() <- msg.Payload():
	default:
		// Duplicate response, first one wins.
	}
}
