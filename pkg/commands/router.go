// Package commands is the bridge between the REST plane and the
// HelperBot: it validates the target device, fills in the addressing
// defaults the apps leave out, and shapes results the way the vendor
// clients expect.
package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/beevik/etree"

	"github.com/bumperhq/bumper/internal/id"
	"github.com/bumperhq/bumper/pkg/logging"
	"github.com/bumperhq/bumper/pkg/mqtt"
	"github.com/bumperhq/bumper/pkg/storage"
)

// errCommon is the vendor's catch-all error code.
const errCommon = "0001"

// cleanLogsPayload asks for the most recent clean log entries.
const cleanLogsPayload = `<ctl count="30"/>`

// Sender dispatches a command and waits for the device's reply.
type Sender interface {
	SendCommand(ctx context.Context, cmd mqtt.Command, requestID string) (*mqtt.CommandResult, error)
}

// Router routes app commands to devices through the helper.
type Router struct {
	sender Sender
	store  *storage.Store
	log    *slog.Logger
}

// NewRouter creates a command router.
func NewRouter(sender Sender, store *storage.Store, log *slog.Logger) *Router {
	if log == nil {
		log = logging.Nop()
	}
	return &Router{
		sender: sender,
		store:  store,
		log:    logging.Named(log, "commands"),
	}
}

// SendDeviceCommand dispatches a command to the addressed bot. Missing
// addressing fields are filled from the bot record. Bots that are
// unknown, not MQTT based, or offline produce a fail result rather
// than an error.
func (r *Router) SendDeviceCommand(ctx context.Context, cmd mqtt.Command) *mqtt.CommandResult {
	// Devices echo the request id back in the response topic, so it has
	// to be topic-safe.
	requestID := id.Letters(6)

	bot := r.store.GetBot(cmd.To)
	if bot == nil || bot.Company != "eco-ng" || !bot.MQTTConnected {
		r.log.Error("no mqtt bot for command", "did", cmd.To, "cmd", cmd.Name)
		return &mqtt.CommandResult{ID: requestID, Errno: errCommon, Ret: "fail"}
	}

	if cmd.ToType == "" {
		cmd.ToType = bot.Class
	}
	if cmd.ToRes == "" {
		cmd.ToRes = bot.Resource
	}
	if cmd.PayloadType == "" {
		cmd.PayloadType = "j"
	}

	res, err := r.sender.SendCommand(ctx, cmd, requestID)
	if err != nil {
		r.log.Error("command dispatch failed", "did", cmd.To, "cmd", cmd.Name, "error", err)
		return &mqtt.CommandResult{ID: requestID, Errno: errCommon, Ret: "fail", Debug: err.Error()}
	}
	return res
}

// CleanLogEntry is one row of a robot's cleaning history.
type CleanLogEntry struct {
	Timestamp string `json:"ts"`
	Area      string `json:"area"`
	Last      string `json:"last"`
	CleanType string `json:"cleanType"`
}

// CleanLogs is the response for a clean-log query.
type CleanLogs struct {
	Ret  string          `json:"ret"`
	Logs []CleanLogEntry `json:"logs"`
}

// GetCleanLogs fetches and decodes the robot's cleaning history. The
// device answers in XML; a device-level refusal comes back as an empty
// log list, matching what the app expects.
func (r *Router) GetCleanLogs(ctx context.Context, did string) (*CleanLogs, error) {
	res := r.SendDeviceCommand(ctx, mqtt.Command{
		Name:        "GetCleanLogs",
		To:          did,
		PayloadType: "x",
		Payload:     cleanLogsPayload,
	})
	if res.Ret != "ok" {
		return nil, fmt.Errorf("clean log query failed for %s", did)
	}

	raw, ok := res.Resp.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected clean log response type %T", res.Resp)
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromString(raw); err != nil {
		return nil, fmt.Errorf("parse clean log response: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("empty clean log response")
	}

	out := &CleanLogs{Ret: "ok", Logs: []CleanLogEntry{}}
	if root.SelectAttrValue("ret", "") != "ok" {
		return out, nil
	}
	for _, line := range root.ChildElements() {
		out.Logs = append(out.Logs, CleanLogEntry{
			Timestamp: line.SelectAttrValue("s", ""),
			Area:      line.SelectAttrValue("a", ""),
			Last:      line.SelectAttrValue("l", ""),
			CleanType: line.SelectAttrValue("t", ""),
		})
	}
	return out, nil
}
