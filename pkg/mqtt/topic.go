package mqtt

import "strings"

// P2P command topics have twelve segments:
//
//	iot/p2p/{cmd}/{fromId}/{fromType}/{fromRes}/{toId}/{toType}/{toRes}/{q|p}/{requestId}/{payloadType}
//
// Requests flow with "q", responses with "p". The payload type is "j"
// for JSON bodies and "x" for raw XML strings.
const p2pSegments = 12

// P2PTopic is a parsed iot/p2p command topic.
type P2PTopic struct {
	Command     string
	FromID      string
	FromType    string
	FromRes     string
	ToID        string
	ToType      string
	ToRes       string
	Direction   string
	RequestID   string
	PayloadType string
}

// ParseP2P parses a topic of the p2p form. The second return value is
// false for anything that is not a twelve-segment iot/p2p topic.
func ParseP2P(topic string) (*P2PTopic, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != p2pSegments || parts[0] != "iot" || parts[1] != "p2p" {
		return nil, false
	}
	return &P2PTopic{
		Command:     parts[2],
		FromID:      parts[3],
		FromType:    parts[4],
		FromRes:     parts[5],
		ToID:        parts[6],
		ToType:      parts[7],
		ToRes:       parts[8],
		Direction:   parts[9],
		RequestID:   parts[10],
		PayloadType: parts[11],
	}, true
}

// String rebuilds the topic from its segments.
func (t *P2PTopic) String() string {
	return strings.Join([]string{
		"iot", "p2p", t.Command,
		t.FromID, t.FromType, t.FromRes,
		t.ToID, t.ToType, t.ToRes,
		t.Direction, t.RequestID, t.PayloadType,
	}, "/")
}

// WithFrom returns a copy of the topic with the sender triple replaced.
func (t *P2PTopic) WithFrom(id, typ, res string) *P2PTopic {
	cp := *t
	cp.FromID, cp.FromType, cp.FromRes = id, typ, res
	return &cp
}

// WithTo returns a copy of the topic with the recipient triple replaced.
func (t *P2PTopic) WithTo(id, typ, res string) *P2PTopic {
	cp := *t
	cp.ToID, cp.ToType, cp.ToRes = id, typ, res
	return &cp
}

// categorize labels a published topic for logging the way operators
// expect to read the traffic.
func categorize(topic string) (label string, isError bool) {
	parts := strings.Split(topic, "/")
	switch {
	case len(parts) > 6 && parts[6] == "helperbot":
		return "Received Response", false
	case len(parts) > 3 && parts[3] == "helperbot":
		return "Send Command", false
	case len(parts) > 1 && parts[1] == "atr":
		if len(parts) > 2 && parts[2] == "errors" {
			return "Received Error", true
		}
		return "Received Broadcast", false
	default:
		return "Received Message", false
	}
}

// clientID is a parsed MQTT client id of the form id@domain/resource.
type clientID struct {
	ID       string
	Domain   string
	Resource string
}

// parseClientID splits an id@domain/resource client id. Returns false
// when the id does not follow that shape.
func parseClientID(raw string) (clientID, bool) {
	at := strings.SplitN(raw, "@", 2)
	if len(at) != 2 {
		return clientID{}, false
	}
	dr := strings.SplitN(at[1], "/", 2)
	if len(dr) != 2 {
		return clientID{}, false
	}
	return clientID{ID: at[0], Domain: dr[0], Resource: dr[1]}, true
}

// isRobot reports whether the client id belongs to a robot rather than
// an app session. App realms always contain "ecouser" or "bumper".
func (c clientID) isRobot() bool {
	return !strings.Contains(c.Domain, "ecouser") && !strings.Contains(c.Domain, "bumper")
}
