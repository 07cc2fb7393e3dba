package mqtt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseP2P(t *testing.T) {
	topic := "iot/p2p/GetBatteryInfo/helperbot/bumper/helperbot/did-1/ls1ok3/atom/q/aBcDeF/j"
	p, ok := ParseP2P(topic)
	require.True(t, ok)
	assert.Equal(t, "GetBatteryInfo", p.Command)
	assert.Equal(t, "helperbot", p.FromID)
	assert.Equal(t, "bumper", p.FromType)
	assert.Equal(t, "helperbot", p.FromRes)
	assert.Equal(t, "did-1", p.ToID)
	assert.Equal(t, "ls1ok3", p.ToType)
	assert.Equal(t, "atom", p.ToRes)
	assert.Equal(t, "q", p.Direction)
	assert.Equal(t, "aBcDeF", p.RequestID)
	assert.Equal(t, "j", p.PayloadType)
	assert.Equal(t, topic, p.String())
}

func TestParseP2PRejects(t *testing.T) {
	for _, topic := range []string{
		"iot/atr/BatteryInfo/did-1/ls1ok3/atom/j",
		"iot/p2p/too/few/segments",
		"other/p2p/GetBatteryInfo/a/b/c/d/e/f/q/rid/j",
		"",
	} {
		_, ok := ParseP2P(topic)
		assert.False(t, ok, "topic %q should not parse", topic)
	}
}

func TestP2PRewrite(t *testing.T) {
	p, ok := ParseP2P("iot/p2p/Clean/user-1/ecouser/app/did-1/ls1ok3/atom/q/rid123/j")
	require.True(t, ok)

	local := p.WithFrom(proxyHelperName, p.FromType, p.FromRes)
	assert.Equal(t, "iot/p2p/Clean/proxyhelper/ecouser/app/did-1/ls1ok3/atom/q/rid123/j", local.String())
	// Original untouched.
	assert.Equal(t, "user-1", p.FromID)

	back := p.WithTo("user-1", "ecouser", "app")
	assert.Equal(t, "user-1", back.ToID)
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		topic   string
		label   string
		isError bool
	}{
		{"iot/p2p/GetWKVer/did-1/ls1ok3/atom/helperbot/bumper/helperbot/p/rid/j", "Received Response", false},
		{"iot/p2p/GetWKVer/helperbot/bumper/helperbot/did-1/ls1ok3/atom/q/rid/j", "Send Command", false},
		{"iot/atr/BatteryInfo/did-1/ls1ok3/atom/j", "Received Broadcast", false},
		{"iot/atr/errors/did-1/ls1ok3/atom/j", "Received Error", true},
		{"iot/dtcfg/did-1/ls1ok3/atom/j", "Received Message", false},
	}
	for _, tt := range tests {
		label, isError := categorize(tt.topic)
		assert.Equal(t, tt.label, label, tt.topic)
		assert.Equal(t, tt.isError, isError, tt.topic)
	}
}

func TestParseClientID(t *testing.T) {
	cid, ok := parseClientID("did-1@ls1ok3/atom")
	require.True(t, ok)
	assert.Equal(t, "did-1", cid.ID)
	assert.Equal(t, "ls1ok3", cid.Domain)
	assert.Equal(t, "atom", cid.Resource)
	assert.True(t, cid.isRobot())

	cid, ok = parseClientID("user-1@ecouser.net/app-resource")
	require.True(t, ok)
	assert.False(t, cid.isRobot())

	cid, ok = parseClientID("helperbot@bumper/helperbot")
	require.True(t, ok)
	assert.False(t, cid.isRobot())

	_, ok = parseClientID("no-at-sign")
	assert.False(t, ok)

	_, ok = parseClientID("id@domain-no-resource")
	assert.False(t, ok)
}
