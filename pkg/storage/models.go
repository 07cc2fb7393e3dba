package storage

import "time"

// User is an account that owns devices and bots.
type User struct {
	UserID  string   `json:"userid"`
	Devices []string `json:"devices"`
	Bots    []string `json:"bots"`
}

// HasDevice reports whether the user owns the given device resource.
func (u *User) HasDevice(did string) bool {
	for _, d := range u.Devices {
		if d == did {
			return true
		}
	}
	return false
}

// HasBot reports whether the user owns the given bot.
func (u *User) HasBot(did string) bool {
	for _, b := range u.Bots {
		if b == did {
			return true
		}
	}
	return false
}

// Device is a robot known to the system, keyed by its device id.
type Device struct {
	Class         string `json:"class"`
	Company       string `json:"company"`
	DID           string `json:"did"`
	Name          string `json:"name"`
	Nick          string `json:"nick"`
	Resource      string `json:"resource"`
	MQTTConnected bool   `json:"mqtt_connection"`
	XMPPConnected bool   `json:"xmpp_connection"`
}

// Client is an app session, keyed by its resource.
type Client struct {
	UserID        string `json:"userid"`
	Realm         string `json:"realm"`
	Resource      string `json:"resource"`
	MQTTConnected bool   `json:"mqtt_connection"`
	XMPPConnected bool   `json:"xmpp_connection"`
}

// Token is a login token issued to a user. An authcode may be attached
// after issue for the app's secondary login flow.
type Token struct {
	UserID     string    `json:"userid"`
	Token      string    `json:"token"`
	Expiration time.Time `json:"expiration"`
	AuthCode   string    `json:"authcode,omitempty"`
	ITToken    string    `json:"it_token,omitempty"`
}

// Expired reports whether the token is past its expiration.
func (t *Token) Expired() bool {
	return time.Now().After(t.Expiration)
}

// OAuth is an OAuth-style token pair issued for the newer app API.
type OAuth struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	UserID       string    `json:"userId"`
	ExpireAt     time.Time `json:"expire_at"`
}

// Expired reports whether the oauth grant is past its expiration.
func (o *OAuth) Expired() bool {
	return time.Now().After(o.ExpireAt)
}

// ToResponse renders the grant the way the app expects it, with the
// expiry as epoch milliseconds.
func (o *OAuth) ToResponse() map[string]any {
	return map[string]any{
		"access_token":  o.AccessToken,
		"refresh_token": o.RefreshToken,
		"userId":        o.UserID,
		"expire_at":     o.ExpireAt.UnixMilli(),
	}
}
