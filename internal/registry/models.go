// Package registry provides the durable device registry: the mapping from an
// account and device identity to its current push token and delivery class.
package registry

import (
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"
)

// Repository errors.
var (
	ErrRecordNotFound = errors.New("device record not found")
)

// MaxDevices is the per-account registration cap. Inserting a record beyond
// the cap evicts the account's oldest record first.
const MaxDevices = 10

// DeviceClass identifies the delivery path and response dialect a registered
// client expects.
type DeviceClass string

const (
	// ClassLegacyPush is the original data-messaging protocol, authorized
	// with the legacy client-login token.
	ClassLegacyPush DeviceClass = "ac2dm"

	// ClassModernPush is the current push path, authorized with the API key.
	ClassModernPush DeviceClass = "gcm"

	// ClassChannel is a browser client addressed through a channel service;
	// registration answers with a channel id and the relay never sends to it.
	ClassChannel DeviceClass = "chrome"

	// ClassToken2 is the newer browser client; registration answers with a
	// JSON token payload.
	ClassToken2 DeviceClass = "chrome2"
)

// ParseClass maps the wire-level deviceType hint and the modern-push flag to
// a device class. Unknown hints fall back to the legacy class, upgraded to
// modern when the flag is set.
func ParseClass(deviceType string, modernPush bool) DeviceClass {
	switch DeviceClass(deviceType) {
	case ClassChannel:
		return ClassChannel
	case ClassToken2:
		return ClassToken2
	case ClassModernPush:
		return ClassModernPush
	default:
		if modernPush {
			return ClassModernPush
		}
		return ClassLegacyPush
	}
}

// ModernPush reports whether the class uses the modern delivery path.
func (c DeviceClass) ModernPush() bool {
	return c == ClassModernPush || c == ClassToken2
}

// DeviceRecord binds an account+device identity to its current push token.
type DeviceRecord struct {
	AccountID    string
	DeviceKey    string
	PushToken    string
	Class        DeviceClass
	DisplayName  string
	RegisteredAt time.Time
	Debug        bool
}

// TokenLast4 returns the last 4 characters of the push token for logs and
// management UIs.
func (r *DeviceRecord) TokenLast4() string {
	if len(r.PushToken) < 4 {
		return r.PushToken
	}
	return r.PushToken[len(r.PushToken)-4:]
}

// MakeDeviceKey builds the composite device identity: accountID plus a stable
// per-installation discriminator, e.g. "user@example.com#1f2e3d".
func MakeDeviceKey(accountID, discriminator string) string {
	return accountID + "#" + discriminator
}

// DefaultDiscriminator derives a discriminator from the push token for older
// clients that do not send a stable device id.
func DefaultDiscriminator(pushToken string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(pushToken))
	return fmt.Sprintf("%x", h.Sum64())
}

// HasDiscriminator reports whether the key carries a device discriminator.
// Keys without one predate multi-device accounts.
func HasDiscriminator(deviceKey string) bool {
	return strings.Contains(deviceKey, "#")
}
