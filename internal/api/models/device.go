package models

// DeviceInfo is one registered device as returned by the listing endpoint.
type DeviceInfo struct {
	// Key is the stable device key within the account.
	Key string `json:"key"`

	// Name is the human-readable device name.
	Name string `json:"name"`

	// Type is the wire name of the device class.
	Type string `json:"type"`

	// ModernPush reports whether the device receives modern push messages.
	ModernPush bool `json:"gcm"`

	// PushToken is the current provider push token.
	PushToken string `json:"regid"`

	// RegisteredAt is the registration time as a Unix timestamp in seconds.
	RegisteredAt int64 `json:"ts"`
}

// DeviceListResponse is the payload of the registration listing endpoint.
type DeviceListResponse struct {
	User    string       `json:"user"`
	Devices []DeviceInfo `json:"devices"`
}

// TokenResponse is returned to token-capable browser clients on registration.
// The client pairs the account with the issued channel token.
type TokenResponse struct {
	Account string `json:"account"`
	Token   string `json:"token"`
}
