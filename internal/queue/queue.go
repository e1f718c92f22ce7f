// Package queue carries send requests from the API to the delivery worker.
// The queue is also the retry mechanism: transient delivery failures are
// Nacked back to it and redelivered with the broker's own backoff.
package queue

import "context"

// SendRequest is one browser-to-device push request.
type SendRequest struct {
	// Account owning the target devices.
	Account string `json:"account"`

	// URL is the link being pushed. Required.
	URL string `json:"url"`

	// Title is the page title, shown in the notification.
	Title string `json:"title,omitempty"`

	// Sel is the text selection, if any.
	Sel string `json:"sel,omitempty"`

	// DeviceName restricts delivery to one named device; empty fans out to
	// every push-capable device on the account.
	DeviceName string `json:"deviceName,omitempty"`

	// Debug opts this request into verbose delivery logging.
	Debug bool `json:"debug,omitempty"`
}

// Publisher enqueues send requests for asynchronous delivery.
type Publisher interface {
	// Publish enqueues the request and returns the broker message id.
	Publish(ctx context.Context, req SendRequest) (string, error)
}
