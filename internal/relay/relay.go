// Package relay sends a single message to one registered device through the
// push provider's HTTP API. It owns credential bookkeeping: stale-credential
// invalidation and rotated-credential capture. It never retries; retry and
// backoff belong to the caller's queue.
package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/phonelink/phonelink/internal/pushconfig"
	"github.com/phonelink/phonelink/internal/registry"
)

const (
	// DefaultEndpoint is the provider's send endpoint.
	DefaultEndpoint = "https://push.phonelink.dev/send"

	// UpdatedAuthHeader is the response header carrying a rotated backend
	// credential.
	UpdatedAuthHeader = "X-Push-Client-Auth"

	// DefaultTimeout bounds a single delivery attempt. A timeout is a
	// transient failure, never a rejection.
	DefaultTimeout = 10 * time.Second
)

// Status classifies a delivery attempt.
type Status int

const (
	// StatusDelivered means the provider accepted the message.
	StatusDelivered Status = iota

	// StatusRejected is a permanent failure; the caller must not retry
	// blindly. An invalid-token rejection means the device record needs
	// re-registration.
	StatusRejected

	// StatusTransient is safe to retry later through the external queue.
	StatusTransient
)

func (s Status) String() string {
	switch s {
	case StatusDelivered:
		return "delivered"
	case StatusRejected:
		return "rejected"
	default:
		return "transient"
	}
}

// Result is the outcome of a single delivery attempt.
type Result struct {
	Status Status

	// Reason explains a rejection or transient failure.
	Reason string

	// MessageID is the provider-assigned id of a delivered message.
	MessageID string
}

func delivered(id string) Result    { return Result{Status: StatusDelivered, MessageID: id} }
func rejected(reason string) Result { return Result{Status: StatusRejected, Reason: reason} }
func transient(reason string) Result {
	return Result{Status: StatusTransient, Reason: reason}
}

// Payload is the message handed to the provider.
type Payload struct {
	// CollapseKey lets the provider coalesce pending messages to a device.
	CollapseKey string

	// DeferWhileIdle asks the provider to hold the message until the device
	// is active.
	DeferWhileIdle bool

	// Data holds the message fields (url, title, sel, ...), sent as
	// data.<field> form pairs.
	Data map[string]string
}

// HTTPDoer abstracts HTTP request execution.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds configuration for the relay.
type Config struct {
	// Endpoint is the provider send URL (defaults to DefaultEndpoint).
	Endpoint string

	// Store is the injected credential store. Required.
	Store pushconfig.Store

	// HTTPClient overrides the HTTP client; a plain client with
	// DefaultTimeout is used when nil. Deliberately not the resilient
	// retrying client: a delivery is one best-effort attempt.
	HTTPClient HTTPDoer

	Logger zerolog.Logger
}

// Relay delivers messages to devices.
type Relay struct {
	endpoint   string
	store      pushconfig.Store
	httpClient HTTPDoer
	logger     zerolog.Logger
}

// New creates a relay.
func New(cfg Config) *Relay {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Relay{
		endpoint:   endpoint,
		store:      cfg.Store,
		httpClient: httpClient,
		logger:     cfg.Logger,
	}
}

// Deliver sends one message to one device record. Side effects are limited to
// credential bookkeeping in the config store.
func (r *Relay) Deliver(ctx context.Context, record *registry.DeviceRecord, payload Payload) Result {
	config, err := r.store.Get(ctx)
	if err != nil {
		return transient(fmt.Sprintf("load credential: %v", err))
	}

	credential, authHeader := r.credentialFor(record.Class, config)
	if credential == "" {
		// Operator-visible: deliveries cannot succeed until a credential is
		// configured or refreshed.
		r.logger.Error().
			Str("class", string(record.Class)).
			Msg("no provider credential configured, rejecting delivery")
		return rejected("no credential")
	}

	req, err := r.buildRequest(ctx, record, payload, authHeader)
	if err != nil {
		return rejected(fmt.Sprintf("build request: %v", err))
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return transient("network")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		// Stale credential: clear it so the next attempt is forced onto a
		// refreshed one, and let the caller retry later. The device is fine.
		r.invalidateCredential(ctx, record.Class, config)
		return transient("auth stale")
	}

	// Apply a rotated credential before looking at the body: the rotation
	// must survive even if this delivery fails.
	if rotated := resp.Header.Get(UpdatedAuthHeader); rotated != "" && rotated != credential {
		r.storeRotatedCredential(ctx, record.Class, config, rotated)
	}

	return r.classifyResponse(record, resp)
}

// credentialFor picks the credential and Authorization header value for the
// device's delivery path.
func (r *Relay) credentialFor(class registry.DeviceClass, config *pushconfig.ConfigRecord) (credential, header string) {
	if class == registry.ClassLegacyPush {
		if config.LegacyAuthToken == "" {
			return "", ""
		}
		return config.LegacyAuthToken, "ClientLogin auth=" + config.LegacyAuthToken
	}
	if config.PushAPIKey == "" {
		return "", ""
	}
	return config.PushAPIKey, "key=" + config.PushAPIKey
}

func (r *Relay) buildRequest(ctx context.Context, record *registry.DeviceRecord, payload Payload, authHeader string) (*http.Request, error) {
	form := url.Values{}
	form.Set("registration_id", record.PushToken)
	form.Set("collapse_key", payload.CollapseKey)
	if payload.DeferWhileIdle {
		form.Set("delay_while_idle", "1")
	}
	for field, value := range payload.Data {
		form.Set("data."+field, value)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset=UTF-8")
	req.Header.Set("Authorization", authHeader)
	return req, nil
}

// classifyResponse parses the provider's single-line key=value body.
func (r *Relay) classifyResponse(record *registry.DeviceRecord, resp *http.Response) Result {
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		if err != nil && !errors.Is(err, io.EOF) {
			return transient("network")
		}
		return transient("malformed response")
	}

	key, value, found := strings.Cut(line, "=")
	if !found {
		r.logger.Warn().
			Int("status", resp.StatusCode).
			Str("body", line).
			Msg("unparseable provider response")
		return transient("malformed response")
	}

	switch key {
	case "id":
		if record.Debug {
			r.logger.Debug().
				Str("device", record.DeviceKey).
				Str("message_id", value).
				Msg("delivered")
		}
		return delivered(value)
	case "Error":
		r.logger.Warn().
			Str("device", record.DeviceKey).
			Str("error", value).
			Msg("provider rejected delivery")
		return rejected(value)
	default:
		return transient("malformed response")
	}
}

func (r *Relay) invalidateCredential(ctx context.Context, class registry.DeviceClass, config *pushconfig.ConfigRecord) {
	if class == registry.ClassLegacyPush {
		config.LegacyAuthToken = ""
	} else {
		config.PushAPIKey = ""
	}
	if err := r.store.Save(ctx, config); err != nil {
		r.logger.Error().Err(err).Msg("failed to clear stale credential")
		return
	}
	r.logger.Warn().
		Str("class", string(class)).
		Msg("provider credential stale, cleared for refresh")
}

func (r *Relay) storeRotatedCredential(ctx context.Context, class registry.DeviceClass, config *pushconfig.ConfigRecord, rotated string) {
	if class == registry.ClassLegacyPush {
		config.LegacyAuthToken = rotated
	} else {
		config.PushAPIKey = rotated
	}
	if err := r.store.Save(ctx, config); err != nil {
		r.logger.Error().Err(err).Msg("failed to store rotated credential")
		return
	}
	r.logger.Info().Msg("stored rotated provider credential")
}
