// Package registrar drives a client's registration against a PhoneLink
// server: obtain the platform push token, bind it to an account, keep it
// fresh across rotations, and tear it down again.
//
// The machine serializes against itself: one register or unregister at a
// time, a second attempt while one is in flight is refused. Completion is
// reported on the Events channel, errors are typed so callers can show the
// right message (re-authenticate vs try again later).
package registrar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/phonelink/phonelink/internal/resilience"
)

// Typed failures. ErrAuth means the credential was refused and the user must
// sign in again; ErrServer and ErrNetwork are retriable later.
var (
	ErrAuth              = errors.New("registration refused: sign in again")
	ErrServer            = errors.New("registration failed: server error")
	ErrNetwork           = errors.New("registration failed: network unreachable")
	ErrOperationInFlight = errors.New("registration operation already in flight")
	ErrNoPushToken       = errors.New("no platform push token available")
)

// TokenSource supplies the platform push token for this device.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// HTTPDoer executes HTTP requests. Satisfied by *resilience.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// EventType identifies what the machine just finished doing.
type EventType string

// Event types delivered on the Events channel.
const (
	EventRegistered     EventType = "registered"
	EventUnregistered   EventType = "unregistered"
	EventTokenRefreshed EventType = "token_refreshed"
	EventFailed         EventType = "failed"
)

// Event is an asynchronous completion notice.
type Event struct {
	Type  EventType
	State State
	Err   error
}

// Config holds configuration for the Registrar.
type Config struct {
	// BaseURL is the server root, e.g. "https://phonelink.example.com".
	BaseURL string

	// Tokens supplies the platform push token.
	Tokens TokenSource

	// Store persists registration state. Defaults to an in-memory store.
	Store StateStore

	// HTTPClient defaults to a resilient client with backoff and breaker.
	HTTPClient HTTPDoer

	// DeviceName is the human-readable name sent on registration.
	DeviceName string

	// DeviceType is the wire class hint, default "gcm".
	DeviceType string

	Logger zerolog.Logger
}

// Registrar is the client registration state machine.
type Registrar struct {
	baseURL    string
	tokens     TokenSource
	store      StateStore
	httpClient HTTPDoer
	deviceName string
	deviceType string
	logger     zerolog.Logger

	mu       sync.Mutex
	phase    Phase
	inFlight bool

	events chan Event
}

// New creates a Registrar. The initial phase is derived from stored state,
// so a relaunch picks up where the last run left off.
func New(cfg Config) (*Registrar, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("registrar: BaseURL is required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("registrar: TokenSource is required")
	}

	store := cfg.Store
	if store == nil {
		store = NewMemoryStateStore()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = resilience.NewClient(resilience.DefaultClientConfig("phonelink-registrar"))
	}
	deviceType := cfg.DeviceType
	if deviceType == "" {
		deviceType = "gcm"
	}

	state, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("registrar: loading state: %w", err)
	}
	phase := PhaseUnregistered
	if state.Registered() {
		phase = PhaseRegistered
	}

	return &Registrar{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		tokens:     cfg.Tokens,
		store:      store,
		httpClient: httpClient,
		deviceName: cfg.DeviceName,
		deviceType: deviceType,
		logger:     cfg.Logger,
		phase:      phase,
		events:     make(chan Event, 8),
	}, nil
}

// Events delivers asynchronous completion notices. The channel is buffered;
// events are dropped, not blocked on, if nobody listens.
func (r *Registrar) Events() <-chan Event {
	return r.events
}

// Phase returns the current lifecycle phase.
func (r *Registrar) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// State returns the persisted registration state.
func (r *Registrar) State() (State, error) {
	return r.store.Load()
}

// begin claims the single in-flight slot or refuses.
func (r *Registrar) begin(phase Phase) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight {
		return ErrOperationInFlight
	}
	r.inFlight = true
	r.phase = phase
	return nil
}

func (r *Registrar) finish(phase Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inFlight = false
	r.phase = phase
}

func (r *Registrar) emit(ev Event) {
	select {
	case r.events <- ev:
	default:
		r.logger.Warn().Str("event", string(ev.Type)).Msg("event dropped, no listener")
	}
}

// Register binds this device to the account. Re-registration with the same
// identity is idempotent; a half-finished previous attempt heals here.
func (r *Registrar) Register(ctx context.Context, account, credential string) error {
	if err := r.begin(PhaseRegistering); err != nil {
		return err
	}

	state, err := r.store.Load()
	if err != nil {
		r.finish(PhaseUnregistered)
		return fmt.Errorf("loading state: %w", err)
	}

	pushToken, err := r.tokens.Token(ctx)
	if err != nil {
		r.finish(phaseFor(state))
		r.emit(Event{Type: EventFailed, State: state, Err: err})
		return fmt.Errorf("%w: %s", ErrNoPushToken, err.Error())
	}

	form := url.Values{}
	form.Set("devregid", pushToken)
	form.Set("deviceType", r.deviceType)
	form.Set("gcm", "true")
	if r.deviceName != "" {
		form.Set("deviceName", r.deviceName)
	}
	// A token cached from an earlier run lets the server migrate the old
	// record instead of creating a second device.
	if state.LocalDeviceToken != "" && state.LocalDeviceToken != pushToken {
		form.Set("updatedIID", state.LocalDeviceToken)
	}

	if err := r.post(ctx, "/register", credential, form); err != nil {
		// Failure leaves the stored state untouched: retry is always safe.
		r.finish(phaseFor(state))
		r.emit(Event{Type: EventFailed, State: state, Err: err})
		return err
	}

	state.LocalDeviceToken = pushToken
	state.ServerRegistrationID = pushToken
	state.BoundAccount = account
	if err := r.store.Save(state); err != nil {
		r.finish(PhaseUnregistered)
		return fmt.Errorf("saving state: %w", err)
	}

	r.logger.Info().Str("account", account).Msg("registered")
	r.finish(PhaseRegistered)
	r.emit(Event{Type: EventRegistered, State: state})
	return nil
}

// Unregister tears the registration down. Not being registered is success.
// On failure the state stays Registered so the user can retry.
func (r *Registrar) Unregister(ctx context.Context, credential string) error {
	if err := r.begin(PhaseUnregistering); err != nil {
		return err
	}

	state, err := r.store.Load()
	if err != nil {
		r.finish(PhaseUnregistered)
		return fmt.Errorf("loading state: %w", err)
	}

	if !state.Registered() {
		r.finish(PhaseUnregistered)
		r.emit(Event{Type: EventUnregistered, State: state})
		return nil
	}

	form := url.Values{}
	form.Set("devregid", state.ServerRegistrationID)

	if err := r.post(ctx, "/unregister", credential, form); err != nil {
		r.finish(PhaseRegistered)
		r.emit(Event{Type: EventFailed, State: state, Err: err})
		return err
	}

	// Cleared atomically: either both fields survive or neither does.
	state.ServerRegistrationID = ""
	state.BoundAccount = ""
	if err := r.store.Save(state); err != nil {
		r.finish(PhaseRegistered)
		return fmt.Errorf("saving state: %w", err)
	}

	r.logger.Info().Msg("unregistered")
	r.finish(PhaseUnregistered)
	r.emit(Event{Type: EventUnregistered, State: state})
	return nil
}

// OnTokenRotated tells the server the platform rotated the push token.
// Fire-and-forget: the hint runs in the background and never fails the
// caller; ServerRegistrationID is only updated once the server confirmed.
func (r *Registrar) OnTokenRotated(credential, newToken string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		r.rotateToken(ctx, credential, newToken)
	}()
}

func (r *Registrar) rotateToken(ctx context.Context, credential, newToken string) {
	if err := r.begin(PhaseRefreshingToken); err != nil {
		r.logger.Warn().Err(err).Msg("token rotation skipped")
		return
	}

	state, err := r.store.Load()
	if err != nil {
		r.finish(PhaseUnregistered)
		r.logger.Error().Err(err).Msg("token rotation: loading state failed")
		return
	}

	oldToken := state.LocalDeviceToken
	state.LocalDeviceToken = newToken
	if saveErr := r.store.Save(state); saveErr != nil {
		r.logger.Error().Err(saveErr).Msg("token rotation: saving state failed")
	}

	if !state.Registered() || oldToken == "" || oldToken == newToken {
		r.finish(phaseFor(state))
		return
	}

	form := url.Values{}
	form.Set("updatedIID", oldToken)
	form.Set("devregid", newToken)

	if err := r.post(ctx, "/update", credential, form); err != nil {
		// The next full register carries the old token as updatedIID.
		r.logger.Warn().Err(err).Msg("token rotation hint failed")
		r.finish(PhaseRegistered)
		r.emit(Event{Type: EventFailed, State: state, Err: err})
		return
	}

	state.ServerRegistrationID = newToken
	if err := r.store.Save(state); err != nil {
		r.logger.Error().Err(err).Msg("token rotation: saving state failed")
	}

	r.finish(PhaseRegistered)
	r.emit(Event{Type: EventTokenRefreshed, State: state})
}

// post sends one form-encoded request and folds the outcome into the typed
// error taxonomy.
func (r *Registrar) post(ctx context.Context, path, credential string, form url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+credential)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return fmt.Errorf("%w: circuit open", ErrNetwork)
		}
		return fmt.Errorf("%w: %s", ErrNetwork, err.Error())
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrAuth
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrServer, resp.StatusCode)
	default:
		return fmt.Errorf("%w: status %d", ErrServer, resp.StatusCode)
	}
}

func phaseFor(state State) Phase {
	if state.Registered() {
		return PhaseRegistered
	}
	return PhaseUnregistered
}
