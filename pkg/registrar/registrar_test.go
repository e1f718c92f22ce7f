package registrar_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phonelink/phonelink/pkg/registrar"
)

type staticTokens struct {
	token string
	err   error
}

func (s staticTokens) Token(context.Context) (string, error) {
	return s.token, s.err
}

// recordingServer captures registration protocol requests.
type recordingServer struct {
	mu       sync.Mutex
	requests []recordedRequest
	status   int
	body     string
}

type recordedRequest struct {
	path string
	auth string
	form map[string]string
}

func (s *recordingServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		form := map[string]string{}
		for key := range r.PostForm {
			form[key] = r.PostForm.Get(key)
		}
		s.mu.Lock()
		s.requests = append(s.requests, recordedRequest{
			path: r.URL.Path,
			auth: r.Header.Get("Authorization"),
			form: form,
		})
		s.mu.Unlock()

		status := s.status
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		body := s.body
		if body == "" {
			body = "OK\n"
		}
		_, _ = w.Write([]byte(body))
	}
}

func (s *recordingServer) last(t *testing.T) recordedRequest {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.requests)
	return s.requests[len(s.requests)-1]
}

func newRegistrar(t *testing.T, baseURL string, store registrar.StateStore, tokens registrar.TokenSource) *registrar.Registrar {
	t.Helper()
	r, err := registrar.New(registrar.Config{
		BaseURL:    baseURL,
		Tokens:     tokens,
		Store:      store,
		HTTPClient: http.DefaultClient,
		DeviceName: "Test Phone",
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	return r
}

func waitEvent(t *testing.T, r *registrar.Registrar) registrar.Event {
	t.Helper()
	select {
	case ev := <-r.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return registrar.Event{}
	}
}

func TestRegister_Success(t *testing.T) {
	srv := &recordingServer{}
	server := httptest.NewServer(srv.handler())
	defer server.Close()

	store := registrar.NewMemoryStateStore()
	r := newRegistrar(t, server.URL, store, staticTokens{token: "plat-tok"})

	require.NoError(t, r.Register(context.Background(), "a@x.com", "cred-1"))

	req := srv.last(t)
	assert.Equal(t, "/register", req.path)
	assert.Equal(t, "Bearer cred-1", req.auth)
	assert.Equal(t, "plat-tok", req.form["devregid"])
	assert.Equal(t, "Test Phone", req.form["deviceName"])

	state, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "plat-tok", state.ServerRegistrationID)
	assert.Equal(t, "a@x.com", state.BoundAccount)
	assert.Equal(t, registrar.PhaseRegistered, r.Phase())

	ev := waitEvent(t, r)
	assert.Equal(t, registrar.EventRegistered, ev.Type)
}

func TestRegister_SendsCachedTokenAsMigrationHint(t *testing.T) {
	srv := &recordingServer{}
	server := httptest.NewServer(srv.handler())
	defer server.Close()

	store := registrar.NewMemoryStateStore()
	require.NoError(t, store.Save(registrar.State{LocalDeviceToken: "old-tok"}))

	r := newRegistrar(t, server.URL, store, staticTokens{token: "new-tok"})
	require.NoError(t, r.Register(context.Background(), "a@x.com", "cred-1"))

	req := srv.last(t)
	assert.Equal(t, "old-tok", req.form["updatedIID"])
	assert.Equal(t, "new-tok", req.form["devregid"])
}

func TestRegister_AuthFailureLeavesStateUntouched(t *testing.T) {
	srv := &recordingServer{status: http.StatusUnauthorized}
	server := httptest.NewServer(srv.handler())
	defer server.Close()

	store := registrar.NewMemoryStateStore()
	r := newRegistrar(t, server.URL, store, staticTokens{token: "plat-tok"})

	err := r.Register(context.Background(), "a@x.com", "bad-cred")
	require.ErrorIs(t, err, registrar.ErrAuth)

	state, loadErr := store.Load()
	require.NoError(t, loadErr)
	assert.False(t, state.Registered())
	assert.Equal(t, registrar.PhaseUnregistered, r.Phase())

	ev := waitEvent(t, r)
	assert.Equal(t, registrar.EventFailed, ev.Type)
	assert.ErrorIs(t, ev.Err, registrar.ErrAuth)
}

func TestRegister_ServerErrorIsTyped(t *testing.T) {
	srv := &recordingServer{status: http.StatusInternalServerError}
	server := httptest.NewServer(srv.handler())
	defer server.Close()

	r := newRegistrar(t, server.URL, registrar.NewMemoryStateStore(), staticTokens{token: "plat-tok"})

	err := r.Register(context.Background(), "a@x.com", "cred-1")
	assert.ErrorIs(t, err, registrar.ErrServer)
}

func TestRegister_NetworkErrorIsTyped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	server.Close() // connection refused

	r := newRegistrar(t, server.URL, registrar.NewMemoryStateStore(), staticTokens{token: "plat-tok"})

	err := r.Register(context.Background(), "a@x.com", "cred-1")
	assert.ErrorIs(t, err, registrar.ErrNetwork)
}

func TestRegister_NoPushToken(t *testing.T) {
	r := newRegistrar(t, "http://localhost:0", registrar.NewMemoryStateStore(),
		staticTokens{err: errors.New("play services unavailable")})

	err := r.Register(context.Background(), "a@x.com", "cred-1")
	assert.ErrorIs(t, err, registrar.ErrNoPushToken)
}

func TestRegister_Reregistration(t *testing.T) {
	srv := &recordingServer{}
	server := httptest.NewServer(srv.handler())
	defer server.Close()

	store := registrar.NewMemoryStateStore()
	r := newRegistrar(t, server.URL, store, staticTokens{token: "plat-tok"})

	require.NoError(t, r.Register(context.Background(), "a@x.com", "cred-1"))
	// Same identity again: always safe.
	require.NoError(t, r.Register(context.Background(), "a@x.com", "cred-1"))

	state, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "plat-tok", state.ServerRegistrationID)
}

func TestUnregister_ClearsState(t *testing.T) {
	srv := &recordingServer{}
	server := httptest.NewServer(srv.handler())
	defer server.Close()

	store := registrar.NewMemoryStateStore()
	r := newRegistrar(t, server.URL, store, staticTokens{token: "plat-tok"})
	require.NoError(t, r.Register(context.Background(), "a@x.com", "cred-1"))
	<-r.Events()

	require.NoError(t, r.Unregister(context.Background(), "cred-1"))

	req := srv.last(t)
	assert.Equal(t, "/unregister", req.path)
	assert.Equal(t, "plat-tok", req.form["devregid"])

	state, err := store.Load()
	require.NoError(t, err)
	assert.False(t, state.Registered())
	assert.Empty(t, state.BoundAccount)
	// The local token survives for the next registration's migration hint.
	assert.Equal(t, "plat-tok", state.LocalDeviceToken)
	assert.Equal(t, registrar.PhaseUnregistered, r.Phase())
}

func TestUnregister_WhenNotRegisteredIsNoop(t *testing.T) {
	srv := &recordingServer{}
	server := httptest.NewServer(srv.handler())
	defer server.Close()

	r := newRegistrar(t, server.URL, registrar.NewMemoryStateStore(), staticTokens{token: "plat-tok"})

	require.NoError(t, r.Unregister(context.Background(), "cred-1"))

	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Empty(t, srv.requests)
}

func TestUnregister_FailureKeepsRegistered(t *testing.T) {
	srv := &recordingServer{}
	server := httptest.NewServer(srv.handler())
	defer server.Close()

	store := registrar.NewMemoryStateStore()
	r := newRegistrar(t, server.URL, store, staticTokens{token: "plat-tok"})
	require.NoError(t, r.Register(context.Background(), "a@x.com", "cred-1"))
	<-r.Events()

	srv.status = http.StatusInternalServerError
	err := r.Unregister(context.Background(), "cred-1")
	require.ErrorIs(t, err, registrar.ErrServer)

	state, loadErr := store.Load()
	require.NoError(t, loadErr)
	assert.True(t, state.Registered())
	assert.Equal(t, registrar.PhaseRegistered, r.Phase())
}

func TestSingleFlight(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		close(started)
		<-release
		_, _ = w.Write([]byte("OK\n"))
	}))
	defer server.Close()

	r := newRegistrar(t, server.URL, registrar.NewMemoryStateStore(), staticTokens{token: "plat-tok"})

	done := make(chan error, 1)
	go func() {
		done <- r.Register(context.Background(), "a@x.com", "cred-1")
	}()
	<-started

	// A second operation while the first is in flight is refused.
	err := r.Register(context.Background(), "a@x.com", "cred-1")
	assert.ErrorIs(t, err, registrar.ErrOperationInFlight)
	err = r.Unregister(context.Background(), "cred-1")
	assert.ErrorIs(t, err, registrar.ErrOperationInFlight)

	close(release)
	require.NoError(t, <-done)
}

func TestOnTokenRotated_SendsHint(t *testing.T) {
	srv := &recordingServer{}
	server := httptest.NewServer(srv.handler())
	defer server.Close()

	store := registrar.NewMemoryStateStore()
	r := newRegistrar(t, server.URL, store, staticTokens{token: "old-tok"})
	require.NoError(t, r.Register(context.Background(), "a@x.com", "cred-1"))
	<-r.Events()

	r.OnTokenRotated("cred-1", "new-tok")

	ev := waitEvent(t, r)
	assert.Equal(t, registrar.EventTokenRefreshed, ev.Type)

	req := srv.last(t)
	assert.Equal(t, "/update", req.path)
	assert.Equal(t, "old-tok", req.form["updatedIID"])
	assert.Equal(t, "new-tok", req.form["devregid"])

	state, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "new-tok", state.LocalDeviceToken)
	assert.Equal(t, "new-tok", state.ServerRegistrationID)
}

func TestFileStateStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	store := registrar.NewFileStateStore(path)

	// Missing file reads as empty state.
	state, err := store.Load()
	require.NoError(t, err)
	assert.False(t, state.Registered())

	want := registrar.State{
		LocalDeviceToken:     "tok-1",
		ServerRegistrationID: "tok-1",
		BoundAccount:         "a@x.com",
	}
	require.NoError(t, store.Save(want))

	got, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// A fresh store over the same path sees the persisted state.
	reopened := registrar.NewFileStateStore(path)
	got, err = reopened.Load()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestNew_ResumesPhaseFromState(t *testing.T) {
	store := registrar.NewMemoryStateStore()
	require.NoError(t, store.Save(registrar.State{
		LocalDeviceToken:     "tok-1",
		ServerRegistrationID: "tok-1",
		BoundAccount:         "a@x.com",
	}))

	r := newRegistrar(t, "http://localhost:0", store, staticTokens{token: "tok-1"})
	assert.Equal(t, registrar.PhaseRegistered, r.Phase())
}
