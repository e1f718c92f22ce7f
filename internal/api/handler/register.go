package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/phonelink/phonelink/internal/api/models"
	"github.com/phonelink/phonelink/internal/api/response"
	"github.com/phonelink/phonelink/internal/registry"
)

// ChannelBinder opens a browser push channel and returns its id. Channel and
// token registrations hand the id back to the client, which listens on it
// directly instead of going through the push provider.
type ChannelBinder interface {
	BindChannel(ctx context.Context, account, pushToken string) (string, error)
}

// RegisterHandler handles the device registration protocol.
type RegisterHandler struct {
	registry *registry.Service
	channels ChannelBinder
	logger   zerolog.Logger
}

// NewRegisterHandler creates a new RegisterHandler. The channel binder may be
// nil when browser channel registrations are not served.
func NewRegisterHandler(svc *registry.Service, channels ChannelBinder, logger zerolog.Logger) *RegisterHandler {
	return &RegisterHandler{
		registry: svc,
		channels: channels,
		logger:   logger,
	}
}

// respondFunc writes the class-specific success body of a registration.
type respondFunc func(h *RegisterHandler, w http.ResponseWriter, r *http.Request, record *registry.DeviceRecord)

// registerResponders is a closed dispatch table: one success shape per device
// class. Unknown classes never reach it, ParseClass folds them to a default.
var registerResponders = map[registry.DeviceClass]respondFunc{
	registry.ClassLegacyPush: respondPlainOK,
	registry.ClassModernPush: respondPlainOK,
	registry.ClassChannel:    respondChannelID,
	registry.ClassToken2:     respondTokenJSON,
}

func respondPlainOK(_ *RegisterHandler, w http.ResponseWriter, r *http.Request, _ *registry.DeviceRecord) {
	response.OK(w, r)
}

func respondChannelID(h *RegisterHandler, w http.ResponseWriter, r *http.Request, record *registry.DeviceRecord) {
	channelID, err := h.bindChannel(r.Context(), record)
	if err != nil {
		h.logger.Error().Err(err).Str("account", record.AccountID).Msg("channel bind failed")
		response.PlainError(w, r, http.StatusInternalServerError, "Error registering device")
		return
	}
	response.OKWith(w, r, channelID)
}

func respondTokenJSON(h *RegisterHandler, w http.ResponseWriter, r *http.Request, record *registry.DeviceRecord) {
	channelID, err := h.bindChannel(r.Context(), record)
	if err != nil {
		h.logger.Error().Err(err).Str("account", record.AccountID).Msg("channel bind failed")
		response.PlainError(w, r, http.StatusInternalServerError, "Error registering device")
		return
	}
	response.JSON(w, r, http.StatusOK, models.TokenResponse{
		Account: record.AccountID,
		Token:   channelID,
	})
}

func (h *RegisterHandler) bindChannel(ctx context.Context, record *registry.DeviceRecord) (string, error) {
	if h.channels == nil {
		return "", errors.New("no channel binder configured")
	}
	return h.channels.BindChannel(ctx, record.AccountID, record.PushToken)
}

// Register handles POST /register.
func (h *RegisterHandler) Register(w http.ResponseWriter, r *http.Request) {
	account := GetAccount(r.Context())

	in := registry.RegisterInput{
		PushToken:   r.PostFormValue("devregid"),
		DeviceType:  r.PostFormValue("deviceType"),
		ModernPush:  isFormTrue(r.PostFormValue("gcm")),
		DisplayName: r.PostFormValue("deviceName"),
		DeviceID:    r.PostFormValue("deviceId"),
		LegacyToken: r.PostFormValue("updatedIID"),
		Debug:       isFormTrue(r.PostFormValue("debug")),
	}

	record, created, err := h.registry.Register(r.Context(), account, in)
	if err != nil {
		if errors.Is(err, registry.ErrMissingPushToken) {
			response.PlainError(w, r, http.StatusBadRequest, "Must specify devregid")
			return
		}
		h.logger.Error().Err(err).Str("account", account).Msg("device registration failed")
		response.PlainError(w, r, http.StatusInternalServerError, "Error registering device")
		return
	}

	h.logger.Info().
		Str("account", account).
		Str("device_key", record.DeviceKey).
		Str("class", string(record.Class)).
		Bool("created", created).
		Msg("device registered")

	registerResponders[record.Class](h, w, r, record)
}

// Unregister handles POST /unregister. Answers OK whether or not the token
// was registered: the client only cares that it is gone now.
func (h *RegisterHandler) Unregister(w http.ResponseWriter, r *http.Request) {
	account := GetAccount(r.Context())

	pushToken := r.PostFormValue("devregid")
	if pushToken == "" {
		response.PlainError(w, r, http.StatusBadRequest, "Must specify devregid")
		return
	}

	removed, err := h.registry.Unregister(r.Context(), account, pushToken)
	if err != nil {
		h.logger.Error().Err(err).Str("account", account).Msg("device unregistration failed")
		response.PlainError(w, r, http.StatusInternalServerError, "Error unregistering device")
		return
	}

	h.logger.Info().
		Str("account", account).
		Bool("removed", removed).
		Msg("device unregistered")
	response.OK(w, r)
}

// Update handles POST /update, the token-rotation hint. Fire-and-forget:
// always 200, failures are only logged.
func (h *RegisterHandler) Update(w http.ResponseWriter, r *http.Request) {
	oldToken := r.PostFormValue("updatedIID")
	newToken := r.PostFormValue("devregid")

	found, err := h.registry.RotateToken(r.Context(), oldToken, newToken)
	if err != nil {
		h.logger.Warn().Err(err).Msg("token rotation failed")
	} else if !found {
		h.logger.Debug().Msg("token rotation hint for unknown token")
	}

	response.OK(w, r)
}

// List handles GET /register, the registration listing for management UIs.
func (h *RegisterHandler) List(w http.ResponseWriter, r *http.Request) {
	account := GetAccount(r.Context())

	records, err := h.registry.List(r.Context(), account)
	if err != nil {
		h.logger.Error().Err(err).Str("account", account).Msg("device listing failed")
		response.InternalError(w, r, "could not list devices")
		return
	}

	resp := models.DeviceListResponse{
		User:    account,
		Devices: make([]models.DeviceInfo, 0, len(records)),
	}
	for _, record := range records {
		resp.Devices = append(resp.Devices, models.DeviceInfo{
			Key:          record.DeviceKey,
			Name:         record.DisplayName,
			Type:         string(record.Class),
			ModernPush:   record.Class.ModernPush(),
			PushToken:    record.PushToken,
			RegisteredAt: record.RegisteredAt.Unix(),
		})
	}

	response.JSON(w, r, http.StatusOK, resp)
}

// isFormTrue interprets the loose booleans phone clients send.
func isFormTrue(v string) bool {
	switch v {
	case "1", "true", "TRUE", "True", "yes", "on":
		return true
	}
	return false
}
