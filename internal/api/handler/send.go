package handler

import (
	"net/http"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/phonelink/phonelink/internal/api/response"
	"github.com/phonelink/phonelink/internal/queue"
)

// SendHandler accepts browser push requests and enqueues them for delivery.
type SendHandler struct {
	publisher queue.Publisher
	logger    zerolog.Logger
}

// NewSendHandler creates a new SendHandler.
func NewSendHandler(publisher queue.Publisher, logger zerolog.Logger) *SendHandler {
	return &SendHandler{
		publisher: publisher,
		logger:    logger,
	}
}

// Send handles POST /send. The link is queued, not delivered inline: the
// worker owns provider calls and their retries.
func (h *SendHandler) Send(w http.ResponseWriter, r *http.Request) {
	account := GetAccount(r.Context())

	link := r.PostFormValue("url")
	if !isPushableURL(link) {
		response.PlainError(w, r, http.StatusBadRequest, "Must specify url")
		return
	}

	req := queue.SendRequest{
		Account:    account,
		URL:        link,
		Title:      r.PostFormValue("title"),
		Sel:        r.PostFormValue("sel"),
		DeviceName: r.PostFormValue("deviceName"),
		Debug:      isFormTrue(r.PostFormValue("debug")),
	}

	messageID, err := h.publisher.Publish(r.Context(), req)
	if err != nil {
		h.logger.Error().Err(err).Str("account", account).Msg("enqueueing send request failed")
		response.PlainError(w, r, http.StatusInternalServerError, "Error sending link")
		return
	}

	h.logger.Info().
		Str("account", account).
		Str("message_id", messageID).
		Bool("targeted", req.DeviceName != "").
		Msg("send request queued")
	response.OK(w, r)
}

// isPushableURL reports whether the link is an absolute http(s) URL. Anything
// else (javascript:, file:, relative paths) is refused outright.
func isPushableURL(link string) bool {
	if link == "" {
		return false
	}
	u, err := url.Parse(link)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
