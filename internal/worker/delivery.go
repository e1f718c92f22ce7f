// Package worker delivers queued send requests to registered devices.
package worker

import (
	"context"
	"hash/fnv"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/phonelink/phonelink/internal/api/middleware"
	"github.com/phonelink/phonelink/internal/queue"
	"github.com/phonelink/phonelink/internal/registry"
	"github.com/phonelink/phonelink/internal/relay"
)

// Deliverer pushes one payload to one device.
type Deliverer interface {
	Deliver(ctx context.Context, record *registry.DeviceRecord, payload relay.Payload) relay.Result
}

// DeliveryJob fans a send request out to the account's devices.
type DeliveryJob struct {
	registry *registry.Service
	relay    Deliverer
	metrics  *middleware.DeliveryMetrics
	logger   zerolog.Logger
}

// DeliveryJobConfig holds configuration for creating a DeliveryJob.
type DeliveryJobConfig struct {
	Registry *registry.Service
	Relay    Deliverer
	// Metrics is optional; nil disables delivery metrics.
	Metrics *middleware.DeliveryMetrics
	Logger  zerolog.Logger
}

// NewDeliveryJob creates a new delivery job processor.
func NewDeliveryJob(cfg DeliveryJobConfig) *DeliveryJob {
	return &DeliveryJob{
		registry: cfg.Registry,
		relay:    cfg.Relay,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}
}

// RunResult summarizes one fan-out.
type RunResult struct {
	Targets   int
	Delivered int
	Removed   int
	Transient int
}

// Retriable reports whether the request should be redelivered by the queue.
// Any transient outcome qualifies; permanent rejections and successes do not.
func (r RunResult) Retriable() bool {
	return r.Transient > 0
}

// Rejection reasons that mean the token is dead and the record should go.
// Anything else (quota, payload too big) keeps the record.
var fatalRejections = map[string]bool{
	"InvalidRegistration": true,
	"NotRegistered":       true,
}

// Run delivers the request to every matching device on the account.
func (j *DeliveryJob) Run(ctx context.Context, req queue.SendRequest) (RunResult, error) {
	var result RunResult

	records, err := j.registry.List(ctx, req.Account)
	if err != nil {
		return result, err
	}

	logger := j.logger.With().Str("account", req.Account).Logger()

	for _, record := range records {
		// Channel devices are browsers listening on their own channel; the
		// push provider never sees them.
		if record.Class == registry.ClassChannel {
			continue
		}
		if req.DeviceName != "" && record.DisplayName != req.DeviceName {
			continue
		}

		result.Targets++
		j.deliverOne(ctx, logger, record, req, &result)
	}

	if result.Targets == 0 {
		logger.Info().Str("device_name", req.DeviceName).Msg("no push-capable devices matched")
	}

	return result, nil
}

func (j *DeliveryJob) deliverOne(ctx context.Context, logger zerolog.Logger, record *registry.DeviceRecord, req queue.SendRequest, result *RunResult) {
	payload := buildPayload(req)

	start := time.Now()
	outcome := j.relay.Deliver(ctx, record, payload)
	if j.metrics != nil {
		j.metrics.RecordDelivery(string(record.Class), outcome.Status.String(), time.Since(start))
	}

	switch outcome.Status {
	case relay.StatusDelivered:
		result.Delivered++
		logger.Debug().
			Str("device_key", record.DeviceKey).
			Str("provider_message_id", outcome.MessageID).
			Msg("delivered")

	case relay.StatusRejected:
		if fatalRejections[outcome.Reason] {
			// The token is dead; drop the record so the device re-registers.
			if _, err := j.registry.Unregister(ctx, record.AccountID, record.PushToken); err != nil {
				logger.Error().Err(err).Str("device_key", record.DeviceKey).Msg("removing dead registration failed")
			} else {
				result.Removed++
				logger.Info().
					Str("device_key", record.DeviceKey).
					Str("reason", outcome.Reason).
					Msg("removed dead registration")
			}
			return
		}
		logger.Warn().
			Str("device_key", record.DeviceKey).
			Str("reason", outcome.Reason).
			Msg("delivery rejected")

	case relay.StatusTransient:
		result.Transient++
		logger.Warn().
			Str("device_key", record.DeviceKey).
			Str("reason", outcome.Reason).
			Msg("delivery deferred")
	}
}

// buildPayload maps a send request onto the provider wire format. The
// collapse key folds repeated pushes of the same link into one notification.
func buildPayload(req queue.SendRequest) relay.Payload {
	data := map[string]string{"url": req.URL}
	if req.Title != "" {
		data["title"] = req.Title
	}
	if req.Sel != "" {
		data["sel"] = req.Sel
	}
	if req.Debug {
		data["debug"] = "1"
	}

	return relay.Payload{
		CollapseKey:    collapseKey(req.URL),
		DeferWhileIdle: true,
		Data:           data,
	}
}

func collapseKey(url string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(url))
	return strconv.FormatUint(uint64(h.Sum32()), 16)
}
