package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ErrMissingPushToken is returned when a registration carries no push token.
var ErrMissingPushToken = errors.New("push token is required")

// Service provides registration operations over the repository.
type Service struct {
	repo   Repository
	logger zerolog.Logger
}

// NewService creates a new registry service.
func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

// RegisterInput carries the fields of a registration request.
type RegisterInput struct {
	// PushToken is the provider token addressing this device. Required.
	PushToken string

	// DeviceType is the wire-level class hint ("ac2dm", "chrome", "chrome2").
	DeviceType string

	// ModernPush marks clients that migrated to the modern delivery path.
	ModernPush bool

	// DisplayName is the user-visible device label.
	DisplayName string

	// DeviceID is an optional stable discriminator for the device
	// installation. Older clients omit it.
	DeviceID string

	// LegacyToken is the token the device is migrating away from
	// (wire field updatedIID). When it names an existing record, the
	// registration updates that same logical device.
	LegacyToken string

	// Debug opts the device into verbose delivery logging.
	Debug bool
}

// Register creates or refreshes the device record for the account.
// Returns the resulting record and whether it was newly created.
//
// Re-registering the same device identity is always safe: it refreshes the
// token, class, name and timestamp in place, so a client recovering from an
// interrupted registration can simply register again.
func (s *Service) Register(ctx context.Context, accountID string, in RegisterInput) (*DeviceRecord, bool, error) {
	if in.PushToken == "" {
		return nil, false, ErrMissingPushToken
	}

	class := ParseClass(in.DeviceType, in.ModernPush)

	displayName := in.DisplayName
	if displayName == "" {
		displayName = "Phone"
	}

	deviceKey, migrated := s.resolveKey(ctx, accountID, in)

	record := &DeviceRecord{
		AccountID:    accountID,
		DeviceKey:    deviceKey,
		PushToken:    in.PushToken,
		Class:        class,
		DisplayName:  displayName,
		RegisteredAt: time.Now(),
		Debug:        in.Debug,
	}

	created, err := s.repo.Upsert(ctx, record)
	if err != nil {
		return nil, false, fmt.Errorf("upsert device: %w", err)
	}

	// A migrated device may have left records under the retired token.
	if migrated && in.LegacyToken != in.PushToken {
		if removed, err := s.repo.Remove(ctx, accountID, in.LegacyToken); err != nil {
			s.logger.Warn().Err(err).
				Str("account", accountID).
				Msg("failed to clear legacy registration")
		} else if removed > 0 {
			s.logger.Info().
				Str("account", accountID).
				Int("removed", removed).
				Msg("cleared legacy registration after migration")
		}
	}

	if !class.ModernPush() {
		// Track remaining legacy-path devices.
		s.logger.Info().
			Str("account", accountID).
			Str("class", string(class)).
			Msg("registered legacy device")
	}

	return record, created, nil
}

// resolveKey determines the device identity for a registration. A legacy
// token that still names a record resolves to that record's key, so the
// migration updates the same logical device instead of creating a new one.
func (s *Service) resolveKey(ctx context.Context, accountID string, in RegisterInput) (deviceKey string, migrated bool) {
	if in.LegacyToken != "" {
		existing, err := s.repo.GetByToken(ctx, accountID, in.LegacyToken)
		if err == nil {
			return existing.DeviceKey, true
		}
		if !errors.Is(err, ErrRecordNotFound) {
			s.logger.Warn().Err(err).
				Str("account", accountID).
				Msg("legacy token lookup failed, registering as new device")
		}
	}

	discriminator := in.DeviceID
	if discriminator == "" {
		discriminator = DefaultDiscriminator(in.PushToken)
	}
	return MakeDeviceKey(accountID, discriminator), false
}

// Unregister removes the account's records for the push token. Returns
// whether anything was registered; absence is not an error, since the client
// treats it as success.
func (s *Service) Unregister(ctx context.Context, accountID, pushToken string) (bool, error) {
	removed, err := s.repo.Remove(ctx, accountID, pushToken)
	if err != nil {
		return false, fmt.Errorf("remove device: %w", err)
	}
	if removed == 0 {
		s.logger.Info().
			Str("account", accountID).
			Msg("unregister for unknown token")
		return false, nil
	}
	return true, nil
}

// RotateToken applies a provider-issued token replacement, keyed by the old
// token. A missing old token is a no-op: the client re-registers on its own
// and the registry self-heals.
func (s *Service) RotateToken(ctx context.Context, oldToken, newToken string) (bool, error) {
	if oldToken == "" || newToken == "" || oldToken == newToken {
		return false, nil
	}

	found, err := s.repo.Rekey(ctx, oldToken, newToken)
	if err != nil {
		return false, fmt.Errorf("rekey device: %w", err)
	}
	if found {
		s.logger.Info().Msg("updated rotated push token")
	}
	return found, nil
}

// List retrieves the account's records ordered by device key. Accounts that
// predate multi-device support may carry one bare record without a
// discriminator alongside newer ones; the bare record is pruned here.
func (s *Service) List(ctx context.Context, accountID string) ([]*DeviceRecord, error) {
	records, err := s.repo.ListForAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}

	if len(records) > 1 && !HasDiscriminator(records[0].DeviceKey) {
		bare := records[0]
		s.logger.Warn().
			Str("account", accountID).
			Str("key", bare.DeviceKey).
			Msg("removing old-style registration key")
		if err := s.repo.Delete(ctx, accountID, bare.DeviceKey); err != nil && !errors.Is(err, ErrRecordNotFound) {
			s.logger.Warn().Err(err).Msg("failed to remove old-style key")
		} else {
			records = records[1:]
		}
	}

	return records, nil
}
