package registry_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/phonelink/phonelink/internal/registry"
)

func newService() (*registry.Service, *registry.InMemoryRepository) {
	repo := registry.NewInMemoryRepository()
	return registry.NewService(repo, zerolog.Nop()), repo
}

func TestService_Register(t *testing.T) {
	service, _ := newService()
	ctx := context.Background()

	record, created, err := service.Register(ctx, "a@x.com", registry.RegisterInput{
		PushToken:   "T1",
		DeviceType:  "ac2dm",
		ModernPush:  true,
		DisplayName: "Pixel",
	})
	if err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	if !created {
		t.Error("expected a new record")
	}
	if record.Class != registry.ClassModernPush {
		t.Errorf("expected class %q, got %q", registry.ClassModernPush, record.Class)
	}
	if record.PushToken != "T1" {
		t.Errorf("expected token T1, got %q", record.PushToken)
	}
	if record.DeviceKey == "a@x.com" {
		t.Error("expected device key to carry a discriminator")
	}
}

func TestService_Register_MissingToken(t *testing.T) {
	service, _ := newService()

	_, _, err := service.Register(context.Background(), "a@x.com", registry.RegisterInput{})
	if err != registry.ErrMissingPushToken {
		t.Fatalf("expected ErrMissingPushToken, got %v", err)
	}
}

func TestService_Register_Idempotent(t *testing.T) {
	service, _ := newService()
	ctx := context.Background()

	input := registry.RegisterInput{
		PushToken: "T1",
		DeviceID:  "dev1",
	}

	first, created, err := service.Register(ctx, "a@x.com", input)
	if err != nil || !created {
		t.Fatalf("first register: created=%v err=%v", created, err)
	}

	// Same identity, new token: count must not change.
	input.PushToken = "T2"
	second, created, err := service.Register(ctx, "a@x.com", input)
	if err != nil {
		t.Fatalf("second register: %v", err)
	}
	if created {
		t.Error("re-registration must update in place, not create")
	}
	if second.DeviceKey != first.DeviceKey {
		t.Errorf("device key changed across re-registration: %q != %q", second.DeviceKey, first.DeviceKey)
	}

	records, err := service.List(ctx, "a@x.com")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].PushToken != "T2" {
		t.Errorf("expected token T2, got %q", records[0].PushToken)
	}
}

func TestService_Register_LegacyTokenMigration(t *testing.T) {
	service, _ := newService()
	ctx := context.Background()

	first, _, err := service.Register(ctx, "a@x.com", registry.RegisterInput{
		PushToken: "old-token",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	// Migration: new token, old one passed as the legacy hint. The record
	// must keep its identity instead of becoming a second device.
	migrated, created, err := service.Register(ctx, "a@x.com", registry.RegisterInput{
		PushToken:   "new-token",
		ModernPush:  true,
		LegacyToken: "old-token",
	})
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if created {
		t.Error("migration must update the existing logical device")
	}
	if migrated.DeviceKey != first.DeviceKey {
		t.Errorf("migration changed the device key: %q != %q", migrated.DeviceKey, first.DeviceKey)
	}

	records, err := service.List(ctx, "a@x.com")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record after migration, got %d", len(records))
	}
	if records[0].PushToken != "new-token" {
		t.Errorf("expected new-token, got %q", records[0].PushToken)
	}
}

func TestService_CapEviction(t *testing.T) {
	service, repo := newService()
	ctx := context.Background()

	// Fill the account to the cap with increasing timestamps so the first
	// device is the oldest.
	base := time.Now().Add(-time.Hour)
	for i := 0; i < registry.MaxDevices; i++ {
		_, err := repo.Upsert(ctx, &registry.DeviceRecord{
			AccountID:    "a@x.com",
			DeviceKey:    fmt.Sprintf("a@x.com#dev%02d", i),
			PushToken:    fmt.Sprintf("tok%02d", i),
			Class:        registry.ClassModernPush,
			RegisteredAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	_, created, err := service.Register(ctx, "a@x.com", registry.RegisterInput{
		PushToken: "tok-new",
		DeviceID:  "dev-new",
	})
	if err != nil {
		t.Fatalf("register over cap: %v", err)
	}
	if !created {
		t.Fatal("expected a new record")
	}

	records, err := service.List(ctx, "a@x.com")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != registry.MaxDevices {
		t.Fatalf("expected %d records after eviction, got %d", registry.MaxDevices, len(records))
	}
	for _, record := range records {
		if record.DeviceKey == "a@x.com#dev00" {
			t.Error("oldest device should have been evicted")
		}
	}
}

func TestService_CapEviction_DoesNotAffectOtherAccounts(t *testing.T) {
	service, _ := newService()
	ctx := context.Background()

	for i := 0; i < registry.MaxDevices; i++ {
		_, _, err := service.Register(ctx, "a@x.com", registry.RegisterInput{
			PushToken: fmt.Sprintf("a-tok%02d", i),
			DeviceID:  fmt.Sprintf("dev%02d", i),
		})
		if err != nil {
			t.Fatalf("seed a: %v", err)
		}
	}
	if _, _, err := service.Register(ctx, "b@x.com", registry.RegisterInput{
		PushToken: "b-tok",
		DeviceID:  "dev0",
	}); err != nil {
		t.Fatalf("seed b: %v", err)
	}

	if _, _, err := service.Register(ctx, "a@x.com", registry.RegisterInput{
		PushToken: "a-tok-extra",
		DeviceID:  "dev-extra",
	}); err != nil {
		t.Fatalf("register over cap: %v", err)
	}

	bRecords, err := service.List(ctx, "b@x.com")
	if err != nil {
		t.Fatalf("list b: %v", err)
	}
	if len(bRecords) != 1 {
		t.Fatalf("eviction leaked across accounts: got %d records", len(bRecords))
	}
}

func TestService_RotateToken_PreservesIdentity(t *testing.T) {
	service, _ := newService()
	ctx := context.Background()

	record, _, err := service.Register(ctx, "a@x.com", registry.RegisterInput{
		PushToken: "T1",
		DeviceID:  "dev1",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	found, err := service.RotateToken(ctx, "T1", "T2")
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if !found {
		t.Fatal("expected rotation to find the record")
	}

	records, err := service.List(ctx, "a@x.com")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	got := records[0]
	if got.DeviceKey != record.DeviceKey {
		t.Errorf("rotation changed device key: %q != %q", got.DeviceKey, record.DeviceKey)
	}
	if !got.RegisteredAt.Equal(record.RegisteredAt) {
		t.Errorf("rotation changed registration timestamp: %v != %v", got.RegisteredAt, record.RegisteredAt)
	}
	if got.PushToken != "T2" {
		t.Errorf("expected token T2, got %q", got.PushToken)
	}
}

func TestService_RotateToken_UnknownTokenIsNoOp(t *testing.T) {
	service, _ := newService()

	found, err := service.RotateToken(context.Background(), "never-seen", "T2")
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if found {
		t.Error("expected notFound for unknown token")
	}
}

func TestService_Unregister(t *testing.T) {
	service, _ := newService()
	ctx := context.Background()

	if _, _, err := service.Register(ctx, "a@x.com", registry.RegisterInput{
		PushToken: "T1",
		DeviceID:  "dev1",
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	removed, err := service.Unregister(ctx, "a@x.com", "T1")
	if err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if !removed {
		t.Error("expected the record to be removed")
	}

	records, err := service.List(ctx, "a@x.com")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected empty registry, got %d records", len(records))
	}

	// Unregistering again is success from the client's perspective.
	removed, err = service.Unregister(ctx, "a@x.com", "T1")
	if err != nil {
		t.Fatalf("second unregister: %v", err)
	}
	if removed {
		t.Error("expected nothing left to remove")
	}
}

func TestService_RegisterRotateUnregister(t *testing.T) {
	service, _ := newService()
	ctx := context.Background()

	record, _, err := service.Register(ctx, "a@x.com", registry.RegisterInput{
		PushToken:   "T1",
		ModernPush:  true,
		DisplayName: "D1",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if found, err := service.RotateToken(ctx, "T1", "T2"); err != nil || !found {
		t.Fatalf("rotate: found=%v err=%v", found, err)
	}

	records, _ := service.List(ctx, "a@x.com")
	if len(records) != 1 || records[0].DeviceKey != record.DeviceKey || records[0].PushToken != "T2" {
		t.Fatalf("unexpected registry state after rotation: %+v", records)
	}

	if _, err := service.Unregister(ctx, "a@x.com", "T2"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	records, _ = service.List(ctx, "a@x.com")
	if len(records) != 0 {
		t.Fatalf("expected empty registry, got %d records", len(records))
	}
}

func TestService_List_PrunesBareKey(t *testing.T) {
	service, repo := newService()
	ctx := context.Background()

	// Pre-multi-device record without a discriminator, plus a modern one.
	for _, record := range []*registry.DeviceRecord{
		{AccountID: "a@x.com", DeviceKey: "a@x.com", PushToken: "old", RegisteredAt: time.Now()},
		{AccountID: "a@x.com", DeviceKey: "a@x.com#dev1", PushToken: "new", RegisteredAt: time.Now()},
	} {
		if _, err := repo.Upsert(ctx, record); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	records, err := service.List(ctx, "a@x.com")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected bare key to be pruned, got %d records", len(records))
	}
	if records[0].DeviceKey != "a@x.com#dev1" {
		t.Errorf("wrong surviving record: %q", records[0].DeviceKey)
	}
}

func TestParseClass(t *testing.T) {
	tests := []struct {
		deviceType string
		modern     bool
		want       registry.DeviceClass
	}{
		{"", false, registry.ClassLegacyPush},
		{"", true, registry.ClassModernPush},
		{"ac2dm", false, registry.ClassLegacyPush},
		{"ac2dm", true, registry.ClassModernPush},
		{"gcm", false, registry.ClassModernPush},
		{"chrome", false, registry.ClassChannel},
		{"chrome2", true, registry.ClassToken2},
		{"unknown", false, registry.ClassLegacyPush},
	}

	for _, tt := range tests {
		if got := registry.ParseClass(tt.deviceType, tt.modern); got != tt.want {
			t.Errorf("ParseClass(%q, %v) = %q, want %q", tt.deviceType, tt.modern, got, tt.want)
		}
	}
}
