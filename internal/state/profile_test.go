package state

import (
	"context"
	"errors"
	"testing"
	"time"
	_ "time/tzdata"
)

func TestProfileStore(t *testing.T) {
	store := NewProfileStore(t.TempDir())
	ctx := context.Background()

	if _, err := store.Get(ctx, "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	p, err := store.SetTimezone(ctx, "alice", "Asia/Tokyo")
	if err != nil {
		t.Fatal(err)
	}
	if p.Timezone != "Asia/Tokyo" || p.CreatedAt.IsZero() {
		t.Errorf("unexpected profile %+v", p)
	}

	got, err := store.Get(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if got.Timezone != "Asia/Tokyo" {
		t.Errorf("expected persisted timezone, got %q", got.Timezone)
	}

	if _, err := store.SetTimezone(ctx, "alice", "Mars/Olympus"); err == nil {
		t.Error("expected invalid timezone to be rejected")
	}

	profiles, err := store.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(profiles) != 1 {
		t.Errorf("expected 1 profile, got %d", len(profiles))
	}
}

func TestProfileLocation(t *testing.T) {
	store := NewProfileStore(t.TempDir())
	ctx := context.Background()

	if loc := store.Location(ctx, "bob", time.UTC); loc != time.UTC {
		t.Errorf("expected fallback location, got %v", loc)
	}
	if _, err := store.SetTimezone(ctx, "bob", "Europe/Berlin"); err != nil {
		t.Fatal(err)
	}
	if loc := store.Location(ctx, "bob", time.UTC); loc.String() != "Europe/Berlin" {
		t.Errorf("expected Europe/Berlin, got %v", loc)
	}
}
