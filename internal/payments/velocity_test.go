package payments

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/genforge/credits/internal/ledger"
	"github.com/genforge/credits/internal/testutil"
)

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *RedisVelocity) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	v := NewRedisVelocityWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = v.Close() })
	return mr, v
}

func TestRedisVelocity_CountsPerHour(t *testing.T) {
	ctx := context.Background()
	mr, v := setupMiniredis(t)
	now := time.Date(2026, 3, 1, 12, 10, 0, 0, time.UTC)
	v.now = func() time.Time { return now }
	userID := uuid.New()

	for want := int64(1); want <= 3; want++ {
		got, err := v.Record(ctx, userID)
		if err != nil {
			t.Fatalf("Record: %v", err)
		}
		if got != want {
			t.Errorf("expected count %d, got %d", want, got)
		}
	}

	other, err := v.Record(ctx, uuid.New())
	if err != nil || other != 1 {
		t.Errorf("other account = %d, %v; want 1", other, err)
	}

	keys := mr.Keys()
	if len(keys) != 2 {
		t.Fatalf("expected 2 counters, got %v", keys)
	}
	if ttl := mr.TTL(keys[0]); ttl <= 0 {
		t.Errorf("expected counter to expire, ttl %v", ttl)
	}

	now = now.Add(time.Hour)
	got, err := v.Record(ctx, userID)
	if err != nil || got != 1 {
		t.Errorf("next hour = %d, %v; want 1", got, err)
	}
}

func TestNewRedisVelocity(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()

	v, err := NewRedisVelocity(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisVelocity: %v", err)
	}
	_ = v.Close()

	if _, err := NewRedisVelocity(context.Background(), "not a url"); err == nil {
		t.Error("expected parse error")
	}
}

func TestProcessor_VelocityIsAdvisory(t *testing.T) {
	mr, v := setupMiniredis(t)
	var logs bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&logs, nil))
	st := testutil.NewStore()
	p := NewProcessor(ledger.NewService(st, st, nil), v, Config{Secret: testSecret, Prices: testPrices, VelocityMax: 1}, log)
	userID := uuid.New()

	for _, id := range []string{"evt_a", "evt_b", "evt_c"} {
		body := eventBody(t, Event{EventID: id, UserID: userID, Package: "pack50", Credits: 50, AmountCents: 499})
		res, err := p.HandleEvent(context.Background(), body, Sign(testSecret, body))
		if err != nil || !res.Credited {
			t.Fatalf("%s = %+v, %v; want credited", id, res, err)
		}
	}
	if got := st.Balance(userID); got != 150 {
		t.Errorf("expected balance 150, got %d", got)
	}
	if !strings.Contains(logs.String(), "purchase velocity exceeded") {
		t.Error("expected velocity warning in logs")
	}

	// Redis going away must not block purchases.
	mr.Close()
	body := eventBody(t, Event{EventID: "evt_d", UserID: userID, Package: "pack50", Credits: 50, AmountCents: 499})
	if _, err := p.HandleEvent(context.Background(), body, Sign(testSecret, body)); err != nil {
		t.Fatalf("HandleEvent with redis down: %v", err)
	}
	if !strings.Contains(logs.String(), "velocity check unavailable") {
		t.Error("expected unavailable warning in logs")
	}
}

func TestProcessor_RedeliveryNotCountedForVelocity(t *testing.T) {
	mr, v := setupMiniredis(t)
	var logs bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&logs, nil))
	st := testutil.NewStore()
	p := NewProcessor(ledger.NewService(st, st, nil), v, Config{Secret: testSecret, Prices: testPrices, VelocityMax: 1}, log)
	userID := uuid.New()

	body := eventBody(t, Event{EventID: "evt_1", UserID: userID, Package: "pack50", Credits: 50, AmountCents: 499})
	for i := 0; i < 3; i++ {
		if _, err := p.HandleEvent(context.Background(), body, Sign(testSecret, body)); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}
	keys := mr.Keys()
	if len(keys) != 1 {
		t.Fatalf("expected one velocity key, got %v", keys)
	}
	if got, err := mr.Get(keys[0]); err != nil || got != "1" {
		t.Errorf("velocity count = %q, %v; want 1", got, err)
	}
	if strings.Contains(logs.String(), "purchase velocity exceeded") {
		t.Error("redeliveries tripped the velocity warning")
	}
}
