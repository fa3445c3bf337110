package security

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newAlerter(t *testing.T) *AuditAlerter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewAuditAlerter(client, "test:alerts")
}

func TestAuditAlerterObserveTriggersOnce(t *testing.T) {
	alerter := newAlerter(t)
	ctx := context.Background()
	triggered := 0
	for i := 0; i < 12; i++ {
		result, err := alerter.Observe(ctx, "login", "rejected", "127.0.0.1")
		if err != nil {
			t.Fatalf("observe: %v", err)
		}
		if result.Triggered {
			triggered++
			if result.Count != 10 {
				t.Fatalf("expected trigger at count 10, got %d", result.Count)
			}
		}
	}
	if triggered != 1 {
		t.Fatalf("expected exactly one trigger, got %d", triggered)
	}
}

func TestAuditAlerterCountsPerIP(t *testing.T) {
	alerter := newAlerter(t)
	ctx := context.Background()
	for i := 0; i < 9; i++ {
		if _, err := alerter.Observe(ctx, "login", "rejected", "10.0.0.1"); err != nil {
			t.Fatalf("observe: %v", err)
		}
	}
	result, err := alerter.Observe(ctx, "login", "rejected", "10.0.0.2")
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if result.Count != 1 || result.Triggered {
		t.Fatalf("expected a fresh counter for another ip, got %+v", result)
	}
}

func TestAuditAlerterObserveIgnoresUnknownRule(t *testing.T) {
	alerter := newAlerter(t)
	result, err := alerter.Observe(context.Background(), "login", "success", "127.0.0.1")
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if result.Triggered || result.Count != 0 {
		t.Fatalf("unexpected result for success outcome: %+v", result)
	}
}

func TestNilAlerterIsNoop(t *testing.T) {
	var alerter *AuditAlerter
	if _, err := alerter.Observe(context.Background(), "login", "rejected", ""); err != nil {
		t.Fatalf("nil alerter: %v", err)
	}
	if NewAuditAlerter(nil, "") != nil {
		t.Fatalf("expected nil alerter without client")
	}
}
