package balancer

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ferro-labs/credential-gateway/credential"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newPool(t *testing.T, provider string, ids ...string) *credential.Pool {
	t.Helper()
	p := credential.NewPool(provider)
	for _, id := range ids {
		data, _ := credential.NewData(credential.AuthAPIKey, credential.APIKey{APIKey: "sk-" + id})
		if err := p.Add(credential.New(id, provider, data)); err != nil {
			t.Fatalf("Add(%s): %v", id, err)
		}
	}
	return p
}

func TestSelect_UnknownProvider(t *testing.T) {
	lb := New(RoundRobin)
	_, err := lb.Select("missing")
	if !errors.Is(err, credential.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSelect_EmptyPool(t *testing.T) {
	lb := New(RoundRobin)
	lb.AddPool(credential.NewPool("openai"))
	_, err := lb.Select("openai")
	if !errors.Is(err, credential.ErrAllExhausted) {
		t.Fatalf("expected ErrAllExhausted, got %v", err)
	}
}

func TestRoundRobin_VisitsEachOnce(t *testing.T) {
	lb := New(RoundRobin)
	lb.AddPool(newPool(t, "openai", "a", "b", "c", "d"))

	for round := 0; round < 3; round++ {
		seen := map[string]int{}
		for i := 0; i < 4; i++ {
			sel, err := lb.Select("openai")
			if err != nil {
				t.Fatalf("Select: %v", err)
			}
			seen[sel.CredentialID]++
		}
		for _, id := range []string{"a", "b", "c", "d"} {
			if seen[id] != 1 {
				t.Errorf("round %d: %s selected %d times, want 1", round, id, seen[id])
			}
		}
	}
}

func TestRoundRobin_InsertionOrder(t *testing.T) {
	lb := New(RoundRobin)
	lb.AddPool(newPool(t, "openai", "x", "y", "z"))

	var got []string
	for i := 0; i < 4; i++ {
		sel, _ := lb.Select("openai")
		got = append(got, sel.CredentialID)
	}
	want := []string{"x", "y", "z", "x"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sequence = %v, want %v", got, want)
		}
	}
}

func TestLeastUsed_TieBreakByInsertion(t *testing.T) {
	lb := New(LeastUsed)
	lb.AddPool(newPool(t, "openai", "a", "b", "c"))

	sel, _ := lb.Select("openai")
	if sel.CredentialID != "a" {
		t.Fatalf("expected a on a full tie, got %s", sel.CredentialID)
	}

	_ = lb.Report("openai", "a", Result{Success: true})
	_ = lb.Report("openai", "b", Result{Success: true})
	sel, _ = lb.Select("openai")
	if sel.CredentialID != "c" {
		t.Fatalf("expected c (least used), got %s", sel.CredentialID)
	}
}

func TestRandom_OnlyEligible(t *testing.T) {
	clock := newFakeClock()
	lb := New(Random, WithClock(clock.Now))
	lb.AddPool(newPool(t, "openai", "a", "b", "c"))
	lb.MarkCooldown("openai", "a", time.Minute, "test")
	lb.MarkCooldown("openai", "c", time.Minute, "test")

	for i := 0; i < 50; i++ {
		sel, err := lb.Select("openai")
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if sel.CredentialID != "b" {
			t.Fatalf("selected cooling credential %s", sel.CredentialID)
		}
	}
}

func TestSelect_SkipsCooldownUntilExpiry(t *testing.T) {
	clock := newFakeClock()
	lb := New(RoundRobin, WithClock(clock.Now))
	lb.AddPool(newPool(t, "openai", "a", "b"))

	lb.MarkCooldown("openai", "a", 30*time.Second, "rate limit")
	if !lb.IsInCooldown("openai", "a") {
		t.Fatal("expected a to be cooling")
	}
	for i := 0; i < 5; i++ {
		sel, _ := lb.Select("openai")
		if sel.CredentialID != "b" {
			t.Fatalf("select %d returned %s, want b", i, sel.CredentialID)
		}
	}

	clock.Advance(31 * time.Second)
	if lb.IsInCooldown("openai", "a") {
		t.Fatal("cooldown should have expired")
	}
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		sel, _ := lb.Select("openai")
		seen[sel.CredentialID] = true
	}
	if !seen["a"] {
		t.Error("a should be selectable again after cooldown")
	}
}

func TestSelect_AllCooling(t *testing.T) {
	lb := New(RoundRobin)
	lb.AddPool(newPool(t, "openai", "a"))
	lb.MarkCooldown("openai", "a", time.Hour, "rate limit")

	_, err := lb.Select("openai")
	if !errors.Is(err, credential.ErrAllExhausted) {
		t.Fatalf("expected ErrAllExhausted, got %v", err)
	}

	sel, err := lb.SelectFiltered("openai", Options{IgnoreCooldown: true})
	if err != nil {
		t.Fatalf("IgnoreCooldown select: %v", err)
	}
	if sel.CredentialID != "a" {
		t.Errorf("got %s, want a", sel.CredentialID)
	}
}

func TestSelectWithFailover_Exclude(t *testing.T) {
	lb := New(RoundRobin)
	lb.AddPool(newPool(t, "openai", "a", "b", "c"))
	lb.MarkCooldown("openai", "b", time.Hour, "rate limit")

	sel, err := lb.SelectWithFailover("openai", "a")
	if err != nil {
		t.Fatalf("SelectWithFailover: %v", err)
	}
	if sel.CredentialID != "c" {
		t.Errorf("got %s, want c", sel.CredentialID)
	}

	_, err = lb.SelectWithFailover("openai", "a", "c")
	if !errors.Is(err, credential.ErrAllExhausted) {
		t.Errorf("expected ErrAllExhausted, got %v", err)
	}
}

func TestSelect_SkipsDisabled(t *testing.T) {
	lb := New(RoundRobin)
	pool := newPool(t, "openai", "a", "b")
	lb.AddPool(pool)
	_ = pool.SetDisabled("a", true)

	for i := 0; i < 3; i++ {
		sel, _ := lb.Select("openai")
		if sel.CredentialID != "b" {
			t.Fatalf("selected disabled credential %s", sel.CredentialID)
		}
	}
}

func TestMarkActive_ClearsCooldown(t *testing.T) {
	lb := New(RoundRobin)
	lb.AddPool(newPool(t, "openai", "a"))
	lb.MarkCooldown("openai", "a", time.Hour, "rate limit")
	lb.MarkActive("openai", "a")
	if lb.IsInCooldown("openai", "a") {
		t.Fatal("MarkActive should clear the cooldown")
	}
	if len(lb.Cooldowns()) != 0 {
		t.Errorf("expected no cooldowns, got %v", lb.Cooldowns())
	}
}

func TestPurgeExpiredCooldowns(t *testing.T) {
	clock := newFakeClock()
	lb := New(RoundRobin, WithClock(clock.Now))
	lb.AddPool(newPool(t, "openai", "a", "b"))
	lb.MarkCooldown("openai", "a", time.Second, "x")
	lb.MarkCooldown("openai", "b", time.Hour, "y")

	clock.Advance(2 * time.Second)
	if n := lb.PurgeExpiredCooldowns(); n != 1 {
		t.Errorf("purged %d, want 1", n)
	}
	cds := lb.Cooldowns()
	if len(cds) != 1 || cds[0].CredentialID != "b" {
		t.Errorf("Cooldowns() = %v, want only b", cds)
	}
}

func TestReport_ConcurrentNoLostUpdates(t *testing.T) {
	lb := New(RoundRobin)
	lb.AddPool(newPool(t, "openai", "a"))

	const workers, per = 16, 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < per; i++ {
				_ = lb.Report("openai", "a", Result{Success: (w+i)%3 != 0, LatencyMs: int64(i)})
			}
		}(w)
	}
	wg.Wait()

	pool, _ := lb.Pool("openai")
	c, _ := pool.Get("a")
	if got := c.UsageCount + c.ErrorCount; got != workers*per {
		t.Errorf("usage+error = %d, want %d", got, workers*per)
	}
	if c.LastUsedAt == nil {
		t.Error("last_used_at should be set")
	}
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in      string
		want    Strategy
		wantErr bool
	}{
		{"", RoundRobin, false},
		{"round_robin", RoundRobin, false},
		{"least_used", LeastUsed, false},
		{"random", Random, false},
		{"weighted", "", true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.in), func(t *testing.T) {
			got, err := ParseStrategy(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
