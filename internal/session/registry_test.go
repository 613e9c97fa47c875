package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/neura-ai/liveavatar/internal/accounting"
	"github.com/neura-ai/liveavatar/internal/assets"
)

func testRegistry(t *testing.T, opts Options) (*Registry, *accounting.InMemoryLedger) {
	t.Helper()
	if opts.CreditsPerMinute == 0 {
		opts.CreditsPerMinute = 5
	}
	ledger := accounting.NewInMemoryLedger(100)
	resolver := assets.NewInMemoryResolver()
	resolver.AddAvatar(assets.Avatar{ID: "ava-1", Name: "Ava", Public: true})
	resolver.AddAvatar(assets.Avatar{ID: "ava-private", Name: "Private", OwnerID: "owner"})
	resolver.AddVoice(assets.Voice{ID: "voice-1", Name: "Warm", Language: "en"})
	return NewRegistry(opts, ledger, resolver), ledger
}

func TestStartAllocatesSession(t *testing.T) {
	r, _ := testRegistry(t, Options{})
	s, err := r.Start(context.Background(), "u1", "ava-1", "voice-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.ID == "" || s.Status != StatusCreated {
		t.Fatalf("unexpected session %+v", s)
	}
	got, err := r.Get(s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UserID != "u1" || got.AvatarID != "ava-1" || got.VoiceID != "voice-1" {
		t.Fatalf("unexpected session %+v", got)
	}
}

func TestStartRejectsInsufficientBalance(t *testing.T) {
	r, ledger := testRegistry(t, Options{})
	ledger.SetBalance("broke", 2)
	if _, err := r.Start(context.Background(), "broke", "ava-1", ""); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("want ErrQuotaExceeded, got %v", err)
	}
}

func TestStartRejectsUnknownAssets(t *testing.T) {
	r, _ := testRegistry(t, Options{})
	if _, err := r.Start(context.Background(), "u1", "nope", ""); !errors.Is(err, ErrInvalidAvatar) {
		t.Fatalf("want ErrInvalidAvatar, got %v", err)
	}
	if _, err := r.Start(context.Background(), "u1", "ava-1", "nope"); !errors.Is(err, ErrInvalidVoice) {
		t.Fatalf("want ErrInvalidVoice, got %v", err)
	}
	// Private avatars are invisible to other users.
	if _, err := r.Start(context.Background(), "u1", "ava-private", ""); !errors.Is(err, ErrInvalidAvatar) {
		t.Fatalf("want ErrInvalidAvatar for foreign private avatar, got %v", err)
	}
	if _, err := r.Start(context.Background(), "owner", "ava-private", ""); err != nil {
		t.Fatalf("owner should resolve own avatar: %v", err)
	}
}

func TestStartEnforcesPerUserLimit(t *testing.T) {
	r, _ := testRegistry(t, Options{MaxPerUser: 1})
	first, err := r.Start(context.Background(), "u1", "ava-1", "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := r.Start(context.Background(), "u1", "ava-1", ""); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("want ErrQuotaExceeded for second session, got %v", err)
	}
	if _, err := r.Stop(context.Background(), first.ID, "client_stop"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := r.Start(context.Background(), "u1", "ava-1", ""); err != nil {
		t.Fatalf("start after stop: %v", err)
	}
}

func TestTransitionGraph(t *testing.T) {
	r, _ := testRegistry(t, Options{})
	s, err := r.Start(context.Background(), "u1", "ava-1", "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := r.Transition(s.ID, StatusNegotiating); err != nil {
		t.Fatalf("created->negotiating: %v", err)
	}
	if _, err := r.Transition(s.ID, StatusLive); err != nil {
		t.Fatalf("negotiating->live: %v", err)
	}
	if _, err := r.Transition(s.ID, StatusNegotiating); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("live->negotiating should fail, got %v", err)
	}
	if _, err := r.Transition(s.ID, StatusEnded); err != nil {
		t.Fatalf("live->ended: %v", err)
	}
	if _, err := r.Transition(s.ID, StatusLive); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("ended is terminal, got %v", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	r, _ := testRegistry(t, Options{})
	s, err := r.Start(context.Background(), "u1", "ava-1", "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	first, err := r.Stop(context.Background(), s.ID, "client_stop")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	second, err := r.Stop(context.Background(), s.ID, "other_reason")
	if err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if second.Status != first.Status || second.EndReason != first.EndReason || !second.EndedAt.Equal(first.EndedAt) {
		t.Fatalf("stop not idempotent: %+v vs %+v", first, second)
	}
	if second.EndReason != "client_stop" {
		t.Fatalf("second stop overwrote reason: %q", second.EndReason)
	}
}

func TestStopBillsStartedMinutes(t *testing.T) {
	r, ledger := testRegistry(t, Options{CreditsPerMinute: 5})
	s, err := r.Start(context.Background(), "u1", "ava-1", "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := r.Transition(s.ID, StatusLive); err != nil {
		t.Fatalf("transition: %v", err)
	}
	// Backdate the live timestamp so the session spans 90 seconds.
	r.mu.Lock()
	r.sessions[s.ID].LiveAt = time.Now().UTC().Add(-90 * time.Second)
	r.mu.Unlock()

	stopped, err := r.Stop(context.Background(), s.ID, "client_stop")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	// 90s rounds up to 2 started minutes.
	if stopped.CreditsUsed != 10 {
		t.Fatalf("want 10 credits used, got %d", stopped.CreditsUsed)
	}
	balance, err := ledger.Balance(context.Background(), "u1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 90 {
		t.Fatalf("want balance 90, got %d", balance)
	}
}

func TestMeterMinuteAvoidsDoubleBillingAtStop(t *testing.T) {
	r, ledger := testRegistry(t, Options{CreditsPerMinute: 5})
	s, err := r.Start(context.Background(), "u1", "ava-1", "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := r.Transition(s.ID, StatusLive); err != nil {
		t.Fatalf("transition: %v", err)
	}
	r.mu.Lock()
	r.sessions[s.ID].LiveAt = time.Now().UTC().Add(-30 * time.Second)
	r.mu.Unlock()

	remaining, err := r.MeterMinute(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("meter: %v", err)
	}
	if remaining != 95 {
		t.Fatalf("want remaining 95, got %d", remaining)
	}
	stopped, err := r.Stop(context.Background(), s.ID, "client_stop")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	// The single started minute was already metered by the loop.
	if stopped.CreditsUsed != 5 {
		t.Fatalf("want 5 credits used, got %d", stopped.CreditsUsed)
	}
	balance, _ := ledger.Balance(context.Background(), "u1")
	if balance != 95 {
		t.Fatalf("want balance 95, got %d", balance)
	}
}

func TestStopInvokesBoundCancel(t *testing.T) {
	r, _ := testRegistry(t, Options{})
	s, err := r.Start(context.Background(), "u1", "ava-1", "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.BindCancel(s.ID, cancel)
	if _, err := r.Stop(context.Background(), s.ID, "client_stop"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("stop did not cancel the bound context")
	}
}

func TestJanitorExpiresIdleAndEvictsEnded(t *testing.T) {
	r, _ := testRegistry(t, Options{IdleTimeout: 20 * time.Millisecond, Retention: 20 * time.Millisecond})
	expired := make(chan string, 1)
	r.SetExpireHook(func(s *Session) { expired <- s.ID })

	s, err := r.Start(context.Background(), "u1", "ava-1", "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	r.StartJanitor(ctx, 10*time.Millisecond)

	select {
	case id := <-expired:
		if id != s.ID {
			t.Fatalf("unexpected expired session %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("janitor never expired the idle session")
	}

	got, err := r.Get(s.ID)
	if err != nil {
		t.Fatalf("ended session should survive the retention window: %v", err)
	}
	if got.Status != StatusEnded || got.EndReason != "idle_timeout" {
		t.Fatalf("unexpected session %+v", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := r.Get(s.ID); errors.Is(err, ErrNotFound) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("janitor never evicted the ended session")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestUpdateConfigRejectsTerminalSession(t *testing.T) {
	r, _ := testRegistry(t, Options{})
	s, err := r.Start(context.Background(), "u1", "ava-1", "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := r.UpdateConfig(context.Background(), s.ID, "ava-1", "voice-1"); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := r.Get(s.ID)
	if got.VoiceID != "voice-1" {
		t.Fatalf("voice not applied: %+v", got)
	}
	if _, err := r.Stop(context.Background(), s.ID, "client_stop"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := r.UpdateConfig(context.Background(), s.ID, "ava-1", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound on terminal session, got %v", err)
	}
}
