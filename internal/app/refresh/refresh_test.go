package refresh

import (
	"testing"
	"time"

	"github.com/opsboard/opsboard/internal/domain"
)

func TestHub_PublishMatchesScope(t *testing.T) {
	h := NewHub()
	s1 := h.Subscribe(domain.Scope{TenantID: "t1", SiteID: "s1"})
	s2 := h.Subscribe(domain.Scope{TenantID: "t1", SiteID: "s2"})
	other := h.Subscribe(domain.Scope{TenantID: "t2"})
	defer h.Unsubscribe(s1)
	defer h.Unsubscribe(s2)
	defer h.Unsubscribe(other)

	h.Publish(Signal{Reason: ReasonTaskCompleted, Scope: domain.Scope{TenantID: "t1", SiteID: "s1"}, TaskID: "task-1"})

	select {
	case sig := <-s1:
		if sig.TaskID != "task-1" || sig.At.IsZero() {
			t.Errorf("signal = %+v", sig)
		}
	default:
		t.Fatal("s1 did not receive the signal")
	}
	select {
	case sig := <-s2:
		t.Errorf("s2 received %+v, want nothing", sig)
	default:
	}
	select {
	case sig := <-other:
		t.Errorf("other tenant received %+v, want nothing", sig)
	default:
	}
}

func TestHub_BroadcastReachesEveryone(t *testing.T) {
	h := NewHub()
	a := h.Subscribe(domain.Scope{TenantID: "t1"})
	b := h.Subscribe(domain.Scope{TenantID: "t2", SiteID: "s9"})

	h.Publish(Signal{Reason: ReasonDayRollover})

	for i, ch := range []chan Signal{a, b} {
		select {
		case sig := <-ch:
			if sig.Reason != ReasonDayRollover {
				t.Errorf("sub %d reason = %s", i, sig.Reason)
			}
		default:
			t.Errorf("sub %d missed broadcast", i)
		}
	}
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe(domain.Scope{TenantID: "t1"})
	defer h.Unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			h.Publish(Signal{Reason: ReasonDataChanged, Scope: domain.Scope{TenantID: "t1"}})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if len(ch) != cap(ch) {
		t.Errorf("buffered = %d, want %d", len(ch), cap(ch))
	}
}

func TestHub_UnsubscribeClosesOnce(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe(domain.Scope{TenantID: "t1"})
	h.Unsubscribe(ch)
	h.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Error("channel still open")
	}
	if h.Len() != 0 {
		t.Errorf("Len() = %d, want 0", h.Len())
	}
}

func TestHub_NilPublishIsNoop(t *testing.T) {
	var h *Hub
	h.Publish(Signal{Reason: ReasonManual})
}

func TestClock_RegistersSchedules(t *testing.T) {
	c := NewClock(NewHub(), time.UTC, nil, "")
	if err := c.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer c.Stop()
	if got := c.Entries(); got != len(DefaultBoundaries)+1 {
		t.Errorf("Entries() = %d, want %d", got, len(DefaultBoundaries)+1)
	}
}

func TestClock_RejectsBadSpec(t *testing.T) {
	c := NewClock(NewHub(), time.UTC, []string{"not a cron"}, "")
	if err := c.Start(); err == nil {
		c.Stop()
		t.Fatal("Start() accepted an invalid spec")
	}
}

func TestValidateSpec(t *testing.T) {
	tests := []struct {
		spec    string
		wantErr bool
	}{
		{"0 8 * * *", false},
		{"*/15 * * * *", false},
		{"@daily", false},
		{"0 8 * *", true},
		{"", true},
	}
	for _, tt := range tests {
		err := ValidateSpec(tt.spec)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateSpec(%q) error = %v, wantErr %v", tt.spec, err, tt.wantErr)
		}
	}
}
