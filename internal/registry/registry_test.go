package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"feedshield/internal/cache"
)

// fakeSubscriber records deliveries and pings.
type fakeSubscriber struct {
	id string

	mu        sync.Mutex
	delivered []Notification
	pings     int
	pingErr   error
	deliver   error
}

func (f *fakeSubscriber) ID() string { return f.id }

func (f *fakeSubscriber) Deliver(n Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deliver != nil {
		return f.deliver
	}
	f.delivered = append(f.delivered, n)
	return nil
}

func (f *fakeSubscriber) Ping() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *fakeSubscriber) deliveredCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered)
}

func completion(imageURL, result string, filters ...string) cache.Completion {
	return cache.Completion{
		ImageURL: imageURL,
		Result:   cache.Value{URL: result},
		Filters:  filters,
	}
}

func TestExactFilterMatching(t *testing.T) {
	r := New()
	sub := &fakeSubscriber{id: "u1"}
	r.Connect(sub)
	r.RegisterWait("u1", "img1", []string{"dogs."})

	// Different filter set on the same image: no delivery, waiter kept.
	r.OnComplete(completion("img1", "out", "dogs.", "cats."))
	if sub.deliveredCount() != 0 {
		t.Fatalf("delivered = %d, want 0 for non-matching filters", sub.deliveredCount())
	}
	if r.WaitingCount("img1") != 1 {
		t.Fatalf("WaitingCount() = %d, want 1 (non-matching waiter kept)", r.WaitingCount("img1"))
	}

	r.OnComplete(completion("img1", "out", "Dogs"))
	if sub.deliveredCount() != 1 {
		t.Fatalf("delivered = %d, want 1 after normalized exact match", sub.deliveredCount())
	}
	if r.WaitingCount("img1") != 0 {
		t.Fatalf("WaitingCount() = %d, want 0 after delivery", r.WaitingCount("img1"))
	}
}

func TestEmptyFiltersMatchAnyCustomCompletion(t *testing.T) {
	r := New()
	sub := &fakeSubscriber{id: "u1"}
	r.Connect(sub)
	r.RegisterWait("u1", "img1", nil)

	r.OnComplete(completion("img1", "out", "custom_cartoonish_9f3a"))
	if sub.deliveredCount() != 1 {
		t.Fatalf("delivered = %d, want 1 for custom completion with empty registration", sub.deliveredCount())
	}
}

func TestCustomInterventionTypeMatching(t *testing.T) {
	r := New()
	matching := &fakeSubscriber{id: "u1"}
	other := &fakeSubscriber{id: "u2"}
	r.Connect(matching)
	r.Connect(other)
	r.RegisterWait("u1", "img1", []string{"cartoonish"})
	r.RegisterWait("u2", "img1", []string{"custom_blurred_0000"})

	r.OnComplete(completion("img1", "out", "custom_cartoonish_9f3a"))
	if matching.deliveredCount() != 1 {
		t.Fatalf("matching subscriber delivered = %d, want 1", matching.deliveredCount())
	}
	if other.deliveredCount() != 0 {
		t.Fatalf("other subscriber delivered = %d, want 0", other.deliveredCount())
	}
	if r.WaitingCount("img1") != 1 {
		t.Fatalf("WaitingCount() = %d, want 1 (non-matching custom waiter kept)", r.WaitingCount("img1"))
	}
}

func TestMultipleSubscribersSameImage(t *testing.T) {
	r := New()
	a := &fakeSubscriber{id: "a"}
	b := &fakeSubscriber{id: "b"}
	r.Connect(a)
	r.Connect(b)
	r.RegisterWait("a", "img1", []string{"dogs"})
	r.RegisterWait("b", "img1", []string{"dogs"})

	r.OnComplete(completion("img1", "out", "dogs."))
	if a.deliveredCount() != 1 || b.deliveredCount() != 1 {
		t.Fatalf("delivered = %d/%d, want 1/1", a.deliveredCount(), b.deliveredCount())
	}
}

func TestDisconnectReleasesRegistrations(t *testing.T) {
	r := New()
	sub := &fakeSubscriber{id: "u1"}
	r.Connect(sub)
	r.RegisterWait("u1", "img1", []string{"dogs"})
	r.RegisterWait("u1", "img2", []string{"cats"})

	r.Disconnect("u1")
	if got := r.WaitingCount("img1") + r.WaitingCount("img2"); got != 0 {
		t.Fatalf("registrations after disconnect = %d, want 0", got)
	}

	r.OnComplete(completion("img1", "out", "dogs."))
	if sub.deliveredCount() != 0 {
		t.Fatalf("delivered after disconnect = %d, want 0", sub.deliveredCount())
	}
}

func TestFailedDeliveryDisconnects(t *testing.T) {
	r := New()
	sub := &fakeSubscriber{id: "u1", deliver: errors.New("gone")}
	r.Connect(sub)
	r.RegisterWait("u1", "img1", []string{"dogs"})
	r.RegisterWait("u1", "img2", []string{"cats"})

	r.OnComplete(completion("img1", "out", "dogs."))
	if r.WaitingCount("img2") != 0 {
		t.Fatalf("WaitingCount(img2) = %d, want 0 after forced disconnect", r.WaitingCount("img2"))
	}
}

func TestLivenessTimeoutEvictsSilentSubscriber(t *testing.T) {
	r := New(
		WithPingInterval(10*time.Millisecond),
		WithIdleTimeout(30*time.Millisecond),
	)
	sub := &fakeSubscriber{id: "u1"}
	r.Connect(sub)
	r.RegisterWait("u1", "img1", []string{"dogs"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.WaitingCount("img1") == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("silent subscriber not evicted before deadline")
}

func TestLivenessTouchKeepsSubscriberAlive(t *testing.T) {
	r := New(
		WithPingInterval(10*time.Millisecond),
		WithIdleTimeout(50*time.Millisecond),
	)
	sub := &fakeSubscriber{id: "u1"}
	r.Connect(sub)
	r.RegisterWait("u1", "img1", []string{"dogs"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	for i := 0; i < 10; i++ {
		r.Touch("u1")
		time.Sleep(10 * time.Millisecond)
	}
	if r.WaitingCount("img1") != 1 {
		t.Fatalf("active subscriber evicted by sweep")
	}
}

func TestFailedPingDisconnects(t *testing.T) {
	r := New(
		WithPingInterval(10*time.Millisecond),
		WithIdleTimeout(10*time.Second),
	)
	sub := &fakeSubscriber{id: "u1", pingErr: errors.New("broken pipe")}
	r.Connect(sub)
	r.RegisterWait("u1", "img1", []string{"dogs"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.WaitingCount("img1") == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("subscriber with failing ping not evicted")
}
