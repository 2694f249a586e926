package confirm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// request runs b.Request in a goroutine and hands the generated request
// id to the caller through the notify callback.
func request(t *testing.T, b *Broker, timeout time.Duration) (idCh chan string, result chan bool) {
	t.Helper()
	idCh = make(chan string, 1)
	result = make(chan bool, 1)

	go func() {
		approved, err := b.Request(context.Background(), "drew", "", nil, func(req Request) error {
			idCh <- req.ID
			return nil
		}, timeout)
		if err != nil {
			t.Errorf("Request: %v", err)
		}
		result <- approved
	}()
	return idCh, result
}

func TestApproval(t *testing.T) {
	b := NewBroker(nil)
	idCh, result := request(t, b, time.Minute)

	id := <-idCh
	if !b.HandleResponse(id, true) {
		t.Error("HandleResponse returned false for a live request")
	}
	if approved := <-result; !approved {
		t.Error("approved = false, want true")
	}
	if b.PendingCount() != 0 {
		t.Errorf("PendingCount = %d after resolution", b.PendingCount())
	}
}

func TestRejection(t *testing.T) {
	b := NewBroker(nil)
	idCh, result := request(t, b, time.Minute)

	b.HandleResponse(<-idCh, false)
	if approved := <-result; approved {
		t.Error("approved = true, want false")
	}
}

func TestTimeoutFailsClosed(t *testing.T) {
	b := NewBroker(nil)
	_, result := request(t, b, 20*time.Millisecond)

	select {
	case approved := <-result:
		if approved {
			t.Error("timed-out request resolved approved")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request did not resolve after timeout")
	}
	if b.PendingCount() != 0 {
		t.Errorf("PendingCount = %d after timeout", b.PendingCount())
	}
}

func TestDuplicateResponseIsNoOp(t *testing.T) {
	b := NewBroker(nil)
	idCh, result := request(t, b, time.Minute)

	id := <-idCh
	if !b.HandleResponse(id, true) {
		t.Fatal("first response rejected")
	}
	if b.HandleResponse(id, false) {
		t.Error("duplicate response accepted")
	}
	if approved := <-result; !approved {
		t.Error("verdict changed by duplicate response")
	}
}

func TestUnknownRequestID(t *testing.T) {
	b := NewBroker(nil)
	if b.HandleResponse("nope", true) {
		t.Error("HandleResponse accepted an unknown id")
	}
}

func TestNotifyFailureCancels(t *testing.T) {
	b := NewBroker(nil)

	approved, err := b.Request(context.Background(), "drew", "", nil, func(Request) error {
		return errors.New("socket closed")
	}, time.Minute)
	if err == nil {
		t.Fatal("want error from failed notify")
	}
	if approved {
		t.Error("approved = true after notify failure")
	}
	if b.PendingCount() != 0 {
		t.Errorf("PendingCount = %d, entry leaked", b.PendingCount())
	}
}

func TestContextCancellation(t *testing.T) {
	b := NewBroker(nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		approved, err := b.Request(ctx, "drew", "", nil, func(Request) error { return nil }, time.Minute)
		if approved {
			t.Error("approved = true after cancellation")
		}
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("request did not resolve after context cancel")
	}
}

func TestCancelAll(t *testing.T) {
	b := NewBroker(nil)

	var wg sync.WaitGroup
	results := make(chan bool, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			approved, _ := b.Request(context.Background(), "drew", "", nil, func(Request) error { return nil }, time.Minute)
			results <- approved
		}()
	}

	// Wait until all three are registered.
	deadline := time.Now().Add(2 * time.Second)
	for b.PendingCount() != 3 {
		if time.Now().After(deadline) {
			t.Fatalf("PendingCount = %d, want 3", b.PendingCount())
		}
		time.Sleep(time.Millisecond)
	}

	if n := b.CancelAll("drew"); n != 3 {
		t.Errorf("CancelAll = %d, want 3", n)
	}
	wg.Wait()
	close(results)
	for approved := range results {
		if approved {
			t.Error("cancelled request resolved approved")
		}
	}
}

func TestCancelAll_OtherUserUntouched(t *testing.T) {
	b := NewBroker(nil)
	idCh, result := request(t, b, time.Minute)
	id := <-idCh

	if n := b.CancelAll("mallory"); n != 0 {
		t.Errorf("CancelAll(mallory) = %d, want 0", n)
	}

	b.HandleResponse(id, true)
	if approved := <-result; !approved {
		t.Error("request for another user was disturbed")
	}
}

func TestSweepExpired(t *testing.T) {
	b := NewBroker(nil)

	base := time.Now()
	b.now = func() time.Time { return base }
	idCh, result := request(t, b, time.Minute)
	<-idCh

	// Nothing old enough yet.
	if n := b.SweepExpired(time.Hour); n != 0 {
		t.Errorf("SweepExpired = %d, want 0", n)
	}

	b.now = func() time.Time { return base.Add(2 * time.Hour) }
	if n := b.SweepExpired(time.Hour); n != 1 {
		t.Errorf("SweepExpired = %d, want 1", n)
	}
	if approved := <-result; approved {
		t.Error("swept request resolved approved")
	}
}
