package tickets

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryStore_IssueAndConsume(t *testing.T) {
	store := NewMemoryStore(time.Minute)

	token, err := store.Issue(context.Background(), Ticket{HostID: 7, UserID: 3, SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if token == "" {
		t.Fatal("Issue returned empty token")
	}

	got, err := store.Consume(context.Background(), token)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if got.HostID != 7 || got.UserID != 3 || got.SessionID != "sess-1" {
		t.Errorf("Consume returned %+v, want HostID=7 UserID=3 SessionID=sess-1", got)
	}
}

func TestMemoryStore_ConsumeOnce(t *testing.T) {
	store := NewMemoryStore(time.Minute)

	token, err := store.Issue(context.Background(), Ticket{HostID: 1, UserID: 1})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := store.Consume(context.Background(), token); err != nil {
		t.Fatalf("first Consume: %v", err)
	}
	if _, err := store.Consume(context.Background(), token); err != ErrInvalidTicket {
		t.Errorf("second Consume: got %v, want ErrInvalidTicket", err)
	}
}

func TestMemoryStore_UnknownToken(t *testing.T) {
	store := NewMemoryStore(time.Minute)

	if _, err := store.Consume(context.Background(), "no-such-token"); err != ErrInvalidTicket {
		t.Errorf("Consume of unknown token: got %v, want ErrInvalidTicket", err)
	}
	if _, err := store.Consume(context.Background(), ""); err != ErrInvalidTicket {
		t.Errorf("Consume of empty token: got %v, want ErrInvalidTicket", err)
	}
}

func TestMemoryStore_ExpiredTicket(t *testing.T) {
	store := NewMemoryStore(-time.Second)

	token, err := store.Issue(context.Background(), Ticket{HostID: 1, UserID: 1})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := store.Consume(context.Background(), token); err != ErrInvalidTicket {
		t.Errorf("Consume of expired ticket: got %v, want ErrInvalidTicket", err)
	}
}

func TestMemoryStore_Sweep(t *testing.T) {
	store := NewMemoryStore(-time.Second)

	if _, err := store.Issue(context.Background(), Ticket{HostID: 1}); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := store.Issue(context.Background(), Ticket{HostID: 2}); err != nil {
		t.Fatalf("Issue: %v", err)
	}

	store.Sweep()

	store.mu.Lock()
	n := len(store.entries)
	store.mu.Unlock()
	if n != 0 {
		t.Errorf("after Sweep: %d entries remain, want 0", n)
	}
}

func TestMemoryStore_ConcurrentConsumeSingleWinner(t *testing.T) {
	store := NewMemoryStore(time.Minute)

	token, err := store.Issue(context.Background(), Ticket{HostID: 1, UserID: 1})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	const workers = 16
	var wg sync.WaitGroup
	wins := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Consume(context.Background(), token); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	var n int
	for range wins {
		n++
	}
	if n != 1 {
		t.Errorf("%d consumers succeeded, want exactly 1", n)
	}
}
