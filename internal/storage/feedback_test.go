package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestFeedbackRateLimit(t *testing.T) {
	t.Parallel()
	s := openTest(t)
	ctx := context.Background()
	t0 := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)

	if _, ok, err := s.LastFeedback(ctx, 1); err != nil || ok {
		t.Fatalf("LastFeedback before any = %v, %v", ok, err)
	}
	fb, _, err := s.AddFeedback(ctx, 1, "il bot è utile", t0, 24*time.Hour)
	if err != nil || fb.ID == 0 || !fb.CreatedAt.Equal(t0) {
		t.Fatalf("first feedback = %+v, %v", fb, err)
	}

	_, prev, err := s.AddFeedback(ctx, 1, "ancora io", t0.Add(23*time.Hour), 24*time.Hour)
	if !errors.Is(err, ErrFeedbackTooSoon) || !prev.Equal(t0) {
		t.Fatalf("second feedback = %v, prev %v", err, prev)
	}
	if _, _, err := s.AddFeedback(ctx, 2, "utente diverso", t0.Add(time.Hour), 24*time.Hour); err != nil {
		t.Fatalf("other user: %v", err)
	}
	if _, _, err := s.AddFeedback(ctx, 1, "il giorno dopo", t0.Add(24*time.Hour), 24*time.Hour); err != nil {
		t.Fatalf("after the window: %v", err)
	}

	last, ok, err := s.LastFeedback(ctx, 1)
	if err != nil || !ok || !last.Equal(t0.Add(24*time.Hour)) {
		t.Fatalf("LastFeedback = %v, %v, %v", last, ok, err)
	}
	recent, err := s.RecentFeedback(ctx, 2)
	if err != nil || len(recent) != 2 {
		t.Fatalf("RecentFeedback = %+v, %v", recent, err)
	}
	if recent[0].Message != "il giorno dopo" || recent[1].UserID != 2 {
		t.Fatalf("RecentFeedback order = %+v", recent)
	}
}

func TestConcurrentFeedbackStoresOne(t *testing.T) {
	t.Parallel()
	s := openTest(t)
	ctx := context.Background()
	at := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		stored  int
		limited int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := s.AddFeedback(ctx, 5, "doppio invio", at, time.Hour)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				stored++
			case errors.Is(err, ErrFeedbackTooSoon):
				limited++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if stored != 1 || limited != 3 {
		t.Fatalf("stored=%d limited=%d", stored, limited)
	}
}
