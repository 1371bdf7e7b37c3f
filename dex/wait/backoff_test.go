// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package wait

import (
	"context"
	"errors"
	"testing"
	"time"
)

var (
	errTransient = errors.New("transient")
	errFatal     = errors.New("fatal")
)

func isTransient(err error) bool { return errors.Is(err, errTransient) }

func TestRetry(t *testing.T) {
	b := Backoff{Attempts: 4, Base: time.Microsecond, Max: 10 * time.Microsecond}
	ctx := context.Background()

	var calls int
	err := b.Retry(ctx, isTransient, func() error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("wanted success after 3 calls, got %v after %d", err, calls)
	}

	calls = 0
	err = b.Retry(ctx, isTransient, func() error {
		calls++
		return errFatal
	})
	if !errors.Is(err, errFatal) || calls != 1 {
		t.Fatalf("non-retryable error should return immediately, got %v after %d", err, calls)
	}

	calls = 0
	err = b.Retry(ctx, isTransient, func() error {
		calls++
		return errTransient
	})
	if !errors.Is(err, errTransient) || calls != 4 {
		t.Fatalf("wanted transient error after 4 calls, got %v after %d", err, calls)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	slow := Backoff{Attempts: 3, Base: time.Hour, Max: time.Hour}
	err = slow.Retry(cctx, isTransient, func() error { return errTransient })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("wanted context.Canceled, got %v", err)
	}
}

func TestDelay(t *testing.T) {
	b := Backoff{Attempts: 10, Base: time.Millisecond, Max: 6 * time.Millisecond}
	want := []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond, 6 * time.Millisecond, 6 * time.Millisecond}
	for i, w := range want {
		if d := b.Delay(i); d != w {
			t.Errorf("Delay(%d) = %v, want %v", i, d, w)
		}
	}
}
