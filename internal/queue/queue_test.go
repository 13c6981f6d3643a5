package queue

import (
	"errors"
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		b    Backoff
		n    int
		want time.Duration
	}{
		{name: "first", b: Backoff{Base: 30 * time.Second, Cap: 30 * time.Minute}, n: 0, want: 30 * time.Second},
		{name: "doubles", b: Backoff{Base: 30 * time.Second, Cap: 30 * time.Minute}, n: 3, want: 4 * time.Minute},
		{name: "capped", b: Backoff{Base: 30 * time.Second, Cap: 30 * time.Minute}, n: 20, want: 30 * time.Minute},
		{name: "negative n", b: Backoff{Base: time.Second, Cap: time.Minute}, n: -3, want: time.Second},
		{name: "defaults", b: Backoff{}, n: 1, want: time.Minute},
		{name: "jitter low", b: Backoff{Base: 10 * time.Second, Cap: time.Hour, Jitter: 0.2, Rand: func() float64 { return 0 }}, n: 0, want: 8 * time.Second},
		{name: "jitter high clamped", b: Backoff{Base: time.Minute, Cap: time.Minute, Jitter: 0.2, Rand: func() float64 { return 0.999 }}, n: 5, want: time.Minute},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.b.Delay(tt.n); got != tt.want {
				t.Fatalf("Delay(%d) = %s, want %s", tt.n, got, tt.want)
			}
		})
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	t.Parallel()
	b := DefaultBackoff()
	for n := 0; n < 8; n++ {
		for i := 0; i < 50; i++ {
			d := b.Delay(n)
			raw := DefaultBackoffBase << n
			if raw > DefaultBackoffCap {
				raw = DefaultBackoffCap
			}
			lo := time.Duration(float64(raw) * 0.8)
			if d < lo || d > DefaultBackoffCap {
				t.Fatalf("Delay(%d) = %s out of [%s, %s]", n, d, lo, DefaultBackoffCap)
			}
		}
	}
}

func TestErrorTaxonomy(t *testing.T) {
	t.Parallel()
	base := errors.New("boom")

	var rl *RateLimitedError
	if err := error(&RateLimitedError{RetryAfter: 30 * time.Second, Err: base}); !errors.As(err, &rl) || !errors.Is(err, base) {
		t.Fatalf("rate limited error not matched: %v", err)
	}
	var te *TransientError
	if err := error(&TransientError{Err: base}); !errors.As(err, &te) || !errors.Is(err, base) {
		t.Fatalf("transient error not matched: %v", err)
	}
	if err := AuthError(base); !errors.Is(err, ErrAuthorizationFailed) || !errors.Is(err, base) {
		t.Fatalf("auth error not matched: %v", err)
	}
}

func TestParseState(t *testing.T) {
	t.Parallel()
	if st, ok := ParseState(" pending "); !ok || st != StatePending {
		t.Fatalf("ParseState = %q, %v", st, ok)
	}
	if _, ok := ParseState("DONE"); ok {
		t.Fatal("ParseState(DONE) should be invalid")
	}
	if !StatePosted.Terminal() || StateDispatching.Terminal() {
		t.Fatal("Terminal mismatch")
	}
}

func TestPayloadPreview(t *testing.T) {
	t.Parallel()
	p := Payload{Kind: KindPhoto, FileID: "f", Caption: "line one\nline   two"}
	if got := p.Preview(0); got != "line one line two" {
		t.Fatalf("Preview = %q", got)
	}
	if got := (Payload{Kind: KindText, Text: "абвгд"}).Preview(3); got != "абв…" {
		t.Fatalf("Preview = %q", got)
	}
}
