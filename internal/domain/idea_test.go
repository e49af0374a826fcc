package domain

import (
	"errors"
	"testing"
	"time"
)

func TestFormatWindow(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want string
	}{
		{FreeIdeaQuotaWindow, "30 days"},
		{24 * time.Hour, "1 day"},
		{36 * time.Hour, "36h0m0s"},
	}
	for _, tc := range cases {
		if got := FormatWindow(tc.in); got != tc.want {
			t.Errorf("FormatWindow(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestQuotaErrorMatchesSentinel(t *testing.T) {
	err := &QuotaError{Window: 7 * 24 * time.Hour}
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatal("QuotaError should match ErrQuotaExceeded")
	}
	if err.Error() != "free quota exhausted: only 1 idea per 7 days" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
