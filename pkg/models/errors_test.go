package models

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestJobErrorMatchesSentinelByKind(t *testing.T) {
	err := fmt.Errorf("fetch: %w", NewJobError(ErrorKindNavigation, "navigate", "dns lookup failed", errors.New("no such host")))

	if !errors.Is(err, ErrNavigation) {
		t.Errorf("expected errors.Is(err, ErrNavigation)")
	}
	if errors.Is(err, ErrScript) {
		t.Errorf("navigation error must not match ErrScript")
	}
	if KindOf(err) != ErrorKindNavigation {
		t.Errorf("KindOf = %s, want navigation", KindOf(err))
	}
}

func TestKindOfContextErrors(t *testing.T) {
	if got := KindOf(context.DeadlineExceeded); got != ErrorKindTimeout {
		t.Errorf("KindOf(DeadlineExceeded) = %s", got)
	}
	if got := KindOf(fmt.Errorf("wrap: %w", context.Canceled)); got != ErrorKindCancelled {
		t.Errorf("KindOf(Canceled) = %s", got)
	}
	if got := KindOf(errors.New("boom")); got != ErrorKindInternal {
		t.Errorf("KindOf(plain) = %s", got)
	}
	if got := KindOf(nil); got != "" {
		t.Errorf("KindOf(nil) = %s", got)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"navigation", NewJobError(ErrorKindNavigation, "navigate", "", nil), true},
		{"launch", NewJobError(ErrorKindLaunch, "launch", "", nil), true},
		{"input", NewInputError("probe", "unreadable", nil), false},
		{"script", NewJobError(ErrorKindScript, "eval", "", nil), false},
		{"timeout", NewTimeoutError("navigate", nil), true},
		{"plain", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestJobErrorMessage(t *testing.T) {
	err := NewJobError(ErrorKindEncode, "encode", "ffmpeg exited with status 1", errors.New("stderr tail"))
	want := "encode: ffmpeg exited with status 1: stderr tail"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
