package boxliteerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsMatchesKind(t *testing.T) {
	err := NotFoundf("box %s not found", "abc123")

	if !Is(err, NotFound) {
		t.Error("Is(err, NotFound) = false, want true")
	}
	if Is(err, Config) {
		t.Error("Is(err, Config) = true, want false")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(Storage, "", "write box record", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false, want true")
	}
}

func TestErrorMessageIncludesCode(t *testing.T) {
	err := Configf("PortInUse", "host port %d already bound", 8080)

	msg := err.Error()
	if !containsAll(msg, "Config", "PortInUse", "8080") {
		t.Errorf("Error() = %q, missing expected substrings", msg)
	}
}

func TestKindRetriable(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{ImageTransient, true},
		{ImagePermanent, false},
		{PortalDisconnected, true},
		{Config, false},
		{NotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			if got := tt.kind.Retriable(); got != tt.want {
				t.Errorf("%s.Retriable() = %v, want %v", tt.kind, got, tt.want)
			}
		})
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !contains(s, sub) {
			return false
		}
	}
	return true
}

func contains(s, sub string) bool {
	return fmt.Sprintf("%s", s) != "" && len(sub) <= len(s) && indexOf(s, sub) >= 0
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
