package instance

import "testing"

func TestIDStable(t *testing.T) {
	a, b := ID(), ID()
	if a == "" {
		t.Fatal("empty instance id")
	}
	if a != b {
		// Random fallback only triggers when both machine id and hostname are unavailable.
		t.Skipf("host has no stable identity: %q vs %q", a, b)
	}
}
