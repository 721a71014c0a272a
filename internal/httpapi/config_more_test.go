package httpapi

import (
	"testing"
	"time"
)

func TestSetMaxBodyBytes_DefaultWhenNonPositive(t *testing.T) {
	defer SetMaxBodyBytes(0)
	SetMaxBodyBytes(-1)
	if maxBodyBytes != 1<<20 {
		t.Fatalf("expected default 1MiB, got %d", maxBodyBytes)
	}
	SetMaxBodyBytes(1234)
	if maxBodyBytes != 1234 {
		t.Fatalf("expected 1234, got %d", maxBodyBytes)
	}
}

func TestSetTurnTimeout_NormalizesNegativeToZero(t *testing.T) {
	defer SetTurnTimeout(0)
	SetTurnTimeout(-5 * time.Second)
	if turnTimeout != 0 {
		t.Fatalf("expected 0, got %s", turnTimeout)
	}
	SetTurnTimeout(3 * time.Second)
	if turnTimeout != 3*time.Second {
		t.Fatalf("expected 3s, got %s", turnTimeout)
	}
}

func TestSetCORSOptions_Defaults(t *testing.T) {
	defer SetCORSOptions(false, nil, nil, nil)
	SetCORSOptions(true, []string{"http://a"}, nil, nil)
	if !corsEnabled || len(corsAllowedMethods) == 0 || len(corsAllowedHeaders) == 0 {
		t.Fatalf("defaults not applied: %v %v", corsAllowedMethods, corsAllowedHeaders)
	}
}
