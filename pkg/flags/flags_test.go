package flags

import (
	"testing"

	log "github.com/sirupsen/logrus"
)

func TestSetLogLevelValid(t *testing.T) {
	if err := setLogLevel("debug"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if log.GetLevel() != log.DebugLevel {
		t.Fatalf("log level = %v, want debug", log.GetLevel())
	}
}

func TestSetLogLevelInvalid(t *testing.T) {
	if err := setLogLevel("not-a-level"); err == nil {
		t.Fatal("expected error for invalid log level")
	}
}
