package suppress

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/netobs/netobs/agent/events"
)

func TestLoadMissingFileSuppressesNothing(t *testing.T) {
	s := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if s.Len() != 0 {
		t.Fatalf("expected empty set, got %d entries", s.Len())
	}
	if s.Suppressed(events.DropConntrack) {
		t.Fatal("expected nothing suppressed")
	}
}

func TestLoadEmptyPathSuppressesNothing(t *testing.T) {
	s := Load("")
	if s.Len() != 0 {
		t.Fatalf("expected empty set, got %d entries", s.Len())
	}
}

func TestLoadMalformedFileSuppressesNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "suppress.yaml")
	if err := os.WriteFile(path, []byte("not: [valid yaml"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := Load(path)
	if s.Len() != 0 {
		t.Fatalf("expected empty set on parse failure, got %d entries", s.Len())
	}
}

func TestLoadValidFileSuppressesNamedReasons(t *testing.T) {
	path := filepath.Join(t.TempDir(), "suppress.yaml")
	content := "suppressedDropReasons:\n  - CONNTRACK_DROP\n  - TCP_RETRANSMIT\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	s := Load(path)
	if s.Len() != 2 {
		t.Fatalf("expected 2 suppressed reasons, got %d", s.Len())
	}
	if !s.Suppressed(events.DropConntrack) || !s.Suppressed(events.DropTCPRetransmit) {
		t.Fatal("expected CONNTRACK_DROP and TCP_RETRANSMIT suppressed")
	}
	if s.Suppressed(events.DropKernel) {
		t.Fatal("expected KERNEL_DROP not suppressed")
	}
}

func TestLoadUnknownReasonNameIsIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "suppress.yaml")
	content := "suppressedDropReasons:\n  - NOT_A_REAL_REASON\n  - KERNEL_DROP\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	s := Load(path)
	if s.Len() != 1 {
		t.Fatalf("expected 1 suppressed reason, got %d", s.Len())
	}
	if !s.Suppressed(events.DropKernel) {
		t.Fatal("expected KERNEL_DROP suppressed")
	}
}

func TestSuppressedOnNilSetIsFalse(t *testing.T) {
	var s *Set
	if s.Suppressed(events.DropKernel) {
		t.Fatal("expected nil set to suppress nothing")
	}
}
