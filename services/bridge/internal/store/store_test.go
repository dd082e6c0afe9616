package store

import "testing"

func TestHashPayloadDeterministic(t *testing.T) {
	a := HashPayload([]byte("<Data></Data>"))
	b := HashPayload([]byte("<Data></Data>"))
	c := HashPayload([]byte("<Data> </Data>"))
	if a != b {
		t.Fatalf("expected deterministic hash")
	}
	if a == c {
		t.Fatalf("expected different hashes for different payloads")
	}
	if len(a) != 64 {
		t.Fatalf("expected sha256 hex, got length %d", len(a))
	}
}
