package natskv

import "testing"

func TestEncodeKeyPassesSafeKeysThrough(t *testing.T) {
	for _, key := range []string{
		"plain",
		"with-dash_and.dot/slash",
		"0123456789",
	} {
		if got := encodeKey(key); got != key {
			t.Errorf("encodeKey(%q) = %q, want unchanged", key, got)
		}
	}
}

func TestEncodeKeyEscapesUnsafeBytes(t *testing.T) {
	// JetStream rejects ':' in keys, so the version cache's keys must be
	// escaped before they reach the bucket.
	got := encodeKey("botver:9f3a2b10-0000-0000-0000-000000000000")
	want := "botver=3a9f3a2b10-0000-0000-0000-000000000000"
	if got != want {
		t.Fatalf("encodeKey = %q, want %q", got, want)
	}
	for i := 0; i < len(got); i++ {
		if !safeKeyByte(got[i]) && got[i] != '=' {
			t.Fatalf("encoded key contains unsafe byte %q", got[i])
		}
	}
}

func TestEncodeKeyIsCollisionFree(t *testing.T) {
	// The escape character itself gets escaped, so a literal "=3a" in the
	// input cannot collide with an escaped ':'.
	a := encodeKey("botver:x")
	b := encodeKey("botver=3ax")
	if a == b {
		t.Fatalf("distinct keys encode to the same value %q", a)
	}
}
