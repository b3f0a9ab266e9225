package store

import (
	"bytes"
	"testing"
)

// TestCanonicalHeaderJSON_StableOrdering verifies maps with different
// insertion histories serialise identically; header deduplication depends on
// this.
func TestCanonicalHeaderJSON_StableOrdering(t *testing.T) {
	t.Parallel()

	a := map[string]string{}
	a["User-Agent"] = "webrequestd"
	a["Accept"] = "text/html"
	a["Accept-Language"] = "en"

	b := map[string]string{}
	b["Accept-Language"] = "en"
	b["Accept"] = "text/html"
	b["User-Agent"] = "webrequestd"

	ca, err := CanonicalHeaderJSON(a)
	if err != nil {
		t.Fatalf("CanonicalHeaderJSON: %v", err)
	}

	cb, err := CanonicalHeaderJSON(b)
	if err != nil {
		t.Fatalf("CanonicalHeaderJSON: %v", err)
	}

	if ca != cb {
		t.Errorf("canonical forms differ:\n%s\n%s", ca, cb)
	}

	if !bytes.Equal(headerHash(ca), headerHash(cb)) {
		t.Error("hashes of identical canonical forms differ")
	}
}

func TestCanonicalHeaderJSON_Empty(t *testing.T) {
	t.Parallel()

	got, err := CanonicalHeaderJSON(nil)
	if err != nil {
		t.Fatalf("CanonicalHeaderJSON(nil): %v", err)
	}

	if got != "{}" {
		t.Errorf("CanonicalHeaderJSON(nil) = %q, want {}", got)
	}

	empty, err := CanonicalHeaderJSON(map[string]string{})
	if err != nil {
		t.Fatalf("CanonicalHeaderJSON(empty): %v", err)
	}

	if empty != got {
		t.Errorf("nil and empty maps canonicalise differently: %q vs %q", got, empty)
	}
}

func TestHeaderHash_Distinct(t *testing.T) {
	t.Parallel()

	ca, err := CanonicalHeaderJSON(map[string]string{"Accept": "text/html"})
	if err != nil {
		t.Fatalf("CanonicalHeaderJSON: %v", err)
	}

	cb, err := CanonicalHeaderJSON(map[string]string{"Accept": "application/json"})
	if err != nil {
		t.Fatalf("CanonicalHeaderJSON: %v", err)
	}

	if bytes.Equal(headerHash(ca), headerHash(cb)) {
		t.Error("different headers hashed identically")
	}
}
