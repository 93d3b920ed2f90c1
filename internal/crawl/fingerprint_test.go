package crawl

import "testing"

// TestFingerprintNormalization ensures equivalent URLs fingerprint equal.
func TestFingerprintNormalization(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		a, b string
		same bool
	}{
		{"case and default port", "HTTP://Example.COM:80/page", "http://example.com/page", true},
		{"https default port", "https://example.com:443/", "https://example.com/", true},
		{"sorted query", "http://example.com/?b=2&a=1", "http://example.com/?a=1&b=2", true},
		{"fragment dropped", "http://example.com/page#top", "http://example.com/page", true},
		{"empty path", "http://example.com", "http://example.com/", true},
		{"different query value", "http://example.com/?a=1", "http://example.com/?a=2", false},
		{"different path", "http://example.com/a", "http://example.com/b", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fa := Fingerprint("GET", tc.a, nil)
			fb := Fingerprint("GET", tc.b, nil)
			if (fa == fb) != tc.same {
				t.Fatalf("Fingerprint(%q) vs Fingerprint(%q): same=%v, want %v", tc.a, tc.b, fa == fb, tc.same)
			}
		})
	}
}

// TestFingerprintMethodAndBody ensures method and body take part in the digest.
func TestFingerprintMethodAndBody(t *testing.T) {
	t.Parallel()

	base := Fingerprint("GET", "http://example.com/", nil)
	if Fingerprint("POST", "http://example.com/", nil) == base {
		t.Fatal("method should change the fingerprint")
	}
	if Fingerprint("GET", "http://example.com/", []byte("x")) == base {
		t.Fatal("body should change the fingerprint")
	}
	if Fingerprint("get", "http://example.com/", nil) != base {
		t.Fatal("method comparison should be case-insensitive")
	}
}

// TestRequestFingerprintCached ensures the lazy fingerprint is stable.
func TestRequestFingerprintCached(t *testing.T) {
	t.Parallel()

	req := NewRequest("example.com", "http://example.com/page")
	first := req.Fingerprint()
	if first == "" {
		t.Fatal("expected non-empty fingerprint")
	}
	if req.Fingerprint() != first {
		t.Fatal("fingerprint should be stable across calls")
	}
}
