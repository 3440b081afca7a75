package address

import "testing"

func TestParseRoundTrip(t *testing.T) {
	cases := []string{
		"tcp://127.0.0.1:9000",
		"ssl://example.com:8443",
		"kcp://10.0.0.1:4000",
		"kcp+ssl://10.0.0.1:4001",
		"ssl+kcp://10.0.0.1:4001",
		"http://127.0.0.1:8080/rpc",
		"https://example.com:8443/rpc",
	}

	for _, addr := range cases {
		t.Run(addr, func(t *testing.T) {
			if !CanHandle(addr) {
				t.Fatalf("CanHandle(%q) = false, want true", addr)
			}

			a, err := Parse(addr)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", addr, err)
			}

			if a.Host == "" || a.Port <= 0 {
				t.Fatalf("Parse(%q) = %+v, want non-empty host and positive port", addr, a)
			}
		})
	}
}

func TestKCPSSLAliasCanonicalizes(t *testing.T) {
	a, err := Parse("ssl+kcp://10.0.0.1:4001")
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if a.Scheme != SchemeKCPSSL {
		t.Fatalf("scheme = %q, want %q", a.Scheme, SchemeKCPSSL)
	}
	if got := a.String(); got != "kcp+ssl://10.0.0.1:4001" {
		t.Fatalf("String() = %q, want canonical kcp+ssl form", got)
	}
}

func TestParseRejectsMissingPort(t *testing.T) {
	if _, err := Parse("tcp://127.0.0.1"); err == nil {
		t.Fatal("expected error for missing port")
	}
}

func TestParseRejectsEmptyHost(t *testing.T) {
	if _, err := Parse("tcp://:9000"); err == nil {
		t.Fatal("expected error for empty host")
	}
}

func TestParseRejectsUnsupportedScheme(t *testing.T) {
	if _, err := Parse("ftp://127.0.0.1:21"); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}

func TestSchemeCaseSensitivity(t *testing.T) {
	// http/https are case-insensitive...
	if !CanHandle("HTTP://127.0.0.1:8080/") {
		t.Fatal("HTTP:// should be accepted case-insensitively")
	}
	// ...but the custom schemes are not.
	if CanHandle("TCP://127.0.0.1:9000") {
		t.Fatal("TCP:// (uppercase) should be rejected for the custom scheme")
	}
}

func TestIPv6HostBracketedInString(t *testing.T) {
	a := Address{Scheme: SchemeTCP, Host: "::1", Port: 9000}
	want := "tcp://[::1]:9000"
	if got := a.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}
