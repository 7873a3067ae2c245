package cidr

import "testing"

func TestParseRejectsMalformedInput(t *testing.T) {
	cases := []string{
		"",
		"not-an-ip",
		"300.1.2.3/8",
		"192.0.2.0/33",
		"192.0.2.0/-1",
		"2400:cb00::/129",
		"192.0.2.0/abc",
		"1.2.3/24",
	}

	for _, in := range cases {
		if _, err := Parse(in); err == nil {
			t.Fatalf("Parse(%q) succeeded, want error", in)
		}
	}
}

func TestContainsIPv4(t *testing.T) {
	p, err := Parse("192.0.2.0/24")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	cases := []struct {
		ip   string
		want bool
	}{
		{"192.0.2.1", true},
		{"192.0.2.255", true},
		{"192.0.3.1", false},
		{"10.0.0.1", false},
		{"garbage", false},
	}

	for _, c := range cases {
		if got := p.Contains(c.ip); got != c.want {
			t.Fatalf("Contains(%q) = %v, want %v", c.ip, got, c.want)
		}
	}
}

func TestContainsIPv6(t *testing.T) {
	p, err := Parse("2400:cb00::/32")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if !p.Contains("2400:cb00:1234::1") {
		t.Fatal("expected address inside /32 to match")
	}
	if p.Contains("2400:cb01::1") {
		t.Fatal("address outside /32 matched")
	}
}

func TestMixedFamiliesNeverMatch(t *testing.T) {
	v4, err := Parse("0.0.0.0/0")
	if err != nil {
		t.Fatalf("Parse v4: %v", err)
	}
	v6, err := Parse("::/0")
	if err != nil {
		t.Fatalf("Parse v6: %v", err)
	}

	if v4.Contains("2400:cb00::1") {
		t.Fatal("IPv6 address matched an IPv4 prefix")
	}
	if v6.Contains("192.0.2.1") {
		t.Fatal("IPv4 address matched an IPv6 prefix")
	}
}

func TestIPv4MappedNormalization(t *testing.T) {
	p, err := Parse("::ffff:192.0.2.0/120")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.Bits() != 32 {
		t.Fatalf("mapped prefix width = %d, want 32", p.Bits())
	}

	v4, err := Parse("192.0.2.0/24")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !v4.Contains("::ffff:192.0.2.7") {
		t.Fatal("mapped address did not match its IPv4 network")
	}
}

func TestHostRouteAndEdges(t *testing.T) {
	host, err := Parse("203.0.113.5")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !host.Contains("203.0.113.5") || host.Contains("203.0.113.6") {
		t.Fatal("bare address should behave as a /32 host route")
	}

	all, err := Parse("0.0.0.0/0")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !all.Contains("8.8.8.8") {
		t.Fatal("/0 should contain every IPv4 address")
	}
}

func TestContainsAny(t *testing.T) {
	var prefixes []Prefix
	for _, s := range []string{"10.0.0.0/8", "172.16.0.0/12", "2400:cb00::/32"} {
		p, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}
		prefixes = append(prefixes, p)
	}

	if !ContainsAny("172.20.1.1", prefixes) {
		t.Fatal("expected 172.20.1.1 to match 172.16.0.0/12")
	}
	if ContainsAny("8.8.8.8", prefixes) {
		t.Fatal("8.8.8.8 matched none of the configured ranges")
	}
}
