package addr

import (
	"net"
	"testing"
)

func TestAddrEqual(t *testing.T) {
	t.Parallel()

	a := Addr{Family: FamilyV4, IP: net.ParseIP("203.0.113.7"), Port: 6121}
	b := Addr{Family: FamilyV4, IP: net.ParseIP("203.0.113.7"), Port: 6121}
	c := Addr{Family: FamilyV4, IP: net.ParseIP("203.0.113.8"), Port: 6121}

	if !a.Equal(b) {
		t.Error("identical addresses should be equal")
	}
	if a.Equal(c) {
		t.Error("addresses with different IPs should not be equal")
	}
}

func TestAddrIPEqualIgnoresPort(t *testing.T) {
	t.Parallel()

	tcpSide := Addr{IP: net.ParseIP("198.51.100.2"), Port: 54321}
	udpSide := Addr{IP: net.ParseIP("198.51.100.2"), Port: 6121}

	if !tcpSide.IPEqual(udpSide) {
		t.Error("IPEqual should ignore differing ports")
	}
}

func TestFilterMatchesNoRestriction(t *testing.T) {
	t.Parallel()

	f := Filter{}
	if !f.Matches(Addr{IP: net.ParseIP("1.2.3.4")}) {
		t.Error("a filter with no Remote restriction should match anything")
	}
}

func TestFilterMatchesSpoofRejection(t *testing.T) {
	t.Parallel()

	legit := Addr{IP: net.ParseIP("203.0.113.7")}
	f := Filter{Remote: &legit}

	if !f.Matches(Addr{IP: net.ParseIP("203.0.113.7"), Port: 9999}) {
		t.Error("same IP different port should still match (datagram spoof check is IP-only)")
	}
	if f.Matches(Addr{IP: net.ParseIP("198.51.100.9")}) {
		t.Error("a different source IP should not match the filter")
	}
}

func TestFilterNetworkFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		family Family
		base   string
		want   string
	}{
		{FamilyAny, "tcp", "tcp"},
		{FamilyV4, "tcp", "tcp4"},
		{FamilyV6, "udp", "udp6"},
	}

	for _, tt := range tests {
		f := Filter{Family: tt.family}
		if got := f.NetworkFor(tt.base); got != tt.want {
			t.Errorf("NetworkFor(%v, %q) = %q, want %q", tt.family, tt.base, got, tt.want)
		}
	}
}
