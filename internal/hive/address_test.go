package hive

import (
	"strings"
	"testing"
)

func TestDeriveAddress_DeterministicAndRounded(t *testing.T) {
	a1, lat1, lon1 := DeriveAddress(1, "7", 37.77491, -122.41942)
	a2, lat2, lon2 := DeriveAddress(1, "7", 37.77491, -122.41942)
	if a1 != a2 || lat1 != lat2 || lon1 != lon2 {
		t.Fatalf("same inputs produced %q and %q", a1, a2)
	}

	// Inside the rounding bucket: same address.
	b, _, _ := DeriveAddress(1, "7", 37.774911, -122.419421)
	if b != a1 {
		t.Fatalf("sub-precision jitter changed address: %q vs %q", b, a1)
	}

	// Outside the bucket: different address.
	c, _, _ := DeriveAddress(1, "7", 37.7751, -122.41942)
	if c == a1 {
		t.Fatalf("distinct location reused address %q", c)
	}
}

func TestDeriveAddress_VariesByHiveAndTag(t *testing.T) {
	a, _, _ := DeriveAddress(1, "7", 10, 20)
	byHive, _, _ := DeriveAddress(2, "7", 10, 20)
	byTag, _, _ := DeriveAddress(1, "11", 10, 20)
	if a == byHive || a == byTag {
		t.Fatalf("address must bind hive and tag: %q %q %q", a, byHive, byTag)
	}
	if !strings.HasPrefix(a, "HV1-7-") {
		t.Fatalf("address %q missing hive/tag prefix", a)
	}
}
