package bounty

import (
	"bytes"
	"encoding/binary"
	"testing"

	"opencritique/crypto"
)

func TestDeriveSubaccountDeterministic(t *testing.T) {
	owner := newTestAddress(0x11)
	first := DeriveSubaccount(42, owner)
	second := DeriveSubaccount(42, owner)
	if first != second {
		t.Fatalf("expected identical subaccounts, got %x and %x", first, second)
	}
	if got := binary.LittleEndian.Uint64(first[0:8]); got != 42 {
		t.Fatalf("expected work id 42 embedded, got %d", got)
	}
	if string(first[8:12]) != subaccountTag {
		t.Fatalf("expected tag %q, got %q", subaccountTag, first[8:12])
	}
	if !bytes.Equal(first[12:32], owner.Bytes()) {
		t.Fatalf("expected owner bytes embedded, got %x", first[12:32])
	}
}

func TestDeriveSubaccountInjective(t *testing.T) {
	owners := []crypto.Address{
		newTestAddress(0x01),
		newTestAddress(0x02),
		newTestAddress(0xFE),
	}
	seen := make(map[[32]byte]string)
	for _, owner := range owners {
		for workID := uint64(0); workID < 64; workID++ {
			sub := DeriveSubaccount(workID, owner)
			key := [32]byte(sub)
			if prior, ok := seen[key]; ok {
				t.Fatalf("collision between %s and work %d owner %s", prior, workID, owner)
			}
			seen[key] = owner.String()
		}
	}
}
