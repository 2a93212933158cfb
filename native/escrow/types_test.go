package escrow

import (
	"encoding/json"
	"math/big"
	"testing"
)

func TestStateTextRoundTrip(t *testing.T) {
	for s := StateNone; s <= StateCancelled; s++ {
		raw, err := json.Marshal(s)
		if err != nil {
			t.Fatalf("marshal %d: %v", s, err)
		}
		var back EscrowState
		if err := json.Unmarshal(raw, &back); err != nil {
			t.Fatalf("unmarshal %s: %v", raw, err)
		}
		if back != s {
			t.Fatalf("got %s want %s", back, s)
		}
	}
	if _, err := ParseState("Pending"); err == nil {
		t.Fatalf("expected unknown state error")
	}
	if s, err := ParseState("bothcommitted"); err != nil || s != StateBothCommitted {
		t.Fatalf("case-insensitive parse failed: %v %v", s, err)
	}
}

func TestParseOrderID(t *testing.T) {
	id := DeriveOrderID("buyer://alice", "seller://bob", [32]byte{1})
	parsed, err := ParseOrderID(id.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != id {
		t.Fatalf("round trip mismatch")
	}
	if _, err := ParseOrderID("0x1234"); err == nil {
		t.Fatalf("expected length error")
	}
	if _, err := ParseOrderID("zz"); err == nil {
		t.Fatalf("expected hex error")
	}
}

func TestSanitizeEscrow(t *testing.T) {
	base := &Escrow{Buyer: "a", Seller: "b", BuyerAmount: big.NewInt(10)}
	if _, err := SanitizeEscrow(base); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cases := map[string]func(e *Escrow){
		"missing buyer":         func(e *Escrow) { e.Buyer = " " },
		"same parties":          func(e *Escrow) { e.Seller = "a" },
		"negative amount":       func(e *Escrow) { e.BuyerAmount = big.NewInt(-1) },
		"purchase counter":      func(e *Escrow) { e.SellerAmount = big.NewInt(5) },
		"swap without counter":  func(e *Escrow) { e.Mode = ModeSwap },
		"negative window":       func(e *Escrow) { e.Windows.Claim = -1 },
		"invalid mode":          func(e *Escrow) { e.Mode = EscrowMode(9) },
		"invalid state":         func(e *Escrow) { e.State = EscrowState(42) },
	}
	for name, mutate := range cases {
		e := base.Clone()
		mutate(e)
		if _, err := SanitizeEscrow(e); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestDeadlines(t *testing.T) {
	e := &Escrow{CreatedAt: 100, Windows: Windows{Commitment: 10, Claim: 20, TimedReleaseEnabled: true, TimedRelease: 5}}
	if got := e.CommitmentDeadline(); got != 110 {
		t.Fatalf("commitment deadline %d", got)
	}
	if e.ClaimDeadline() != 0 || e.ReleaseAt() != 0 {
		t.Fatalf("claim and release deadlines require commitment")
	}
	e.CommittedAt = 105
	if e.ClaimDeadline() != 125 || e.ReleaseAt() != 110 {
		t.Fatalf("unexpected deadlines %d %d", e.ClaimDeadline(), e.ReleaseAt())
	}
}
