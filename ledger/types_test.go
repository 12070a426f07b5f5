package ledger

import "testing"

func TestParseEscrowState(t *testing.T) {
	state, ok := ParseEscrowState(" Delivered ")
	if !ok || state != StateDelivered {
		t.Fatalf("unexpected parse result %v %v", state, ok)
	}
	if _, ok := ParseEscrowState("shipping"); ok {
		t.Fatalf("unknown state should not parse")
	}
	if EscrowState(42).Known() {
		t.Fatalf("42 is not a contract state")
	}
	if got := EscrowState(42).String(); got != "unknown(42)" {
		t.Fatalf("unexpected label %q", got)
	}
}

func TestOfferStatusRecordMapping(t *testing.T) {
	cases := map[OfferStatus]string{
		OfferPending:   "PENDING",
		OfferAccepted:  "ACCEPTED",
		OfferRejected:  "REJECTED",
		OfferCancelled: "EXPIRED",
		OfferExpired:   "EXPIRED",
	}
	for status, want := range cases {
		if got := status.RecordStatus(); got != want {
			t.Fatalf("%d: got %s want %s", status, got, want)
		}
	}
	if OfferRejected.Active() || !OfferAccepted.Active() {
		t.Fatalf("unexpected active flags")
	}
}
