package exchange

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifyCodes(t *testing.T) {
	cases := []struct {
		code int
		msg  string
		want ErrorKind
	}{
		{-5022, "Due to the order could not be executed as maker, the Post Only order will be rejected.", KindWouldCross},
		{-2021, "Order would immediately trigger.", KindWouldTrigger},
		{-2022, "ReduceOnly Order is rejected.", KindReduceOnlyRejected},
		{-2011, "Unknown order sent.", KindOrderNotFound},
		{-2013, "Order does not exist.", KindOrderNotFound},
		{-1001, "Internal error; unable to process your request.", KindGeneric},
		// unknown codes fall back to the message
		{0, "post only order would cross the book", KindWouldCross},
		{0, "stop order would immediately trigger", KindWouldTrigger},
		{0, "reduce-only order rejected", KindReduceOnlyRejected},
		{0, "timeout", KindGeneric},
	}
	for _, c := range cases {
		if got := Classify(c.code, c.msg); got != c.want {
			t.Fatalf("Classify(%d, %q) = %s want %s", c.code, c.msg, got, c.want)
		}
	}
}

func TestKindOfWrapped(t *testing.T) {
	base := &Error{Kind: KindWouldTrigger, Op: "place_order", Code: -2021}
	wrapped := fmt.Errorf("placing stop: %w", base)
	if KindOf(wrapped) != KindWouldTrigger {
		t.Fatalf("KindOf wrapped got %s", KindOf(wrapped))
	}
	if KindOf(errors.New("dial tcp: timeout")) != KindGeneric {
		t.Fatal("plain errors must be generic")
	}
	if KindOf(nil) != KindGeneric {
		t.Fatal("nil must be generic")
	}
}
