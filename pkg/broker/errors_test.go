package broker

import (
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		msg  string
		want ErrorKind
	}{
		{"RMS:Margin Exceeds,Required:2,55,000.00", KindMargin},
		{"insufficient funds in account", KindMargin},
		{"Order Rejected by exchange", KindRejected},
		{"Session Expired : Invalid Session Key", KindAuth},
		{"login failed", KindAuth},
		{"connection reset by peer", KindUnknown},
	}
	for _, tc := range cases {
		if got := Classify(tc.msg); got != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.msg, got, tc.want)
		}
	}
}

func TestIsMarginUnwrapsWrappedErrors(t *testing.T) {
	err := fmt.Errorf("place order: %w", NewError(KindMargin, "RMS:Margin Exceeds"))
	if !IsMargin(err) {
		t.Fatal("wrapped margin error not detected")
	}
	if IsAuth(err) {
		t.Fatal("margin error misread as auth")
	}
	if IsMargin(fmt.Errorf("plain failure")) {
		t.Fatal("plain error misread as margin")
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusComplete, StatusCancelled, StatusRejected} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusOpen} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestSideOpposite(t *testing.T) {
	if SideBuy.Opposite() != SideSell || SideSell.Opposite() != SideBuy {
		t.Fatal("opposite sides wrong")
	}
}
