package credit

import (
	"errors"
	"testing"
)

func TestCounterSpendAndRefund(t *testing.T) {
	c := NewCounter(100)

	if got := c.Remaining("anon:1.2.3.4"); got != 100 {
		t.Fatalf("new key starts with the grant, got %d", got)
	}
	if err := c.Spend("anon:1.2.3.4", 30); err != nil {
		t.Fatalf("spend: %v", err)
	}
	if got := c.Remaining("anon:1.2.3.4"); got != 70 {
		t.Fatalf("balance after spend: %d", got)
	}

	c.Refund("anon:1.2.3.4", 30)
	if got := c.Remaining("anon:1.2.3.4"); got != 100 {
		t.Fatalf("balance after refund: %d", got)
	}

	// Keys are independent.
	if got := c.Remaining("anon:5.6.7.8"); got != 100 {
		t.Fatalf("fresh key: %d", got)
	}
}

func TestCounterRejectsOverspend(t *testing.T) {
	c := NewCounter(10)
	if err := c.Spend("k", 11); !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if got := c.Remaining("k"); got != 10 {
		t.Fatalf("failed spend must not move the balance: %d", got)
	}
	if err := c.Spend("k", 10); err != nil {
		t.Fatalf("spend to zero: %v", err)
	}
	if err := c.Spend("k", 1); !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits at zero, got %v", err)
	}
}
