package credit

import "sync"

// Counter is the anonymous credit variant: a plain in-memory balance
// with no reservation split. A turn debits its full hold on send and
// refunds it if the turn fails.
type Counter struct {
	mu       sync.Mutex
	grant    int64
	balances map[string]int64
}

func NewCounter(grant int64) *Counter {
	return &Counter{grant: grant, balances: make(map[string]int64)}
}

// Remaining returns the balance for key, seeding new keys with the
// grant.
func (c *Counter) Remaining(key string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balance(key)
}

// Spend debits amount from key up front.
func (c *Counter) Spend(key string, amount int64) error {
	if amount <= 0 {
		return ErrInsufficientCredits
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	balance := c.balance(key)
	if balance < amount {
		return ErrInsufficientCredits
	}
	c.balances[key] = balance - amount
	return nil
}

// Refund returns amount to key after a failed turn.
func (c *Counter) Refund(key string, amount int64) {
	if amount <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[key] = c.balance(key) + amount
}

func (c *Counter) balance(key string) int64 {
	if b, ok := c.balances[key]; ok {
		return b
	}
	c.balances[key] = c.grant
	return c.grant
}
