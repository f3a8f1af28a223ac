package calimit

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

const window = 7 * 24 * time.Hour

// LimitError reports a refused order and when capacity frees up.
type LimitError struct {
	CA         string
	Limit      string
	RetryAfter time.Time
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s %s limit reached, retry after %s", e.CA, e.Limit, e.RetryAfter.Format(time.RFC3339))
}

type accountState struct {
	orders     []time.Time            // order timestamps within the window
	duplicates map[string][]time.Time // keyed by sorted domain set
	pending    int
}

// Limiter tracks order budgets per (CA, account) over a sliding week.
// It is advisory and purely in-memory: a restart forgets history, the
// CA's own limits remain the backstop.
type Limiter struct {
	registry *Registry

	mu  sync.Mutex
	now func() time.Time
	acc map[string]*accountState
}

func NewLimiter(registry *Registry) *Limiter {
	return &Limiter{
		registry: registry,
		now:      time.Now,
		acc:      map[string]*accountState{},
	}
}

func accountKey(ca, account string) string { return ca + "|" + account }

// DomainSetKey canonicalizes a domain list so duplicate orders for the
// same set are recognized regardless of order.
func DomainSetKey(domains []string) string {
	sorted := make([]string, len(domains))
	copy(sorted, domains)
	for i := range sorted {
		sorted[i] = strings.ToLower(sorted[i])
	}
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

func prune(stamps []time.Time, cutoff time.Time) []time.Time {
	kept := stamps[:0]
	for _, s := range stamps {
		if s.After(cutoff) {
			kept = append(kept, s)
		}
	}
	return kept
}

// Reserve checks all budgets and, when allowed, records the order and
// takes a pending slot. renewal exempts the duplicate-set budget.
// Callers must pair every successful Reserve with Release.
func (l *Limiter) Reserve(ca, account string, domains []string, renewal bool) error {
	def, err := l.registry.Get(ca)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-window)
	key := accountKey(ca, account)
	state, ok := l.acc[key]
	if !ok {
		state = &accountState{duplicates: map[string][]time.Time{}}
		l.acc[key] = state
	}
	state.orders = prune(state.orders, cutoff)

	if def.MaxPending > 0 && state.pending >= def.MaxPending {
		return &LimitError{CA: ca, Limit: "pending orders", RetryAfter: now}
	}
	if def.WeeklyOrders > 0 && len(state.orders) >= def.WeeklyOrders {
		return &LimitError{CA: ca, Limit: "weekly orders", RetryAfter: state.orders[0].Add(window)}
	}

	setKey := DomainSetKey(domains)
	state.duplicates[setKey] = prune(state.duplicates[setKey], cutoff)
	if !renewal && def.WeeklyDuplicates > 0 && len(state.duplicates[setKey]) >= def.WeeklyDuplicates {
		return &LimitError{CA: ca, Limit: "duplicate orders", RetryAfter: state.duplicates[setKey][0].Add(window)}
	}

	state.orders = append(state.orders, now)
	state.duplicates[setKey] = append(state.duplicates[setKey], now)
	state.pending++
	return nil
}

// Release frees the pending slot taken by Reserve. The weekly counters
// stand: the order was placed with the CA either way.
func (l *Limiter) Release(ca, account string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if state, ok := l.acc[accountKey(ca, account)]; ok && state.pending > 0 {
		state.pending--
	}
}
