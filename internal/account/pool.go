package account

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrPoolFull is returned by Add when the configured cap is reached.
	ErrPoolFull = errors.New("account pool is full")
	// ErrDuplicate is returned by Add for an email already in the pool.
	ErrDuplicate = errors.New("account already in pool")
)

// entry pairs an account with its per-model limited-until instants. A model
// absent from limits is free.
type entry struct {
	account Account
	limits  map[string]time.Time
}

func (e *entry) limitedFor(model string, now time.Time) bool {
	until, ok := e.limits[model]
	return ok && now.Before(until)
}

// Pool is the shared account pool. All operations are safe for concurrent
// use; per-model sticky pointers and round-robin cursors live behind the
// same mutex as the limit state so selection never observes a half-applied
// transition.
type Pool struct {
	mu      sync.Mutex
	entries []*entry
	byEmail map[string]*entry
	sticky  map[string]string // model -> email of last successful account
	cursor  map[string]int    // model -> next round-robin index
	max     int

	now func() time.Time // stubbed in tests
}

// NewPool returns an empty pool capped at max accounts. A max of zero or
// less means uncapped.
func NewPool(max int) *Pool {
	return &Pool{
		byEmail: make(map[string]*entry),
		sticky:  make(map[string]string),
		cursor:  make(map[string]int),
		max:     max,
		now:     time.Now,
	}
}

// Add appends an account in insertion order.
func (p *Pool) Add(a Account) error {
	if err := a.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.byEmail[a.Email]; ok {
		return ErrDuplicate
	}
	if p.max > 0 && len(p.entries) >= p.max {
		return ErrPoolFull
	}
	e := &entry{account: a, limits: make(map[string]time.Time)}
	p.entries = append(p.entries, e)
	p.byEmail[a.Email] = e
	return nil
}

// Remove drops an account by email, reporting whether it was present.
func (p *Pool) Remove(email string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.byEmail[email]; !ok {
		return false
	}
	delete(p.byEmail, email)
	for i, e := range p.entries {
		if e.account.Email == email {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			break
		}
	}
	for model, s := range p.sticky {
		if s == email {
			delete(p.sticky, model)
		}
	}
	return true
}

// Replace swaps the whole account list in, preserving rate-limit state for
// emails present in both lists. Invalid accounts are skipped. Returns how
// many entries were added and removed relative to the previous list.
func (p *Pool) Replace(accounts []Account) (added, removed int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	old := p.byEmail
	p.entries = nil
	p.byEmail = make(map[string]*entry, len(accounts))
	for _, a := range accounts {
		if a.Validate() != nil {
			continue
		}
		if _, dup := p.byEmail[a.Email]; dup {
			continue
		}
		if p.max > 0 && len(p.entries) >= p.max {
			break
		}
		e := &entry{account: a, limits: make(map[string]time.Time)}
		if prev, ok := old[a.Email]; ok {
			e.limits = prev.limits
		} else {
			added++
		}
		p.entries = append(p.entries, e)
		p.byEmail[a.Email] = e
	}
	for email := range old {
		if _, ok := p.byEmail[email]; !ok {
			removed++
		}
	}
	for model, s := range p.sticky {
		if _, ok := p.byEmail[s]; !ok {
			delete(p.sticky, model)
		}
	}
	return added, removed
}

// Len returns the number of accounts in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// AvailableFor returns the accounts currently free for model, in insertion
// order.
func (p *Pool) AvailableFor(model string) []Account {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var free []Account
	for _, e := range p.entries {
		if !e.limitedFor(model, now) {
			free = append(free, e.account)
		}
	}
	return free
}

// Sticky returns the last successful account for model if it is still in
// the pool and still free.
func (p *Pool) Sticky(model string) (Account, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	email, ok := p.sticky[model]
	if !ok {
		return Account{}, false
	}
	e, ok := p.byEmail[email]
	if !ok || e.limitedFor(model, p.now()) {
		delete(p.sticky, model)
		return Account{}, false
	}
	return e.account, true
}

// PickNext advances the round-robin cursor for model to the next free
// account, makes it the new sticky, and returns it. Returns false when no
// account is free.
func (p *Pool) PickNext(model string) (Account, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.entries)
	if n == 0 {
		return Account{}, false
	}
	now := p.now()
	start := p.cursor[model] % n
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		e := p.entries[idx]
		if e.limitedFor(model, now) {
			continue
		}
		p.cursor[model] = (idx + 1) % n
		p.sticky[model] = e.account.Email
		return e.account, true
	}
	return Account{}, false
}

// MarkLimited puts the account into limited-until(now+resetAfter) for
// model. If the account was the sticky for model, the sticky is cleared so
// the next dispatch rotates.
func (p *Pool) MarkLimited(email, model string, resetAfter time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.byEmail[email]
	if !ok {
		return
	}
	e.limits[model] = p.now().Add(resetAfter)
	if p.sticky[model] == email {
		delete(p.sticky, model)
	}
}

// ClearExpired sweeps limit entries whose reset instant has passed.
func (p *Pool) ClearExpired() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for _, e := range p.entries {
		for model, until := range e.limits {
			if !now.Before(until) {
				delete(e.limits, model)
			}
		}
	}
}

// ResetAll drops every limit recorded for model, returning the accounts to
// free. The dispatch engine uses this as an optimistic reset when a request
// arrives after the whole pool was marked limited: the real limits are
// re-discovered on the next 429.
func (p *Pool) ResetAll(model string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		delete(e.limits, model)
	}
}

// AllLimited reports whether every account in a non-empty pool is limited
// for model.
func (p *Pool) AllLimited(model string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.entries) == 0 {
		return false
	}
	now := p.now()
	for _, e := range p.entries {
		if !e.limitedFor(model, now) {
			return false
		}
	}
	return true
}

// MinWait returns the shortest remaining wait until some account becomes
// free for model. Zero when an account is already free; ok is false for an
// empty pool.
func (p *Pool) MinWait(model string) (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.entries) == 0 {
		return 0, false
	}
	now := p.now()
	min := time.Duration(-1)
	for _, e := range p.entries {
		until, limited := e.limits[model]
		if !limited || !now.Before(until) {
			return 0, true
		}
		if wait := until.Sub(now); min < 0 || wait < min {
			min = wait
		}
	}
	return min, true
}
