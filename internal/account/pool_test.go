package account

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAccount(email string) Account {
	return Account{
		Email:        email,
		RefreshToken: "rt-" + email,
		ClientID:     "cid",
		ClientSecret: "secret",
		CreatedAt:    time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC),
	}
}

// newTestPool returns a pool with a controllable clock.
func newTestPool(t *testing.T, max int, emails ...string) (*Pool, *time.Time) {
	t.Helper()
	now := time.Date(2025, 12, 1, 12, 0, 0, 0, time.UTC)
	p := NewPool(max)
	p.now = func() time.Time { return now }
	for _, e := range emails {
		require.NoError(t, p.Add(testAccount(e)))
	}
	return p, &now
}

func TestAddEnforcesCapAndUniqueness(t *testing.T) {
	p, _ := newTestPool(t, 2, "a@x.com", "b@x.com")

	err := p.Add(testAccount("c@x.com"))
	assert.ErrorIs(t, err, ErrPoolFull)

	p.Remove("b@x.com")
	require.NoError(t, p.Add(testAccount("c@x.com")))

	err = p.Add(testAccount("a@x.com"))
	assert.ErrorIs(t, err, ErrDuplicate)

	err = p.Add(Account{Email: "no-at-sign"})
	assert.Error(t, err)
}

func TestPickNextRoundRobin(t *testing.T) {
	p, _ := newTestPool(t, 0, "a@x.com", "b@x.com", "c@x.com")

	var picked []string
	for i := 0; i < 6; i++ {
		a, ok := p.PickNext("claude-sonnet-4-5")
		require.True(t, ok)
		picked = append(picked, a.Email)
	}
	assert.Equal(t, []string{
		"a@x.com", "b@x.com", "c@x.com",
		"a@x.com", "b@x.com", "c@x.com",
	}, picked, "selection should rotate in insertion order")
}

func TestStickyFollowsLastPick(t *testing.T) {
	const model = "gemini-3-flash"
	p, _ := newTestPool(t, 0, "a@x.com", "b@x.com")

	_, ok := p.Sticky(model)
	assert.False(t, ok, "fresh pool has no sticky")

	a, ok := p.PickNext(model)
	require.True(t, ok)

	s, ok := p.Sticky(model)
	require.True(t, ok)
	assert.Equal(t, a.Email, s.Email)

	// The sticky is per model.
	_, ok = p.Sticky("claude-sonnet-4-5")
	assert.False(t, ok)
}

func TestMarkLimitedClearsStickyAndSkips(t *testing.T) {
	const model = "claude-opus-4-6-thinking"
	p, now := newTestPool(t, 0, "a@x.com", "b@x.com")

	first, ok := p.PickNext(model)
	require.True(t, ok)
	require.Equal(t, "a@x.com", first.Email)

	p.MarkLimited("a@x.com", model, 90*time.Second)

	_, ok = p.Sticky(model)
	assert.False(t, ok, "limited account must not stay sticky")

	next, ok := p.PickNext(model)
	require.True(t, ok)
	assert.Equal(t, "b@x.com", next.Email)

	free := p.AvailableFor(model)
	require.Len(t, free, 1)
	assert.Equal(t, "b@x.com", free[0].Email)

	// Lazily cleared once the reset instant passes.
	*now = now.Add(91 * time.Second)
	assert.Len(t, p.AvailableFor(model), 2)
}

func TestLimitsArePerModel(t *testing.T) {
	p, _ := newTestPool(t, 0, "a@x.com")

	p.MarkLimited("a@x.com", "gemini-3-flash", time.Minute)

	assert.Empty(t, p.AvailableFor("gemini-3-flash"))
	assert.Len(t, p.AvailableFor("claude-sonnet-4-5"), 1)
}

func TestAllLimitedAndMinWait(t *testing.T) {
	const model = "gemini-3-pro-high"
	p, now := newTestPool(t, 0, "a@x.com", "b@x.com")

	assert.False(t, p.AllLimited(model))
	w, ok := p.MinWait(model)
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), w)

	p.MarkLimited("a@x.com", model, 3*time.Minute)
	assert.False(t, p.AllLimited(model), "one account still free")

	p.MarkLimited("b@x.com", model, 45*time.Second)
	assert.True(t, p.AllLimited(model))

	w, ok = p.MinWait(model)
	require.True(t, ok)
	assert.Equal(t, 45*time.Second, w)

	// ClearExpired sweeps the shorter limit once it lapses.
	*now = now.Add(46 * time.Second)
	p.ClearExpired()
	assert.False(t, p.AllLimited(model))

	empty := NewPool(0)
	_, ok = empty.MinWait(model)
	assert.False(t, ok)
	assert.False(t, empty.AllLimited(model))
}

func TestResetAll(t *testing.T) {
	const model = "claude-sonnet-4-5"
	p, _ := newTestPool(t, 0, "a@x.com", "b@x.com")

	p.MarkLimited("a@x.com", model, time.Hour)
	p.MarkLimited("b@x.com", model, time.Hour)
	p.MarkLimited("a@x.com", "gemini-3-flash", time.Hour)
	require.True(t, p.AllLimited(model))

	p.ResetAll(model)

	assert.Len(t, p.AvailableFor(model), 2)
	assert.Empty(t, p.AvailableFor("gemini-3-flash"), "other models keep their limits")
}

func TestReplacePreservesSurvivorState(t *testing.T) {
	const model = "gemini-3-flash"
	p, _ := newTestPool(t, 0, "a@x.com", "b@x.com")
	p.MarkLimited("a@x.com", model, time.Hour)

	added, removed := p.Replace([]Account{
		testAccount("a@x.com"),
		testAccount("c@x.com"),
	})
	assert.Equal(t, 1, added)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 2, p.Len())

	free := p.AvailableFor(model)
	require.Len(t, free, 1)
	assert.Equal(t, "c@x.com", free[0].Email, "a@x.com stays limited across reload")
}

func TestRemoveClearsSticky(t *testing.T) {
	const model = "claude-sonnet-4-5"
	p, _ := newTestPool(t, 0, "a@x.com")

	_, ok := p.PickNext(model)
	require.True(t, ok)

	require.True(t, p.Remove("a@x.com"))
	assert.False(t, p.Remove("a@x.com"))

	_, ok = p.Sticky(model)
	assert.False(t, ok)
	_, ok = p.PickNext(model)
	assert.False(t, ok)
}
