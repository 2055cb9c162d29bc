package tao

import "sync/atomic"

// =====================================
// Page-Size Tunables
// =====================================

// Tunables holds the two runtime-adjustable page-size bounds consumed by the
// paginated assoc queries. Both values are read on every call, so they can
// be changed while the store is live. Keep the default at or below the
// maximum — when the default exceeds the maximum, queries issued with
// DefaultLimit fail with PageTooLargeError.
type Tunables struct {
	maxAssocsPerPage     atomic.Int64
	defaultAssocsPerPage atomic.Int64
}

// Factory defaults for the page-size bounds.
const (
	DefaultMaxAssocsPerPage     = 500
	DefaultDefaultAssocsPerPage = 100
)

// DefaultTunables is the process-wide tunables instance used by stores whose
// configuration doesn't carry its own.
var DefaultTunables = NewTunables()

// NewTunables returns a Tunables instance carrying the factory defaults.
func NewTunables() *Tunables {
	t := &Tunables{}
	t.maxAssocsPerPage.Store(DefaultMaxAssocsPerPage)
	t.defaultAssocsPerPage.Store(DefaultDefaultAssocsPerPage)
	return t
}

// MaxAssocsPerPage returns the upper bound on a resolved page size.
func (t *Tunables) MaxAssocsPerPage() int {
	return int(t.maxAssocsPerPage.Load())
}

// SetMaxAssocsPerPage updates the upper bound on a resolved page size.
func (t *Tunables) SetMaxAssocsPerPage(n int) {
	t.maxAssocsPerPage.Store(int64(n))
}

// DefaultAssocsPerPage returns the page size used for DefaultLimit.
func (t *Tunables) DefaultAssocsPerPage() int {
	return int(t.defaultAssocsPerPage.Load())
}

// SetDefaultAssocsPerPage updates the page size used for DefaultLimit.
func (t *Tunables) SetDefaultAssocsPerPage(n int) {
	t.defaultAssocsPerPage.Store(int64(n))
}

// ResolvePageLimit turns an AssocRangeLimit into a concrete row count,
// checking it against the maximum. Limit(n) is checked against the maximum;
// Maximum is always accepted.
func (t *Tunables) ResolvePageLimit(limit AssocRangeLimit) (int, error) {
	max := t.MaxAssocsPerPage()
	var n int
	switch limit.kind {
	case limitExact:
		n = limit.n
	case limitMaximum:
		return max, nil
	default:
		n = t.DefaultAssocsPerPage()
	}
	if n > max {
		return 0, PageTooLargeError{RequestedLimit: n, MaximumLimit: max}
	}
	return n, nil
}
