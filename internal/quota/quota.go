// Package quota implements the quota tracker: per (destination, user)
// rolling-window counters of pages and kilobytes, plus the global
// MaxJobsPerPrinter/MaxJobsPerUser checks.
//
// The rolling-window aging-on-read shape has no direct analogue in
// ipp-usb (it proxies a single local device and tracks no quotas); the
// counters are keyed by (dest, user) and summed over a rolling
// quota period, with older entries aged out lazily on read, built in
// ipp-usb's general style of small mutex-guarded maps (cf. the UID
// cache in auth.go).
package quota

import (
	"sync"
	"time"
)

// Verdict is the result of Check.
type Verdict int

const (
	Ok Verdict = iota
	Denied
	Limit
)

type key struct {
	dest string
	user string
}

// entry is one usage sample within the rolling window.
type entry struct {
	at     time.Time
	pages  int
	kbytes int
}

// Record is the summed usage for one (destination, user) pair, as
// returned by Update.
type Record struct {
	Dest      string
	User      string
	PageCount int
	KCount    int
}

// Limits are the per-destination quota configuration: period/k/page
// limits plus an optional user allow/deny list.
type Limits struct {
	Period    time.Duration
	PageLimit int
	KLimit    int
	// Users, if non-empty, is the allow-list for this destination;
	// Deny inverts it into a deny-list, mirroring Destination.Users.
	Users []string
	Deny  bool
}

// Tracker holds rolling-window usage samples for every (destination,
// user) pair, plus the global job-count ceilings.
type Tracker struct {
	mu      sync.Mutex
	samples map[key][]entry

	maxJobsPerUser    int
	maxJobsPerPrinter int
}

// New returns a Tracker enforcing the given global job ceilings.
func New(maxJobsPerUser, maxJobsPerPrinter int) *Tracker {
	return &Tracker{
		samples:           map[key][]entry{},
		maxJobsPerUser:    maxJobsPerUser,
		maxJobsPerPrinter: maxJobsPerPrinter,
	}
}

// Update implements update(dest, user, pages, kbytes) → quota-record.
func (t *Tracker) Update(dest, user string, pages, kbytes int, period time.Duration, now time.Time) Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{dest, user}
	t.samples[k] = age(t.samples[k], period, now)
	if pages != 0 || kbytes != 0 {
		t.samples[k] = append(t.samples[k], entry{now, pages, kbytes})
	}
	return t.sumLocked(k)
}

// age drops samples older than period relative to now.
func age(samples []entry, period time.Duration, now time.Time) []entry {
	if period <= 0 {
		return samples
	}
	cutoff := now.Add(-period)
	out := samples[:0:0]
	for _, s := range samples {
		if s.at.After(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

func (t *Tracker) sumLocked(k key) Record {
	rec := Record{Dest: k.dest, User: k.user}
	for _, s := range t.samples[k] {
		rec.PageCount += s.pages
		rec.KCount += s.kbytes
	}
	return rec
}

// userAllowed reports whether user is permitted by limits' users list.
func userAllowed(limits Limits, user string) bool {
	if len(limits.Users) == 0 {
		return true
	}
	member := false
	for _, u := range limits.Users {
		if u == user || u == "*" {
			member = true
			break
		}
	}
	if limits.Deny {
		return !member
	}
	return member
}

// Check implements check(dest, user) → ok|denied|limit.
func (t *Tracker) Check(dest, user string, limits Limits, now time.Time) Verdict {
	if !userAllowed(limits, user) {
		return Denied
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{dest, user}
	t.samples[k] = age(t.samples[k], limits.Period, now)
	rec := t.sumLocked(k)

	if limits.PageLimit > 0 && rec.PageCount >= limits.PageLimit {
		return Limit
	}
	if limits.KLimit > 0 && rec.KCount >= limits.KLimit {
		return Limit
	}
	return Ok
}

// JobCounts is supplied by the caller (Job Store) so the Tracker never
// needs to depend on jobstore's types to enforce the global ceilings.
type JobCounts struct {
	PerUser    map[string]int
	PerPrinter map[string]int
}

// CheckJobCounts enforces the MaxJobsPerPrinter and MaxJobsPerUser
// global ceilings, on top of the rolling-window page/kilobyte quotas.
func (t *Tracker) CheckJobCounts(counts JobCounts, dest, user string) Verdict {
	if t.maxJobsPerUser > 0 && counts.PerUser[user] >= t.maxJobsPerUser {
		return Limit
	}
	if t.maxJobsPerPrinter > 0 && counts.PerPrinter[dest] >= t.maxJobsPerPrinter {
		return Limit
	}
	return Ok
}
