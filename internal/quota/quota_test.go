package quota

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUpdateSumsUsage(t *testing.T) {
	tr := New(0, 0)
	now := time.Now()

	rec := tr.Update("lp1", "alice", 10, 200, time.Hour, now)
	assert.Equal(t, 10, rec.PageCount)
	assert.Equal(t, 200, rec.KCount)

	rec = tr.Update("lp1", "alice", 5, 50, time.Hour, now)
	assert.Equal(t, 15, rec.PageCount)
	assert.Equal(t, 250, rec.KCount)
}

func TestUpdateAgesOutOldSamples(t *testing.T) {
	tr := New(0, 0)
	now := time.Now()

	tr.Update("lp1", "alice", 10, 0, time.Minute, now.Add(-time.Hour))
	rec := tr.Update("lp1", "alice", 0, 0, time.Minute, now)
	assert.Equal(t, 0, rec.PageCount)
}

func TestCheckDeniesUnlistedUser(t *testing.T) {
	tr := New(0, 0)
	limits := Limits{Users: []string{"alice"}}
	assert.Equal(t, Denied, tr.Check("lp1", "bob", limits, time.Now()))
	assert.Equal(t, Ok, tr.Check("lp1", "alice", limits, time.Now()))
}

func TestCheckDenyListInverts(t *testing.T) {
	tr := New(0, 0)
	limits := Limits{Users: []string{"bob"}, Deny: true}
	assert.Equal(t, Denied, tr.Check("lp1", "bob", limits, time.Now()))
	assert.Equal(t, Ok, tr.Check("lp1", "alice", limits, time.Now()))
}

func TestCheckLimitWhenPageCountReachesLimit(t *testing.T) {
	tr := New(0, 0)
	now := time.Now()
	tr.Update("lp1", "alice", 100, 0, time.Hour, now)

	limits := Limits{Period: time.Hour, PageLimit: 100}
	assert.Equal(t, Limit, tr.Check("lp1", "alice", limits, now))

	limits2 := Limits{Period: time.Hour, PageLimit: 101}
	assert.Equal(t, Ok, tr.Check("lp1", "alice", limits2, now))
}

func TestCheckJobCountsEnforcesGlobalCeilings(t *testing.T) {
	tr := New(2, 3)
	counts := JobCounts{
		PerUser:    map[string]int{"alice": 2},
		PerPrinter: map[string]int{"lp1": 1},
	}
	assert.Equal(t, Limit, tr.CheckJobCounts(counts, "lp1", "alice"))

	counts2 := JobCounts{
		PerUser:    map[string]int{"alice": 1},
		PerPrinter: map[string]int{"lp1": 3},
	}
	assert.Equal(t, Limit, tr.CheckJobCounts(counts2, "lp1", "alice"))

	counts3 := JobCounts{
		PerUser:    map[string]int{"alice": 1},
		PerPrinter: map[string]int{"lp1": 1},
	}
	assert.Equal(t, Ok, tr.CheckJobCounts(counts3, "lp1", "alice"))
}
