package jobstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func acceptingDest(name string) DestInfo {
	return DestInfo{Name: name, Type: "printer", Accepting: true}
}

func TestAddJobSingleFileStartsPending(t *testing.T) {
	s := New(99)
	j, err := s.AddJob(acceptingDest("lp1"), AddJobRequest{User: "alice", Attrs: map[string][]string{}})
	require.NoError(t, err)
	assert.Equal(t, StatePending, j.State())
	assert.Equal(t, 50, j.Priority)
	assert.NotEmpty(t, j.UUID)
}

func TestAddJobMultiFileIntakeStartsHeld(t *testing.T) {
	s := New(99)
	j, err := s.AddJob(acceptingDest("lp1"), AddJobRequest{User: "alice", Attrs: map[string][]string{}, MultiFileIntake: true})
	require.NoError(t, err)
	assert.Equal(t, StateHeld, j.State())
}

func TestAddJobRejectsNonAcceptingDestination(t *testing.T) {
	s := New(99)
	dest := acceptingDest("lp1")
	dest.Accepting = false
	_, err := s.AddJob(dest, AddJobRequest{User: "alice", Attrs: map[string][]string{}})
	assert.Error(t, err)
}

func TestAddJobEnforcesCopiesRange(t *testing.T) {
	s := New(5)
	_, err := s.AddJob(acceptingDest("lp1"), AddJobRequest{
		User: "alice", Attrs: map[string][]string{"copies": {"6"}},
	})
	assert.Error(t, err)

	_, err = s.AddJob(acceptingDest("lp1"), AddJobRequest{
		User: "alice", Attrs: map[string][]string{"copies": {"0"}},
	})
	assert.Error(t, err)

	_, err = s.AddJob(acceptingDest("lp1"), AddJobRequest{
		User: "alice", Attrs: map[string][]string{"copies": {"3"}},
	})
	assert.NoError(t, err)
}

func TestAddJobEnforcesNumberUpSet(t *testing.T) {
	s := New(99)
	_, err := s.AddJob(acceptingDest("lp1"), AddJobRequest{
		User: "alice", Attrs: map[string][]string{"number-up": {"3"}},
	})
	assert.Error(t, err)

	_, err = s.AddJob(acceptingDest("lp1"), AddJobRequest{
		User: "alice", Attrs: map[string][]string{"number-up": {"4"}},
	})
	assert.NoError(t, err)
}

func TestAddJobValidatesPageRanges(t *testing.T) {
	s := New(99)
	_, err := s.AddJob(acceptingDest("lp1"), AddJobRequest{
		User: "alice", Attrs: map[string][]string{"page-ranges": {"5-3"}},
	})
	assert.Error(t, err)

	_, err = s.AddJob(acceptingDest("lp1"), AddJobRequest{
		User: "alice", Attrs: map[string][]string{"page-ranges": {"5-10", "1-4"}},
	})
	assert.Error(t, err)

	_, err = s.AddJob(acceptingDest("lp1"), AddJobRequest{
		User: "alice", Attrs: map[string][]string{"page-ranges": {"1-4", "5-10"}},
	})
	assert.NoError(t, err)
}

func TestAddJobRejectsReadOnlyAttributesInStrictMode(t *testing.T) {
	s := New(99)
	_, err := s.AddJob(acceptingDest("lp1"), AddJobRequest{
		User: "alice", Attrs: map[string][]string{"job-id": {"7"}}, Strict: true,
	})
	assert.Error(t, err)
}

func TestAddJobSilentlyDropsReadOnlyAttributesOutsideStrictMode(t *testing.T) {
	s := New(99)
	j, err := s.AddJob(acceptingDest("lp1"), AddJobRequest{
		User: "alice", Attrs: map[string][]string{"job-id": {"7"}},
	})
	require.NoError(t, err)
	_, present := j.Attrs["job-id"]
	assert.False(t, present)
}

func TestTransitionsFollowAllowedTable(t *testing.T) {
	s := New(99)
	j, _ := s.AddJob(acceptingDest("lp1"), AddJobRequest{User: "alice", Attrs: map[string][]string{}})

	require.NoError(t, s.StartProcessing(j))
	assert.Equal(t, StateProcessing, j.State())

	require.NoError(t, s.Complete(j))
	assert.Equal(t, StateCompleted, j.State())

	// terminal state is immutable.
	err := s.Cancel(j)
	assert.Error(t, err)
}

func TestHoldReleaseCycle(t *testing.T) {
	s := New(99)
	j, _ := s.AddJob(acceptingDest("lp1"), AddJobRequest{User: "alice", Attrs: map[string][]string{}})

	require.NoError(t, s.Hold(j, HoldUntil{Indefinite: true}))
	assert.Equal(t, StateHeld, j.State())

	require.NoError(t, s.Release(j))
	assert.Equal(t, StatePending, j.State())
	assert.Equal(t, NoHold, j.HoldUntil)
}

func TestCloseJobRespectsHoldUntil(t *testing.T) {
	s := New(99)
	j, _ := s.AddJob(acceptingDest("lp1"), AddJobRequest{User: "alice", Attrs: map[string][]string{}, MultiFileIntake: true})
	require.Equal(t, StateHeld, j.State())

	require.NoError(t, s.Hold(j, HoldUntil{At: time.Now().Add(time.Hour)}))
	require.NoError(t, s.CloseJob(j))
	assert.Equal(t, StateHeld, j.State(), "hold-until in the future should keep the job held")
}

func TestQueuedJobCountCountsNonTerminal(t *testing.T) {
	s := New(99)
	j1, _ := s.AddJob(acceptingDest("lp1"), AddJobRequest{User: "alice", Attrs: map[string][]string{}})
	_, _ = s.AddJob(acceptingDest("lp1"), AddJobRequest{User: "bob", Attrs: map[string][]string{}})

	assert.Equal(t, 2, s.QueuedJobCount("lp1"))

	require.NoError(t, s.StartProcessing(j1))
	require.NoError(t, s.Complete(j1))
	assert.Equal(t, 1, s.QueuedJobCount("lp1"))
}

func TestNextRunnableOrdersByPriorityThenID(t *testing.T) {
	s := New(99)
	_, _ = s.AddJob(acceptingDest("lp1"), AddJobRequest{User: "alice", Attrs: map[string][]string{"job-priority": {"10"}}})
	high, _ := s.AddJob(acceptingDest("lp1"), AddJobRequest{User: "bob", Attrs: map[string][]string{"job-priority": {"90"}}})

	next := s.NextRunnable()
	require.NotNil(t, next)
	assert.Equal(t, high.ID, next.ID)
}
