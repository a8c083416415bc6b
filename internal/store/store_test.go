package store

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleDest struct {
	Name      string
	Accepting bool
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scheduler.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutAndLoadDestination(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.PutDestination("lp1", sampleDest{Name: "lp1", Accepting: true}))

	var got sampleDest
	err := s.LoadDestinations(func(name string, data []byte) error {
		if name != "lp1" {
			return nil
		}
		return json.Unmarshal(data, &got)
	})
	require.NoError(t, err)
	assert.Equal(t, "lp1", got.Name)
	assert.True(t, got.Accepting)
}

func TestDirtyBitTracksUnflushedWrites(t *testing.T) {
	s := openTestStore(t)
	assert.False(t, s.Dirty())

	require.NoError(t, s.PutJob(1, map[string]string{"state": "pending"}))
	assert.True(t, s.Dirty())

	s.Flush()
	assert.False(t, s.Dirty())
}

func TestDeleteDestinationRemovesRecord(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.PutDestination("lp1", sampleDest{Name: "lp1"}))
	require.NoError(t, s.DeleteDestination("lp1"))

	seen := false
	err := s.LoadDestinations(func(name string, data []byte) error {
		seen = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestPutSubscriptionRoundTrips(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.PutSubscription(5, map[string]int{"mask": 3}))

	found := false
	err := s.LoadSubscriptions(func(id string, data []byte) error {
		if id == "5" {
			found = true
		}
		return nil
	})
	require.NoError(t, err)
	assert.True(t, found)
}
