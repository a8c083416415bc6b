package subscription

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreatePullSubscription(t *testing.T) {
	e := New(time.Hour)
	sub, err := e.Create(CreateRequest{
		Scope: ScopeDestination, Dest: "lp1", Mask: KindJobCompleted,
		Delivery: DeliveryPull, Owner: "alice",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, sub.ID)
	assert.Equal(t, time.Hour, sub.Lease)
}

func TestCreateRejectsUnknownPullMethod(t *testing.T) {
	e := New(time.Hour)
	_, err := e.Create(CreateRequest{Delivery: DeliveryPull, Method: "subscribe"}, nil)
	assert.Error(t, err)
}

func TestCreateValidatesRecipientScheme(t *testing.T) {
	e := New(time.Hour)
	_, err := e.Create(CreateRequest{
		Delivery: DeliveryPush, Recipient: "mailto:ops@example.com",
	}, func(scheme string) bool { return scheme == "mailto" })
	assert.NoError(t, err)

	_, err = e.Create(CreateRequest{
		Delivery: DeliveryPush, Recipient: "xmpp:ops@example.com",
	}, func(scheme string) bool { return scheme == "mailto" })
	assert.Error(t, err)
}

func TestCreateRejectsDuplicateRSSRecipient(t *testing.T) {
	e := New(time.Hour)
	allowAll := func(string) bool { return true }

	_, err := e.Create(CreateRequest{Delivery: DeliveryPush, Recipient: "rss:printer-events"}, allowAll)
	require.NoError(t, err)

	_, err = e.Create(CreateRequest{Delivery: DeliveryPush, Recipient: "rss:printer-events"}, allowAll)
	assert.Error(t, err)
}

func TestCreateCapsLeaseAtServerMaximum(t *testing.T) {
	e := New(time.Hour)
	sub, err := e.Create(CreateRequest{Delivery: DeliveryPull, Lease: 10 * time.Hour}, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, sub.Lease)
}

func TestRenewRejectsJobScoped(t *testing.T) {
	e := New(time.Hour)
	sub, _ := e.Create(CreateRequest{Scope: ScopeJob, JobID: 1, Delivery: DeliveryPull}, nil)
	err := e.Renew(sub.ID, 30*time.Minute)
	assert.Error(t, err)
}

func TestEnqueueRecordsSequenceNumbersPerSubscription(t *testing.T) {
	e := New(time.Hour)
	sub, _ := e.Create(CreateRequest{Scope: ScopeDestination, Dest: "lp1", Mask: KindJobCompleted, Delivery: DeliveryPull}, nil)

	e.Enqueue(KindJobCompleted, "lp1", 0, nil, nil)
	e.Enqueue(KindJobCompleted, "lp1", 0, nil, nil)

	results, _ := e.Poll([]int{sub.ID}, map[int]int{sub.ID: 1}, TargetState{})
	require.Len(t, results, 1)
	assert.Len(t, results[0].Events, 2)
	assert.Equal(t, 1, results[0].Events[0].Sequence)
	assert.Equal(t, 2, results[0].Events[1].Sequence)
}

func TestEnqueueIgnoresNonMatchingScope(t *testing.T) {
	e := New(time.Hour)
	sub, _ := e.Create(CreateRequest{Scope: ScopeDestination, Dest: "lp1", Mask: KindJobCompleted, Delivery: DeliveryPull}, nil)

	e.Enqueue(KindJobCompleted, "lp2", 0, nil, nil)

	results, _ := e.Poll([]int{sub.ID}, map[int]int{sub.ID: 1}, TargetState{})
	require.Len(t, results, 1)
	assert.Empty(t, results[0].Events)
}

func TestPollSuggestsIntervalFromTargetState(t *testing.T) {
	e := New(time.Hour)
	_, interval := e.Poll(nil, nil, TargetState{AnyJobProcessing: true})
	assert.Equal(t, 10, interval)

	_, interval = e.Poll(nil, nil, TargetState{AnyPrinterProcessing: true})
	assert.Equal(t, 30, interval)

	_, interval = e.Poll(nil, nil, TargetState{})
	assert.Equal(t, 60, interval)

	_, interval = e.Poll(nil, nil, TargetState{AllTargetsTerminal: true})
	assert.Equal(t, 0, interval)
}

func TestSweepExpiredRemovesPastLease(t *testing.T) {
	e := New(0)
	sub, _ := e.Create(CreateRequest{Delivery: DeliveryPull, Lease: time.Minute}, nil)
	sub.ExpireAt = time.Now().Add(-time.Second)

	e.SweepExpired(time.Now())
	assert.Nil(t, e.Lookup(sub.ID))
}

func TestExpireJobScopedRemovesOnlyMatchingJob(t *testing.T) {
	e := New(time.Hour)
	a, _ := e.Create(CreateRequest{Scope: ScopeJob, JobID: 1, Delivery: DeliveryPull}, nil)
	b, _ := e.Create(CreateRequest{Scope: ScopeJob, JobID: 2, Delivery: DeliveryPull}, nil)

	e.ExpireJobScoped(1)
	assert.Nil(t, e.Lookup(a.ID))
	assert.NotNil(t, e.Lookup(b.ID))
}

func TestParseEventNamesMapsConvenienceMasks(t *testing.T) {
	mask := ParseEventNames([]string{"job-completed", "printer-state-changed"})
	assert.NotZero(t, mask&KindJobCompleted)
	assert.NotZero(t, mask&KindPrinterStateChanged)
	assert.Zero(t, mask&KindJobCreated)
}
