package handlers

import (
	"testing"

	"github.com/OpenPrinting/goipp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenPrinting/ipp-scheduler/internal/config"
	"github.com/OpenPrinting/ipp-scheduler/internal/dispatcher"
	"github.com/OpenPrinting/ipp-scheduler/internal/jobstore"
	"github.com/OpenPrinting/ipp-scheduler/internal/policy"
	"github.com/OpenPrinting/ipp-scheduler/internal/quota"
	"github.com/OpenPrinting/ipp-scheduler/internal/registry"
	"github.com/OpenPrinting/ipp-scheduler/internal/subscription"
)

// allOps lists every operation a handler test below exercises, so the
// test policy can grant them all without reproducing the full CUPS
// default-policy rule table.
var allOps = []goipp.Op{
	goipp.OpPrintJob, goipp.OpValidateJob, goipp.OpCreateJob, goipp.OpSendDocument,
	goipp.OpCloseJob, goipp.OpCancelJob, goipp.OpHoldJob, goipp.OpReleaseJob,
	goipp.OpRestartJob, goipp.OpGetJobAttributes, goipp.OpGetJobs,
	goipp.OpGetPrinterAttributes, goipp.OpSetJobAttributes, goipp.OpSetPrinterAttributes,
	goipp.OpPausePrinter, goipp.OpResumePrinter, goipp.OpCancelJobs, goipp.OpPurgeJobs,
	goipp.OpCancelMyJobs, goipp.OpCupsAcceptJobs, goipp.OpCupsRejectJobs,
	goipp.OpHoldNewJobs, goipp.OpReleaseHeldNewJobs, goipp.OpCreatePrinterSubscriptions,
	goipp.OpCreateJobSubscriptions, goipp.OpGetSubscriptionAttributes,
	goipp.OpGetSubscriptions, goipp.OpRenewSubscription, goipp.OpCancelSubscription,
	goipp.OpGetNotifications, goipp.OpCupsAddModifyPrinter, goipp.OpCupsDeletePrinter,
	goipp.OpCupsAddModifyClass, goipp.OpCupsDeleteClass, goipp.OpCupsMoveJob,
	goipp.OpCupsAuthenticateJob, goipp.OpCupsCreateLocalPrinter, goipp.OpCupsGetDocument,
}

func newTestDeps(t *testing.T) (*Deps, *registry.Destination) {
	t.Helper()
	reg := registry.New(true)
	dest, err := reg.AddPrinter("lp1")
	require.NoError(t, err)
	dest.Accepting = true
	dest.Shared = true

	rules := map[goipp.Op]policy.Rule{}
	for _, op := range allOps {
		rules[op] = policy.Rule{Op: op, Auth: policy.AuthNone, Allow: []string{"*"}}
	}
	eng := policy.NewEngine()
	eng.Register(&policy.Policy{Name: policy.DefaultPolicyName, Rules: rules, DefaultAllowOwner: true})

	d := &Deps{
		Registry:      reg,
		Jobs:          jobstore.New(99),
		Quota:         quota.New(0, 0),
		Subscriptions: subscription.New(0),
		Policy:        eng,
		Config:        config.Defaults(),
	}
	return d, dest
}

func requestWithPrinterURI(op goipp.Op, uri string) *goipp.Message {
	m := goipp.NewRequest(goipp.MakeVersion(2, 0), op, 1)
	m.Operation.Add(goipp.MakeAttribute("attributes-charset", goipp.TagCharset, goipp.String("utf-8")))
	m.Operation.Add(goipp.MakeAttribute("attributes-natural-language", goipp.TagLanguage, goipp.String("en")))
	m.Operation.Add(goipp.MakeAttribute("printer-uri", goipp.TagURI, goipp.String(uri)))
	return m
}

func TestValidateJobDoesNotCreateAJob(t *testing.T) {
	d, dest := newTestDeps(t)
	m := requestWithPrinterURI(goipp.OpValidateJob, "ipp://localhost/printers/lp1")

	h := validateJob(d)
	_, _, err := h(&dispatcher.Context{Message: m, User: "alice"})
	require.NoError(t, err)
	assert.Equal(t, 0, d.Jobs.QueuedJobCount(dest.Name))
}

func TestPrintJobCreatesSingleFilePendingJob(t *testing.T) {
	d, dest := newTestDeps(t)
	m := requestWithPrinterURI(goipp.OpPrintJob, "ipp://localhost/printers/lp1")

	h := printJob(d)
	set, _, err := h(&dispatcher.Context{Message: m, User: "alice", Body: []byte("%PDF-1.4 ...")})
	require.NoError(t, err)

	var jobID int32
	found := false
	for _, g := range set.Groups {
		for _, a := range g.Attrs {
			if a.Name == "job-id" {
				jobID = int32(a.Values[0].V.(goipp.Integer))
				found = true
			}
		}
	}
	require.True(t, found)

	j := d.Jobs.Lookup(int(jobID))
	require.NotNil(t, j)
	assert.Equal(t, jobstore.StatePending, j.State())
	assert.Equal(t, 1, d.Jobs.QueuedJobCount(dest.Name))
}

func TestPrintJobRejectsWhenNotAccepting(t *testing.T) {
	d, dest := newTestDeps(t)
	dest.Accepting = false
	m := requestWithPrinterURI(goipp.OpPrintJob, "ipp://localhost/printers/lp1")

	h := printJob(d)
	_, _, err := h(&dispatcher.Context{Message: m, User: "alice"})
	assert.Error(t, err)
}

func TestCancelJobOnTerminalJobReturnsNotPossible(t *testing.T) {
	d, dest := newTestDeps(t)
	j, err := d.Jobs.AddJob(destInfo(dest), jobstore.AddJobRequest{User: "alice"})
	require.NoError(t, err)
	require.NoError(t, d.Jobs.Cancel(j))

	m := goipp.NewRequest(goipp.MakeVersion(2, 0), goipp.OpCancelJob, 1)
	m.Operation.Add(goipp.MakeAttribute("job-id", goipp.TagInteger, goipp.Integer(j.ID)))

	h := cancelJob(d)
	_, _, err = h(&dispatcher.Context{Message: m, User: "alice"})
	assert.Error(t, err)
}

func TestHoldThenReleaseJobCycle(t *testing.T) {
	d, dest := newTestDeps(t)
	j, err := d.Jobs.AddJob(destInfo(dest), jobstore.AddJobRequest{User: "alice"})
	require.NoError(t, err)

	holdMsg := goipp.NewRequest(goipp.MakeVersion(2, 0), goipp.OpHoldJob, 1)
	holdMsg.Operation.Add(goipp.MakeAttribute("job-id", goipp.TagInteger, goipp.Integer(j.ID)))

	_, _, err = holdJob(d)(&dispatcher.Context{Message: holdMsg, User: "alice"})
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateHeld, j.State())

	releaseMsg := goipp.NewRequest(goipp.MakeVersion(2, 0), goipp.OpReleaseJob, 1)
	releaseMsg.Operation.Add(goipp.MakeAttribute("job-id", goipp.TagInteger, goipp.Integer(j.ID)))

	_, _, err = releaseJob(d)(&dispatcher.Context{Message: releaseMsg, User: "alice"})
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatePending, j.State())
}

func TestRestartJobReturnsTerminalJobWithFilesToPending(t *testing.T) {
	d, dest := newTestDeps(t)
	j, err := d.Jobs.AddJob(destInfo(dest), jobstore.AddJobRequest{User: "alice"})
	require.NoError(t, err)
	d.Jobs.AddFile(j, "application/pdf", "none", "")
	require.NoError(t, d.Jobs.Cancel(j))

	m := goipp.NewRequest(goipp.MakeVersion(2, 0), goipp.OpRestartJob, 1)
	m.Operation.Add(goipp.MakeAttribute("job-id", goipp.TagInteger, goipp.Integer(j.ID)))

	_, _, err = restartJob(d)(&dispatcher.Context{Message: m, User: "alice"})
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatePending, j.State())
}

func TestRestartJobWithoutFilesIsNotPossible(t *testing.T) {
	d, dest := newTestDeps(t)
	j, err := d.Jobs.AddJob(destInfo(dest), jobstore.AddJobRequest{User: "alice"})
	require.NoError(t, err)
	require.NoError(t, d.Jobs.Cancel(j))

	m := goipp.NewRequest(goipp.MakeVersion(2, 0), goipp.OpRestartJob, 1)
	m.Operation.Add(goipp.MakeAttribute("job-id", goipp.TagInteger, goipp.Integer(j.ID)))

	_, _, err = restartJob(d)(&dispatcher.Context{Message: m, User: "alice"})
	assert.Error(t, err)
}

func TestAddModifyClassRejectsNestedClassMember(t *testing.T) {
	d, _ := newTestDeps(t)
	_, err := d.Registry.AddClass("inner")
	require.NoError(t, err)

	m := requestWithPrinterURI(goipp.OpCupsAddModifyClass, "ipp://localhost/classes/outer")
	m.Printer.Add(goipp.MakeAttribute("member-names", goipp.TagName, goipp.String("inner")))

	_, _, err = addModifyDest(d, registry.TypeClass, goipp.OpCupsAddModifyClass)(&dispatcher.Context{Message: m, User: "root"})
	assert.Error(t, err)
}

func TestAddModifyClassAcceptsPrinterMembers(t *testing.T) {
	d, dest := newTestDeps(t)
	m := requestWithPrinterURI(goipp.OpCupsAddModifyClass, "ipp://localhost/classes/cls1")
	m.Printer.Add(goipp.MakeAttribute("member-names", goipp.TagName, goipp.String(dest.Name)))

	_, _, err := addModifyDest(d, registry.TypeClass, goipp.OpCupsAddModifyClass)(&dispatcher.Context{Message: m, User: "root"})
	require.NoError(t, err)

	cls := d.Registry.Lookup("cls1")
	require.NotNil(t, cls)
	assert.Equal(t, []string{dest.Name}, cls.Members)
}

func TestMoveJobReassignsDestination(t *testing.T) {
	d, dest := newTestDeps(t)
	dest2, err := d.Registry.AddPrinter("lp2")
	require.NoError(t, err)
	dest2.Accepting = true

	j, err := d.Jobs.AddJob(destInfo(dest), jobstore.AddJobRequest{User: "alice"})
	require.NoError(t, err)

	m := goipp.NewRequest(goipp.MakeVersion(2, 0), goipp.OpCupsMoveJob, 1)
	m.Operation.Add(goipp.MakeAttribute("job-id", goipp.TagInteger, goipp.Integer(j.ID)))
	m.Job.Add(goipp.MakeAttribute("job-printer-uri", goipp.TagURI, goipp.String("ipp://localhost/printers/"+dest2.Name)))

	_, _, err = moveJob(d)(&dispatcher.Context{Message: m, User: "alice"})
	require.NoError(t, err)
	assert.Equal(t, dest2.Name, j.Dest)
}

func TestAcceptJobsIsIdempotent(t *testing.T) {
	d, dest := newTestDeps(t)
	dest.Accepting = true
	m := requestWithPrinterURI(goipp.OpCupsAcceptJobs, "ipp://localhost/printers/lp1")

	_, _, err := acceptJobs(d)(&dispatcher.Context{Message: m, User: "root"})
	require.NoError(t, err)
	assert.True(t, dest.Accepting)
}

func TestCreatePrinterSubscriptionThenGetNotifications(t *testing.T) {
	d, dest := newTestDeps(t)
	createMsg := requestWithPrinterURI(goipp.OpCreatePrinterSubscriptions, "ipp://localhost/printers/"+dest.Name)
	createMsg.Operation.Add(goipp.MakeAttribute("notify-events", goipp.TagKeyword, goipp.String("job-completed")))

	set, _, err := createPrinterSubscriptions(d)(&dispatcher.Context{Message: createMsg, User: "alice"})
	require.NoError(t, err)

	var subID int32
	for _, g := range set.Groups {
		for _, a := range g.Attrs {
			if a.Name == "notify-subscription-id" {
				subID = int32(a.Values[0].V.(goipp.Integer))
			}
		}
	}
	require.NotZero(t, subID)

	d.Subscriptions.Enqueue(subscription.KindJobCompleted, dest.Name, 0, nil, nil)

	pollMsg := goipp.NewRequest(goipp.MakeVersion(2, 0), goipp.OpGetNotifications, 1)
	pollMsg.Operation.Add(goipp.MakeAttribute("notify-subscription-ids", goipp.TagInteger, goipp.Integer(subID)))

	result, _, err := getNotifications(d)(&dispatcher.Context{Message: pollMsg, User: "alice"})
	require.NoError(t, err)
	require.NotNil(t, result)

	found := false
	for _, g := range result.Groups {
		for _, a := range g.Attrs {
			if a.Name == "notify-sequence-number" {
				found = true
			}
		}
	}
	assert.True(t, found)
}
