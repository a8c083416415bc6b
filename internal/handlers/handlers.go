package handlers

import (
	"os"
	"time"

	"github.com/OpenPrinting/goipp"

	"github.com/OpenPrinting/ipp-scheduler/internal/dispatcher"
	"github.com/OpenPrinting/ipp-scheduler/internal/ippattr"
	"github.com/OpenPrinting/ipp-scheduler/internal/ipperr"
	"github.com/OpenPrinting/ipp-scheduler/internal/jobstore"
	"github.com/OpenPrinting/ipp-scheduler/internal/policy"
	"github.com/OpenPrinting/ipp-scheduler/internal/quota"
	"github.com/OpenPrinting/ipp-scheduler/internal/registry"
	"github.com/OpenPrinting/ipp-scheduler/internal/subscription"
)

// RegisterAll wires every operation handler onto d, the way the
// rusq-thermoprint example builds its map[goipp.Op]IPPHandlerFunc
// dispatch table inline inside ServeIPP -- generalized here into
// standalone functions so each operation can be tested in isolation.
func RegisterAll(d *dispatcher.Dispatcher, deps *Deps) {
	d.Register(goipp.OpPrintJob, printJob(deps))
	d.Register(goipp.OpValidateJob, validateJob(deps))
	d.Register(goipp.OpCreateJob, createJob(deps))
	d.Register(goipp.OpSendDocument, sendDocument(deps))
	d.Register(goipp.OpCloseJob, closeJob(deps))
	d.Register(goipp.OpCancelJob, cancelJob(deps))
	d.Register(goipp.OpHoldJob, holdJob(deps))
	d.Register(goipp.OpReleaseJob, releaseJob(deps))
	d.Register(goipp.OpRestartJob, restartJob(deps))
	d.Register(goipp.OpGetJobAttributes, getJobAttributes(deps))
	d.Register(goipp.OpGetJobs, getJobs(deps))
	d.Register(goipp.OpGetPrinterAttributes, getPrinterAttributes(deps))
	d.Register(goipp.OpGetPrinterSupportedValues, getPrinterAttributes(deps))
	d.Register(goipp.OpCupsGetDefault, getDefault(deps))
	d.Register(goipp.OpCupsGetPrinters, getPrinters(deps))
	d.Register(goipp.OpSetJobAttributes, setJobAttributes(deps))
	d.Register(goipp.OpSetPrinterAttributes, setPrinterAttributes(deps))
	d.Register(goipp.OpPausePrinter, pausePrinter(deps))
	d.Register(goipp.OpResumePrinter, resumePrinter(deps))
	d.Register(goipp.OpCancelJobs, cancelJobs(deps, cancelModeCancelJobs))
	d.Register(goipp.OpPurgeJobs, cancelJobs(deps, cancelModePurge))
	d.Register(goipp.OpCancelMyJobs, cancelJobs(deps, cancelModeMine))
	d.Register(goipp.OpCupsAcceptJobs, acceptJobs(deps))
	d.Register(goipp.OpCupsRejectJobs, rejectJobs(deps))
	d.Register(goipp.OpHoldNewJobs, holdNewJobs(deps))
	d.Register(goipp.OpReleaseHeldNewJobs, releaseHeldNewJobs(deps))
	d.Register(goipp.OpCreatePrinterSubscriptions, createPrinterSubscriptions(deps))
	d.Register(goipp.OpCreateJobSubscriptions, createJobSubscriptions(deps))
	d.Register(goipp.OpGetSubscriptionAttributes, getSubscriptionAttributes(deps))
	d.Register(goipp.OpGetSubscriptions, getSubscriptions(deps))
	d.Register(goipp.OpRenewSubscription, renewSubscription(deps))
	d.Register(goipp.OpCancelSubscription, cancelSubscription(deps))
	d.Register(goipp.OpGetNotifications, getNotifications(deps))
	d.Register(goipp.OpCupsAddModifyPrinter, addModifyDest(deps, registry.TypePrinter, goipp.OpCupsAddModifyPrinter))
	d.Register(goipp.OpCupsDeletePrinter, deleteDest(deps, registry.TypePrinter, goipp.OpCupsDeletePrinter))
	d.Register(goipp.OpCupsAddModifyClass, addModifyDest(deps, registry.TypeClass, goipp.OpCupsAddModifyClass))
	d.Register(goipp.OpCupsDeleteClass, deleteDest(deps, registry.TypeClass, goipp.OpCupsDeleteClass))
	d.Register(goipp.OpCupsMoveJob, moveJob(deps))
	d.Register(goipp.OpCupsAuthenticateJob, authenticateJob(deps))
	d.Register(goipp.OpCupsCreateLocalPrinter, createLocalPrinter(deps))
	d.Register(goipp.OpCupsGetDocument, getDocument(deps))
}

// validateJob implements Validate-Job: the Job Store has no dry-run
// mode, so it constructs the same DestInfo and AddJobRequest a real
// submission would and passes them to AddJob on the live store. A
// request that fails AddJob's checks creates nothing; on success the
// created job is canceled at once, and it stays in the store as a
// canceled record with its own job id.
func validateJob(d *Deps) dispatcher.Handler {
	return func(ctx *dispatcher.Context) (*ippattr.Set, []byte, error) {
		dest, err := destinationFromURI(ctx.Message, d.Registry)
		if err != nil {
			return nil, nil, err
		}
		if err := checkPolicy(d, dest.OpPolicy, goipp.OpValidateJob, ctx, ""); err != nil {
			return nil, nil, err
		}

		req := jobstore.AddJobRequest{
			User:   requestingUser(ctx),
			Host:   ctx.Host,
			Attrs:  flattenAttrs(ctx.Message.Job),
			Strict: d.Config.Strict,
		}
		j, err := d.Jobs.AddJob(destInfo(dest), req)
		if err != nil {
			return nil, nil, ipperr.AttributesNotSupported("%s", err)
		}
		_ = d.Jobs.Cancel(j)
		return ippattr.NewSet(), nil, nil
	}
}

func destInfo(dest *registry.Destination) jobstore.DestInfo {
	return jobstore.DestInfo{
		Name:            dest.Name,
		Type:            kindName(dest.Type),
		Accepting:       dest.Accepting,
		Shared:          dest.Shared,
		DefaultOptions:  dest.OptionDefaults,
		RemoteNonShared: !dest.IsShared() && dest.StateReasons["remote"],
	}
}

func kindName(t registry.Type) string {
	if t == registry.TypeClass {
		return "class"
	}
	return "printer"
}

// printJob implements Print-Job: single-file submission that auto-types
// from the request body when document-format is absent or
// application/octet-stream, then enqueues a single-file job.
func printJob(d *Deps) dispatcher.Handler {
	return func(ctx *dispatcher.Context) (*ippattr.Set, []byte, error) {
		dest, err := destinationFromURI(ctx.Message, d.Registry)
		if err != nil {
			return nil, nil, err
		}
		if err := checkPolicy(d, dest.OpPolicy, goipp.OpPrintJob, ctx, ""); err != nil {
			return nil, nil, err
		}
		if v := d.Quota.Check(dest.Name, requestingUser(ctx), quotaLimits(dest), time.Now()); v != quota.Ok {
			if d.Metrics != nil {
				reason := "limit"
				if v == quota.Denied {
					reason = "denied"
				}
				d.Metrics.QuotaDenials.WithLabelValues(dest.Name, reason).Inc()
			}
			return nil, nil, ipperr.NotPossible("quota exceeded for %q", requestingUser(ctx))
		}

		attrs := flattenAttrs(ctx.Message.Job)
		format := firstOrDefault(attrs["document-format"], "application/octet-stream")
		if format == "application/octet-stream" {
			format = detectFormat(ctx.Body)
			attrs["document-format-detected"] = []string{format}
		}

		req := jobstore.AddJobRequest{
			User:   requestingUser(ctx),
			Host:   ctx.Host,
			Attrs:  attrs,
			Strict: d.Config.Strict,
		}
		j, err := d.Jobs.AddJob(destInfo(dest), req)
		if err != nil {
			return nil, nil, ipperr.AttributesNotSupported("%s", err)
		}
		d.Jobs.AddFile(j, format, "none", "")

		set := jobIdentityAttrs(dest, j)
		refreshMetrics(d, dest.Name)
		return set, nil, nil
	}
}

func firstOrDefault(values []string, def string) string {
	if len(values) == 0 || values[0] == "" {
		return def
	}
	return values[0]
}

// detectFormat sniffs a handful of magic numbers the way a real spooler's
// filetype prober would, without depending on any one MIME library.
func detectFormat(body []byte) string {
	switch {
	case len(body) >= 4 && string(body[:4]) == "%PDF":
		return "application/pdf"
	case len(body) >= 2 && body[0] == '%' && body[1] == '!':
		return "application/postscript"
	case len(body) >= 3 && body[0] == 0xff && body[1] == 0xd8:
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}

func quotaLimits(dest *registry.Destination) quota.Limits {
	return quota.Limits{
		Period:    dest.QuotaPeriod,
		PageLimit: dest.PageLimit,
		KLimit:    dest.KLimit,
		Users:     dest.Users,
		Deny:      dest.Deny,
	}
}

func refreshMetrics(d *Deps, dest string) {
	if d.Metrics == nil {
		return
	}
	d.Metrics.QueuedJobs.WithLabelValues(dest).Set(float64(d.Jobs.QueuedJobCount(dest)))
}

// createJob implements Create-Job: zero-file job awaiting Send-Document.
func createJob(d *Deps) dispatcher.Handler {
	return func(ctx *dispatcher.Context) (*ippattr.Set, []byte, error) {
		dest, err := destinationFromURI(ctx.Message, d.Registry)
		if err != nil {
			return nil, nil, err
		}
		if err := checkPolicy(d, dest.OpPolicy, goipp.OpCreateJob, ctx, ""); err != nil {
			return nil, nil, err
		}

		req := jobstore.AddJobRequest{
			User:            requestingUser(ctx),
			Host:            ctx.Host,
			Attrs:           flattenAttrs(ctx.Message.Job),
			Strict:          d.Config.Strict,
			MultiFileIntake: true,
		}
		j, err := d.Jobs.AddJob(destInfo(dest), req)
		if err != nil {
			return nil, nil, ipperr.AttributesNotSupported("%s", err)
		}
		d.Jobs.SetIntakeDeadline(j, time.Now().Add(15*time.Minute))

		set := jobIdentityAttrs(dest, j)
		refreshMetrics(d, dest.Name)
		return set, nil, nil
	}
}

// sendDocument implements Send-Document: appends a file, promoting the
// job out of held intake once last-document is true and no hold applies.
func sendDocument(d *Deps) dispatcher.Handler {
	return func(ctx *dispatcher.Context) (*ippattr.Set, []byte, error) {
		j, err := jobFromRequest(ctx.Message, d.Jobs)
		if err != nil {
			return nil, nil, err
		}
		if err := checkPolicy(d, "", goipp.OpSendDocument, ctx, j.OriginatingUser); err != nil {
			return nil, nil, err
		}

		format := "application/octet-stream"
		if a, ok := findOperation(ctx.Message, "document-format"); ok {
			format = attrString(a)
		}
		d.Jobs.AddFile(j, format, "none", "")

		last := true
		if a, ok := findOperation(ctx.Message, "last-document"); ok {
			last = a.Values[0].V.(goipp.Boolean) == goipp.Boolean(true)
		}
		if last {
			if err := d.Jobs.CloseJob(j); err != nil {
				return nil, nil, ipperr.NotPossible("%s", err)
			}
		}

		dest := d.Registry.Lookup(j.Dest)
		return jobIdentityAttrs(dest, j), nil, nil
	}
}

// closeJob implements Close-Job: ends multi-file intake explicitly.
func closeJob(d *Deps) dispatcher.Handler {
	return func(ctx *dispatcher.Context) (*ippattr.Set, []byte, error) {
		j, err := jobFromRequest(ctx.Message, d.Jobs)
		if err != nil {
			return nil, nil, err
		}
		if err := checkPolicy(d, "", goipp.OpCloseJob, ctx, j.OriginatingUser); err != nil {
			return nil, nil, err
		}
		if err := d.Jobs.CloseJob(j); err != nil {
			return nil, nil, ipperr.NotPossible("%s", err)
		}
		dest := d.Registry.Lookup(j.Dest)
		return jobIdentityAttrs(dest, j), nil, nil
	}
}

// cancelJob implements Cancel-Job: any non-terminal job moves to
// canceled; a job already terminal returns not-possible without change.
func cancelJob(d *Deps) dispatcher.Handler {
	return func(ctx *dispatcher.Context) (*ippattr.Set, []byte, error) {
		j, err := jobFromRequest(ctx.Message, d.Jobs)
		if err != nil {
			return nil, nil, err
		}
		if err := checkPolicy(d, "", goipp.OpCancelJob, ctx, j.OriginatingUser); err != nil {
			return nil, nil, err
		}
		if j.State().Terminal() {
			return nil, nil, ipperr.NotPossible("job %d is already in a terminal state", j.ID)
		}
		if err := d.Jobs.Cancel(j); err != nil {
			return nil, nil, ipperr.NotPossible("%s", err)
		}
		d.Subscriptions.ExpireJobScoped(j.ID)
		refreshMetrics(d, j.Dest)
		return ippattr.NewSet(), nil, nil
	}
}

// holdJob implements Hold-Job.
func holdJob(d *Deps) dispatcher.Handler {
	return func(ctx *dispatcher.Context) (*ippattr.Set, []byte, error) {
		j, err := jobFromRequest(ctx.Message, d.Jobs)
		if err != nil {
			return nil, nil, err
		}
		if err := checkPolicy(d, "", goipp.OpHoldJob, ctx, j.OriginatingUser); err != nil {
			return nil, nil, err
		}
		until, err := parseHoldUntil(ctx.Message.Job)
		if err != nil {
			return nil, nil, ipperr.BadRequest("%s", err)
		}
		if until == jobstore.NoHold {
			until = jobstore.HoldUntil{Indefinite: true}
		}
		if err := d.Jobs.Hold(j, until); err != nil {
			return nil, nil, ipperr.NotPossible("%s", err)
		}
		return ippattr.NewSet(), nil, nil
	}
}

// releaseJob implements Release-Job.
func releaseJob(d *Deps) dispatcher.Handler {
	return func(ctx *dispatcher.Context) (*ippattr.Set, []byte, error) {
		j, err := jobFromRequest(ctx.Message, d.Jobs)
		if err != nil {
			return nil, nil, err
		}
		if err := checkPolicy(d, "", goipp.OpReleaseJob, ctx, j.OriginatingUser); err != nil {
			return nil, nil, err
		}
		if j.State() != jobstore.StateHeld {
			return nil, nil, ipperr.NotPossible("job %d is not held", j.ID)
		}
		if err := d.Jobs.Release(j); err != nil {
			return nil, nil, ipperr.NotPossible("%s", err)
		}
		return ippattr.NewSet(), nil, nil
	}
}

// restartJob implements Restart-Job: the sole exception to the state
// machine's monotonic transitions, it moves a terminal job that still
// has its spooled files back to pending.
func restartJob(d *Deps) dispatcher.Handler {
	return func(ctx *dispatcher.Context) (*ippattr.Set, []byte, error) {
		j, err := jobFromRequest(ctx.Message, d.Jobs)
		if err != nil {
			return nil, nil, err
		}
		if err := checkPolicy(d, "", goipp.OpRestartJob, ctx, j.OriginatingUser); err != nil {
			return nil, nil, err
		}
		if err := d.Jobs.Restart(j); err != nil {
			return nil, nil, ipperr.NotPossible("%s", err)
		}
		refreshMetrics(d, j.Dest)
		return ippattr.NewSet(), nil, nil
	}
}

// getJobAttributes implements Get-Job-Attributes.
func getJobAttributes(d *Deps) dispatcher.Handler {
	return func(ctx *dispatcher.Context) (*ippattr.Set, []byte, error) {
		j, err := jobFromRequest(ctx.Message, d.Jobs)
		if err != nil {
			return nil, nil, err
		}
		if err := checkPolicy(d, "", goipp.OpGetJobAttributes, ctx, j.OriginatingUser); err != nil {
			return nil, nil, err
		}
		dest := d.Registry.Lookup(j.Dest)
		return jobAttrs(dest, j, redactedFor(d, goipp.OpGetJobAttributes, ctx, j.OriginatingUser)), nil, nil
	}
}

func redactedFor(d *Deps, op goipp.Op, ctx *dispatcher.Context, owner string) map[string]bool {
	id := policy.Identity{User: requestingUser(ctx), Authenticated: ctx.Authenticated}
	return d.Policy.PrivateAttributes(policy.DefaultPolicyName, op, id, owner)
}

func jobAttrs(dest *registry.Destination, j *jobstore.Job, redacted map[string]bool) *ippattr.Set {
	set := jobIdentityAttrs(dest, j)
	set.Append(goipp.TagJobGroup, "job-name", goipp.TagName, goipp.String(firstOrDefault(j.Attrs["job-name"], "untitled")))
	if !redacted["job-originating-user-name"] {
		set.Append(goipp.TagJobGroup, "job-originating-user-name", goipp.TagName, goipp.String(j.OriginatingUser))
	}
	set.Append(goipp.TagJobGroup, "job-k-octets", goipp.TagInteger, goipp.Integer(j.KOctets))
	set.Append(goipp.TagJobGroup, "job-impressions-completed", goipp.TagInteger, goipp.Integer(j.ImpressionsDone))
	return set
}

// getJobs implements Get-Jobs: my-jobs/which-jobs/limit filtering.
func getJobs(d *Deps) dispatcher.Handler {
	return func(ctx *dispatcher.Context) (*ippattr.Set, []byte, error) {
		dest, err := destinationFromURI(ctx.Message, d.Registry)
		if err != nil {
			// Get-Jobs may be server-scoped (no printer-uri); fall back
			// to every job in that case rather than failing.
			dest = nil
		}
		if err := checkPolicy(d, "", goipp.OpGetJobs, ctx, ""); err != nil {
			return nil, nil, err
		}

		myJobs := false
		if a, ok := findOperation(ctx.Message, "my-jobs"); ok {
			myJobs = a.Values[0].V.(goipp.Boolean) == goipp.Boolean(true)
		}
		which := "not-completed"
		if a, ok := findOperation(ctx.Message, "which-jobs"); ok {
			which = attrString(a)
		}
		limit := 0
		if a, ok := findOperation(ctx.Message, "limit"); ok {
			limit = int(mustInt(a))
		}

		user := requestingUser(ctx)
		set := ippattr.NewSet()
		count := 0
		for _, j := range d.Jobs.AllJobs() {
			if dest != nil && j.Dest != dest.Name {
				continue
			}
			if myJobs && j.OriginatingUser != user {
				continue
			}
			if which == "completed" && !j.State().Terminal() {
				continue
			}
			if which == "not-completed" && j.State().Terminal() {
				continue
			}
			if limit > 0 && count >= limit {
				break
			}
			jd := d.Registry.Lookup(j.Dest)
			for _, g := range jobAttrs(jd, j, redactedFor(d, goipp.OpGetJobs, ctx, j.OriginatingUser)).Groups {
				set.Groups = append(set.Groups, g)
			}
			count++
		}
		return set, nil, nil
	}
}

// getPrinterAttributes implements Get-Printer-Attributes (and, registered
// under both operations, Get-Printer-Supported-Values).
func getPrinterAttributes(d *Deps) dispatcher.Handler {
	return func(ctx *dispatcher.Context) (*ippattr.Set, []byte, error) {
		dest, err := destinationFromURI(ctx.Message, d.Registry)
		if err != nil {
			return nil, nil, err
		}
		if err := checkPolicy(d, dest.OpPolicy, goipp.OpGetPrinterAttributes, ctx, ""); err != nil {
			return nil, nil, err
		}
		set := destAttrs(dest)
		set.Append(goipp.TagPrinterGroup, "queued-job-count", goipp.TagInteger, goipp.Integer(d.Jobs.QueuedJobCount(dest.Name)))
		return set, nil, nil
	}
}

// getDefault implements CUPS-Get-Default.
func getDefault(d *Deps) dispatcher.Handler {
	return func(ctx *dispatcher.Context) (*ippattr.Set, []byte, error) {
		for _, dest := range d.Registry.All() {
			if dest.IsShared() {
				return destAttrs(dest), nil, nil
			}
		}
		return nil, nil, ipperr.NotFound("no default printer is configured")
	}
}

// getPrinters implements CUPS-Get-Printers.
func getPrinters(d *Deps) dispatcher.Handler {
	return func(ctx *dispatcher.Context) (*ippattr.Set, []byte, error) {
		set := ippattr.NewSet()
		for _, dest := range d.Registry.All() {
			for _, g := range destAttrs(dest).Groups {
				set.Groups = append(set.Groups, g)
			}
		}
		return set, nil, nil
	}
}

// setJobAttributes implements Set-Job-Attributes.
func setJobAttributes(d *Deps) dispatcher.Handler {
	return func(ctx *dispatcher.Context) (*ippattr.Set, []byte, error) {
		j, err := jobFromRequest(ctx.Message, d.Jobs)
		if err != nil {
			return nil, nil, err
		}
		if err := checkPolicy(d, "", goipp.OpSetJobAttributes, ctx, j.OriginatingUser); err != nil {
			return nil, nil, err
		}

		unsupported := ippattr.NewSet()
		for _, a := range ctx.Message.Job {
			switch a.Name {
			case "job-hold-until":
				until, perr := parseHoldUntil(ctx.Message.Job)
				if perr != nil || d.Jobs.Hold(j, until) != nil {
					unsupported.Append(goipp.TagUnsupportedGroup, a.Name, goipp.TagKeyword, goipp.String(attrString(a)))
				}
			case "job-priority":
				j.Priority = int(mustInt(a))
			case "job-state":
				unsupported.Append(goipp.TagUnsupportedGroup, a.Name, goipp.TagKeyword, goipp.String(attrString(a)))
			case "job-id", "job-uri", "job-printer-uri", "time-at-creation":
				unsupported.Append(goipp.TagUnsupportedGroup, a.Name, goipp.TagKeyword, goipp.String(attrString(a)))
			default:
				j.Attrs[a.Name] = attrStrings(a)
			}
		}
		return unsupported, nil, nil
	}
}

// setPrinterAttributes implements Set-Printer-Attributes.
func setPrinterAttributes(d *Deps) dispatcher.Handler {
	return func(ctx *dispatcher.Context) (*ippattr.Set, []byte, error) {
		dest, err := destinationFromURI(ctx.Message, d.Registry)
		if err != nil {
			return nil, nil, err
		}
		if err := checkPolicy(d, dest.OpPolicy, goipp.OpSetPrinterAttributes, ctx, ""); err != nil {
			return nil, nil, err
		}

		var update registry.AttrUpdate
		if a, ok := findPrinterAttr(ctx.Message, "printer-location"); ok {
			s := attrString(a)
			update.Location = &s
		}
		if a, ok := findPrinterAttr(ctx.Message, "printer-info"); ok {
			s := attrString(a)
			update.Info = &s
		}
		if a, ok := findPrinterAttr(ctx.Message, "printer-is-shared"); ok {
			b := a.Values[0].V.(goipp.Boolean) == goipp.Boolean(true)
			update.Shared = &b
		}
		if err := dest.SetAttrs(update, d.Config.AllowFileDevices, d.ResolvesBackend); err != nil {
			return nil, nil, ipperr.NotPossible("%s", err)
		}
		return ippattr.NewSet(), nil, nil
	}
}

// pausePrinter implements Pause-Printer.
func pausePrinter(d *Deps) dispatcher.Handler {
	return func(ctx *dispatcher.Context) (*ippattr.Set, []byte, error) {
		dest, err := destinationFromURI(ctx.Message, d.Registry)
		if err != nil {
			return nil, nil, err
		}
		if err := checkPolicy(d, dest.OpPolicy, goipp.OpPausePrinter, ctx, ""); err != nil {
			return nil, nil, err
		}
		dest.Stop("paused")
		return ippattr.NewSet(), nil, nil
	}
}

// resumePrinter implements Resume-Printer.
func resumePrinter(d *Deps) dispatcher.Handler {
	return func(ctx *dispatcher.Context) (*ippattr.Set, []byte, error) {
		dest, err := destinationFromURI(ctx.Message, d.Registry)
		if err != nil {
			return nil, nil, err
		}
		if err := checkPolicy(d, dest.OpPolicy, goipp.OpResumePrinter, ctx, ""); err != nil {
			return nil, nil, err
		}
		dest.Start()
		return ippattr.NewSet(), nil, nil
	}
}

type cancelMode int

const (
	cancelModeCancelJobs cancelMode = iota
	cancelModePurge
	cancelModeMine
)

// cancelJobsOp maps mode to the operation checked against the policy.
// cancelJobs implements Cancel-Jobs, Purge-Jobs and Cancel-My-Jobs;
// every mode cancels the matching active jobs and leaves them in the
// store as terminal records, so Purge-Jobs does not remove job records.
func cancelJobsOp(mode cancelMode) goipp.Op {
	switch mode {
	case cancelModePurge:
		return goipp.OpPurgeJobs
	case cancelModeMine:
		return goipp.OpCancelMyJobs
	default:
		return goipp.OpCancelJobs
	}
}

func cancelJobs(d *Deps, mode cancelMode) dispatcher.Handler {
	return func(ctx *dispatcher.Context) (*ippattr.Set, []byte, error) {
		dest, err := destinationFromURI(ctx.Message, d.Registry)
		if err != nil {
			return nil, nil, err
		}
		op := cancelJobsOp(mode)
		owner := ""
		if mode == cancelModeMine {
			owner = requestingUser(ctx)
		}
		if err := checkPolicy(d, dest.OpPolicy, op, ctx, owner); err != nil {
			return nil, nil, err
		}

		user := requestingUser(ctx)
		for _, j := range d.Jobs.ActiveJobs() {
			if j.Dest != dest.Name {
				continue
			}
			if mode == cancelModeMine && j.OriginatingUser != user {
				continue
			}
			if err := d.Jobs.Cancel(j); err == nil {
				d.Subscriptions.ExpireJobScoped(j.ID)
			}
		}
		refreshMetrics(d, dest.Name)
		return ippattr.NewSet(), nil, nil
	}
}

// acceptJobs implements Accept-Jobs: idempotent, no state-change event
// when already accepting.
func acceptJobs(d *Deps) dispatcher.Handler {
	return func(ctx *dispatcher.Context) (*ippattr.Set, []byte, error) {
		dest, err := destinationFromURI(ctx.Message, d.Registry)
		if err != nil {
			return nil, nil, err
		}
		if err := checkPolicy(d, dest.OpPolicy, goipp.OpCupsAcceptJobs, ctx, ""); err != nil {
			return nil, nil, err
		}
		if dest.Accepting {
			return ippattr.NewSet(), nil, nil
		}
		dest.Accept()
		return ippattr.NewSet(), nil, nil
	}
}

// rejectJobs implements Reject-Jobs.
func rejectJobs(d *Deps) dispatcher.Handler {
	return func(ctx *dispatcher.Context) (*ippattr.Set, []byte, error) {
		dest, err := destinationFromURI(ctx.Message, d.Registry)
		if err != nil {
			return nil, nil, err
		}
		if err := checkPolicy(d, dest.OpPolicy, goipp.OpCupsRejectJobs, ctx, ""); err != nil {
			return nil, nil, err
		}
		dest.Reject()
		return ippattr.NewSet(), nil, nil
	}
}

// holdNewJobs implements Hold-New-Jobs.
func holdNewJobs(d *Deps) dispatcher.Handler {
	return func(ctx *dispatcher.Context) (*ippattr.Set, []byte, error) {
		dest, err := destinationFromURI(ctx.Message, d.Registry)
		if err != nil {
			return nil, nil, err
		}
		if err := checkPolicy(d, dest.OpPolicy, goipp.OpHoldNewJobs, ctx, ""); err != nil {
			return nil, nil, err
		}
		dest.HoldNewJobs()
		return ippattr.NewSet(), nil, nil
	}
}

// releaseHeldNewJobs implements Release-Held-New-Jobs: clears the flag
// and asks the Job Store for the next runnable job. The daemon has no
// scheduler loop, so that job is not moved to processing.
func releaseHeldNewJobs(d *Deps) dispatcher.Handler {
	return func(ctx *dispatcher.Context) (*ippattr.Set, []byte, error) {
		dest, err := destinationFromURI(ctx.Message, d.Registry)
		if err != nil {
			return nil, nil, err
		}
		if err := checkPolicy(d, dest.OpPolicy, goipp.OpReleaseHeldNewJobs, ctx, ""); err != nil {
			return nil, nil, err
		}
		dest.ReleaseHeldNewJobs()
		_ = d.Jobs.NextRunnable() // result discarded; nothing starts the job
		return ippattr.NewSet(), nil, nil
	}
}

// createPrinterSubscriptions implements Create-Printer-Subscriptions.
func createPrinterSubscriptions(d *Deps) dispatcher.Handler {
	return createSubscriptions(d, subscription.ScopeDestination)
}

// createJobSubscriptions implements Create-Job-Subscriptions.
func createJobSubscriptions(d *Deps) dispatcher.Handler {
	return createSubscriptions(d, subscription.ScopeJob)
}

func createSubscriptions(d *Deps, scope subscription.Scope) dispatcher.Handler {
	return func(ctx *dispatcher.Context) (*ippattr.Set, []byte, error) {
		var dest *registry.Destination
		var jobID int

		switch scope {
		case subscription.ScopeDestination:
			var err error
			dest, err = destinationFromURI(ctx.Message, d.Registry)
			if err != nil {
				return nil, nil, err
			}
			if err := checkPolicy(d, dest.OpPolicy, goipp.OpCreatePrinterSubscriptions, ctx, ""); err != nil {
				return nil, nil, err
			}
		case subscription.ScopeJob:
			j, err := jobFromRequest(ctx.Message, d.Jobs)
			if err != nil {
				return nil, nil, err
			}
			if err := checkPolicy(d, "", goipp.OpCreateJobSubscriptions, ctx, j.OriginatingUser); err != nil {
				return nil, nil, err
			}
			jobID = j.ID
		}

		mask := subscription.KindAll
		if a, ok := findOperation(ctx.Message, "notify-events"); ok {
			mask = subscription.ParseEventNames(attrStrings(a))
		}
		delivery := subscription.DeliveryPull
		var recipient, method string
		if a, ok := findOperation(ctx.Message, "notify-recipient-uri"); ok {
			delivery = subscription.DeliveryPush
			recipient = attrString(a)
		} else if a, ok := findOperation(ctx.Message, "notify-pull-method"); ok {
			method = attrString(a)
		}
		var lease time.Duration
		if a, ok := findOperation(ctx.Message, "notify-lease-duration"); ok {
			lease = time.Duration(mustInt(a)) * time.Second
		}
		var userData string
		if a, ok := findOperation(ctx.Message, "notify-user-data"); ok {
			userData = attrString(a)
		}

		req := subscription.CreateRequest{
			Scope:     scope,
			Dest:      destName(dest),
			JobID:     jobID,
			Mask:      mask,
			Delivery:  delivery,
			Recipient: recipient,
			Method:    method,
			UserData:  userData,
			Lease:     lease,
			Owner:     requestingUser(ctx),
		}
		sub, err := d.Subscriptions.Create(req, d.SchemeValidator)
		if err != nil {
			return nil, nil, ipperr.AttributesNotSupported("%s", err)
		}

		set := ippattr.NewSet()
		set.Append(goipp.TagSubscriptionGroup, "notify-subscription-id", goipp.TagInteger, goipp.Integer(sub.ID))
		return set, nil, nil
	}
}

func destName(dest *registry.Destination) string {
	if dest == nil {
		return ""
	}
	return dest.Name
}

func subscriptionIDFromRequest(m *goipp.Message) (int, error) {
	if a, ok := findOperation(m, "notify-subscription-id"); ok {
		return int(mustInt(a)), nil
	}
	return 0, ipperr.BadRequest("missing notify-subscription-id")
}

// getSubscriptionAttributes implements Get-Subscription-Attributes.
func getSubscriptionAttributes(d *Deps) dispatcher.Handler {
	return func(ctx *dispatcher.Context) (*ippattr.Set, []byte, error) {
		id, err := subscriptionIDFromRequest(ctx.Message)
		if err != nil {
			return nil, nil, err
		}
		sub := d.Subscriptions.Lookup(id)
		if sub == nil {
			return nil, nil, ipperr.NotFound("no such subscription %d", id)
		}
		if err := checkPolicy(d, "", goipp.OpGetSubscriptionAttributes, ctx, sub.Owner); err != nil {
			return nil, nil, err
		}
		return subscriptionAttrs(sub), nil, nil
	}
}

func subscriptionAttrs(sub *subscription.Subscription) *ippattr.Set {
	set := ippattr.NewSet()
	set.Append(goipp.TagSubscriptionGroup, "notify-subscription-id", goipp.TagInteger, goipp.Integer(sub.ID))
	set.Append(goipp.TagSubscriptionGroup, "notify-lease-duration", goipp.TagInteger, goipp.Integer(int32(sub.Lease/time.Second)))
	return set
}

// getSubscriptions implements Get-Subscriptions.
func getSubscriptions(d *Deps) dispatcher.Handler {
	return func(ctx *dispatcher.Context) (*ippattr.Set, []byte, error) {
		if err := checkPolicy(d, "", goipp.OpGetSubscriptions, ctx, ""); err != nil {
			return nil, nil, err
		}
		set := ippattr.NewSet()
		for _, sub := range d.Subscriptions.All() {
			for _, g := range subscriptionAttrs(sub).Groups {
				set.Groups = append(set.Groups, g)
			}
		}
		return set, nil, nil
	}
}

// renewSubscription implements Renew-Subscription.
func renewSubscription(d *Deps) dispatcher.Handler {
	return func(ctx *dispatcher.Context) (*ippattr.Set, []byte, error) {
		id, err := subscriptionIDFromRequest(ctx.Message)
		if err != nil {
			return nil, nil, err
		}
		sub := d.Subscriptions.Lookup(id)
		if sub == nil {
			return nil, nil, ipperr.NotFound("no such subscription %d", id)
		}
		if err := checkPolicy(d, "", goipp.OpRenewSubscription, ctx, sub.Owner); err != nil {
			return nil, nil, err
		}
		var lease time.Duration
		if a, ok := findOperation(ctx.Message, "notify-lease-duration"); ok {
			lease = time.Duration(mustInt(a)) * time.Second
		}
		if err := d.Subscriptions.Renew(id, lease); err != nil {
			return nil, nil, ipperr.NotPossible("%s", err)
		}
		return ippattr.NewSet(), nil, nil
	}
}

// cancelSubscription implements Cancel-Subscription.
func cancelSubscription(d *Deps) dispatcher.Handler {
	return func(ctx *dispatcher.Context) (*ippattr.Set, []byte, error) {
		id, err := subscriptionIDFromRequest(ctx.Message)
		if err != nil {
			return nil, nil, err
		}
		sub := d.Subscriptions.Lookup(id)
		if sub == nil {
			return nil, nil, ipperr.NotFound("no such subscription %d", id)
		}
		if err := checkPolicy(d, "", goipp.OpCancelSubscription, ctx, sub.Owner); err != nil {
			return nil, nil, err
		}
		if err := d.Subscriptions.Cancel(id); err != nil {
			return nil, nil, ipperr.NotPossible("%s", err)
		}
		return ippattr.NewSet(), nil, nil
	}
}

// getNotifications implements Get-Notifications.
func getNotifications(d *Deps) dispatcher.Handler {
	return func(ctx *dispatcher.Context) (*ippattr.Set, []byte, error) {
		a, ok := findOperation(ctx.Message, "notify-subscription-ids")
		if !ok {
			return nil, nil, ipperr.BadRequest("missing notify-subscription-ids")
		}
		var ids []int
		minSeq := map[int]int{}
		for _, v := range a.Values {
			id := 0
			if i, ok := v.V.(goipp.Integer); ok {
				id = int(i)
			}
			ids = append(ids, id)
		}
		if a, ok := findOperation(ctx.Message, "notify-sequence-numbers"); ok {
			for i, v := range a.Values {
				if i >= len(ids) {
					break
				}
				if n, ok := v.V.(goipp.Integer); ok {
					minSeq[ids[i]] = int(n)
				}
			}
		}

		for _, id := range ids {
			sub := d.Subscriptions.Lookup(id)
			if sub == nil {
				continue
			}
			if err := checkPolicy(d, "", goipp.OpGetNotifications, ctx, sub.Owner); err != nil {
				return nil, nil, err
			}
		}

		state := subscription.TargetState{}
		for _, j := range d.Jobs.PrintingJobs() {
			_ = j
			state.AnyJobProcessing = true
		}

		results, interval := d.Subscriptions.Poll(ids, minSeq, state)

		set := ippattr.NewSet()
		set.Append(goipp.TagOperationGroup, "notify-get-interval", goipp.TagInteger, goipp.Integer(interval))
		for _, r := range results {
			for _, ev := range r.Events {
				set.Append(goipp.TagEventNotificationGroup, "notify-subscription-id", goipp.TagInteger, goipp.Integer(r.SubscriptionID))
				set.Append(goipp.TagEventNotificationGroup, "notify-sequence-number", goipp.TagInteger, goipp.Integer(ev.Sequence))
			}
		}
		return set, nil, nil
	}
}

// addModifyDest implements CUPS-Add-Modify-Printer and
// CUPS-Add-Modify-Class: creates the destination of the given kind if
// printer-uri names one that doesn't yet exist, then applies the same
// vetted attribute subset Set-Printer-Attributes uses, plus member-names
// for a class.
func addModifyDest(d *Deps, typ registry.Type, op goipp.Op) dispatcher.Handler {
	return func(ctx *dispatcher.Context) (*ippattr.Set, []byte, error) {
		a, ok := findOperation(ctx.Message, "printer-uri")
		if !ok {
			return nil, nil, ipperr.BadRequest("missing printer-uri")
		}
		name, _, err := registry.ValidateDest(attrString(a))
		if err != nil {
			return nil, nil, ipperr.BadRequest("printer-uri: %s", err)
		}

		dest := d.Registry.Lookup(name)
		if dest == nil {
			if err := checkPolicy(d, d.Config.DefaultPolicy, op, ctx, ""); err != nil {
				return nil, nil, err
			}
			if typ == registry.TypeClass {
				dest, err = d.Registry.AddClass(name)
			} else {
				dest, err = d.Registry.AddPrinter(name)
			}
			if err != nil {
				return nil, nil, ipperr.NotPossible("%s", err)
			}
		} else {
			if dest.Type != typ {
				return nil, nil, ipperr.NotPossible("destination %q already exists as a %s", name, kindName(dest.Type))
			}
			if err := checkPolicy(d, dest.OpPolicy, op, ctx, ""); err != nil {
				return nil, nil, err
			}
		}

		var update registry.AttrUpdate
		if a, ok := findPrinterAttr(ctx.Message, "printer-location"); ok {
			s := attrString(a)
			update.Location = &s
		}
		if a, ok := findPrinterAttr(ctx.Message, "printer-info"); ok {
			s := attrString(a)
			update.Info = &s
		}
		if a, ok := findPrinterAttr(ctx.Message, "printer-is-shared"); ok {
			b := a.Values[0].V.(goipp.Boolean) == goipp.Boolean(true)
			update.Shared = &b
		}
		if a, ok := findPrinterAttr(ctx.Message, "printer-is-accepting-jobs"); ok {
			b := a.Values[0].V.(goipp.Boolean) == goipp.Boolean(true)
			update.Accepting = &b
		}
		if a, ok := findPrinterAttr(ctx.Message, "device-uri"); ok {
			s := attrString(a)
			update.DeviceURI = &s
		}
		if err := dest.SetAttrs(update, d.Config.AllowFileDevices, d.ResolvesBackend); err != nil {
			return nil, nil, ipperr.NotPossible("%s", err)
		}

		if typ == registry.TypeClass {
			if a, ok := findPrinterAttr(ctx.Message, "member-names"); ok {
				if err := d.Registry.SetMembers(dest, attrStrings(a)); err != nil {
					return nil, nil, ipperr.NotPossible("%s", err)
				}
			}
		}

		return destAttrs(dest), nil, nil
	}
}

// deleteDest implements CUPS-Delete-Printer and CUPS-Delete-Class:
// removes the destination and, through Registry.Delete's hook, aborts
// its active jobs with reason "printer-deleted" and expires their
// job-scoped subscriptions and the destination's own subscriptions. The
// aborted jobs stay in the store as terminal records.
func deleteDest(d *Deps, typ registry.Type, op goipp.Op) dispatcher.Handler {
	return func(ctx *dispatcher.Context) (*ippattr.Set, []byte, error) {
		dest, err := destinationFromURI(ctx.Message, d.Registry)
		if err != nil {
			return nil, nil, err
		}
		if dest.Type != typ {
			return nil, nil, ipperr.NotFound("destination %q is not a %s", dest.Name, kindName(typ))
		}
		if err := checkPolicy(d, dest.OpPolicy, op, ctx, ""); err != nil {
			return nil, nil, err
		}

		err = d.Registry.Delete(dest.Name, func(dest *registry.Destination) {
			for _, j := range d.Jobs.ActiveJobs() {
				if j.Dest == dest.Name {
					_ = d.Jobs.Abort(j, "printer-deleted")
					d.Subscriptions.ExpireJobScoped(j.ID)
				}
			}
			d.Subscriptions.ExpireDestination(dest.Name)
		})
		if err != nil {
			return nil, nil, ipperr.NotPossible("%s", err)
		}
		return ippattr.NewSet(), nil, nil
	}
}

// moveJob implements Move-Job: reassigns a job to the destination named
// by job-printer-uri, in the job attribute group.
func moveJob(d *Deps) dispatcher.Handler {
	return func(ctx *dispatcher.Context) (*ippattr.Set, []byte, error) {
		j, err := jobFromRequest(ctx.Message, d.Jobs)
		if err != nil {
			return nil, nil, err
		}
		if err := checkPolicy(d, "", goipp.OpCupsMoveJob, ctx, j.OriginatingUser); err != nil {
			return nil, nil, err
		}

		a, ok := findJobAttr(ctx.Message, "job-printer-uri")
		if !ok {
			return nil, nil, ipperr.BadRequest("missing job-printer-uri")
		}
		name, _, err := registry.ValidateDest(attrString(a))
		if err != nil {
			return nil, nil, ipperr.BadRequest("job-printer-uri: %s", err)
		}
		dest := d.Registry.Lookup(name)
		if dest == nil {
			return nil, nil, ipperr.NotFound("no such printer or class %q", name)
		}

		if err := d.Jobs.Move(j, dest.Name, kindName(dest.Type)); err != nil {
			return nil, nil, ipperr.NotPossible("%s", err)
		}
		refreshMetrics(d, dest.Name)
		return jobIdentityAttrs(dest, j), nil, nil
	}
}

func findJobAttr(m *goipp.Message, name string) (goipp.Attribute, bool) {
	for _, a := range m.Job {
		if a.Name == name {
			return a, true
		}
	}
	return goipp.Attribute{}, false
}

// authenticateJob implements CUPS-Authenticate-Job: stores the supplied
// auth-info in the job's credential cache and releases it if it was held
// pending authentication.
func authenticateJob(d *Deps) dispatcher.Handler {
	return func(ctx *dispatcher.Context) (*ippattr.Set, []byte, error) {
		j, err := jobFromRequest(ctx.Message, d.Jobs)
		if err != nil {
			return nil, nil, err
		}
		if err := checkPolicy(d, "", goipp.OpCupsAuthenticateJob, ctx, j.OriginatingUser); err != nil {
			return nil, nil, err
		}

		var authInfo []string
		if a, ok := findJobAttr(ctx.Message, "auth-info"); ok {
			authInfo = attrStrings(a)
		}
		if err := d.Jobs.Authenticate(j, authInfo); err != nil {
			return nil, nil, ipperr.NotPossible("%s", err)
		}
		return ippattr.NewSet(), nil, nil
	}
}

// localPrinterLifetime bounds how long a CUPS-Create-Local-Printer
// destination survives before the janitor's ExpireTemporary sweep
// removes it, the way a USB-discovered device expires once unplugged.
const localPrinterLifetime = 24 * time.Hour

// createLocalPrinter implements CUPS-Create-Local-Printer: registers a
// temporary, non-shared printer from a client-supplied name and
// device-uri, relying on the composition root's periodic
// Registry.ExpireTemporary sweep as the background task that reclaims it.
func createLocalPrinter(d *Deps) dispatcher.Handler {
	return func(ctx *dispatcher.Context) (*ippattr.Set, []byte, error) {
		if err := checkPolicy(d, d.Config.DefaultPolicy, goipp.OpCupsCreateLocalPrinter, ctx, ""); err != nil {
			return nil, nil, err
		}

		a, ok := findOperation(ctx.Message, "printer-name")
		if !ok {
			return nil, nil, ipperr.BadRequest("missing printer-name")
		}
		name := attrString(a)

		dest, err := d.Registry.AddPrinter(name)
		if err != nil {
			return nil, nil, ipperr.NotPossible("%s", err)
		}

		var update registry.AttrUpdate
		shared := false
		update.Shared = &shared
		if a, ok := findOperation(ctx.Message, "device-uri"); ok {
			s := attrString(a)
			update.DeviceURI = &s
		} else if a, ok := findPrinterAttr(ctx.Message, "device-uri"); ok {
			s := attrString(a)
			update.DeviceURI = &s
		}
		if err := dest.SetAttrs(update, d.Config.AllowFileDevices, d.ResolvesBackend); err != nil {
			return nil, nil, ipperr.NotPossible("%s", err)
		}

		dest.MarkTemporary(time.Now().Add(localPrinterLifetime))

		return destAttrs(dest), nil, nil
	}
}

// getDocument implements CUPS-Get-Document: returns one spooled file's
// bytes and format, identified by document-number (1-based index into
// Job.Files, defaulting to 1).
func getDocument(d *Deps) dispatcher.Handler {
	return func(ctx *dispatcher.Context) (*ippattr.Set, []byte, error) {
		j, err := jobFromRequest(ctx.Message, d.Jobs)
		if err != nil {
			return nil, nil, err
		}
		if err := checkPolicy(d, "", goipp.OpCupsGetDocument, ctx, j.OriginatingUser); err != nil {
			return nil, nil, err
		}

		num := 1
		if a, ok := findOperation(ctx.Message, "document-number"); ok {
			num = int(mustInt(a))
		}
		if num < 1 || num > len(j.Files) {
			return nil, nil, ipperr.NotFound("job %d has no document %d", j.ID, num)
		}
		file := j.Files[num-1]

		var body []byte
		if file.Path != "" {
			body, err = os.ReadFile(file.Path)
			if err != nil {
				return nil, nil, ipperr.InternalError(err)
			}
		}

		set := ippattr.NewSet()
		set.Append(goipp.TagOperationGroup, "document-format", goipp.TagMimeType, goipp.String(file.FileType))
		set.Append(goipp.TagOperationGroup, "document-number", goipp.TagInteger, goipp.Integer(num))
		return set, body, nil
	}
}
