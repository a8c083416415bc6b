// Package handlers implements the operation handlers: one function per
// IPP operation, wired to the Destination Registry, Job Store, Quota
// Tracker, Subscription Engine and Policy Engine through a single Deps
// bundle, and registered onto a dispatcher.Dispatcher the way
// rusq-thermoprint registers its handlers map.
package handlers

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/OpenPrinting/goipp"

	"github.com/OpenPrinting/ipp-scheduler/internal/config"
	"github.com/OpenPrinting/ipp-scheduler/internal/dispatcher"
	"github.com/OpenPrinting/ipp-scheduler/internal/ippattr"
	"github.com/OpenPrinting/ipp-scheduler/internal/ipperr"
	"github.com/OpenPrinting/ipp-scheduler/internal/jobstore"
	"github.com/OpenPrinting/ipp-scheduler/internal/metrics"
	"github.com/OpenPrinting/ipp-scheduler/internal/policy"
	"github.com/OpenPrinting/ipp-scheduler/internal/quota"
	"github.com/OpenPrinting/ipp-scheduler/internal/registry"
	"github.com/OpenPrinting/ipp-scheduler/internal/subscription"
)

// Deps bundles the collaborators every handler needs. The composition
// root builds one Deps and passes it to RegisterAll.
type Deps struct {
	Registry      *registry.Registry
	Jobs          *jobstore.Store
	Quota         *quota.Tracker
	Subscriptions *subscription.Engine
	Policy        *policy.Engine
	Metrics       *metrics.Metrics
	Config        *config.Config

	// SchemeValidator reports whether a notify-recipient-uri scheme has
	// an installed notifier; ResolvesBackend reports the same for a
	// device-uri scheme. Both are supplied by the composition root so
	// this package never hardcodes a transport list.
	SchemeValidator subscription.SchemeValidator
	ResolvesBackend func(scheme string) bool
}

func attrString(a goipp.Attribute) string {
	if len(a.Values) == 0 {
		return ""
	}
	return a.Values[0].V.String()
}

func attrStrings(a goipp.Attribute) []string {
	out := make([]string, len(a.Values))
	for i, v := range a.Values {
		out[i] = v.V.String()
	}
	return out
}

func findOperation(m *goipp.Message, name string) (goipp.Attribute, bool) {
	for _, a := range m.Operation {
		if a.Name == name {
			return a, true
		}
	}
	return goipp.Attribute{}, false
}

func findPrinterAttr(m *goipp.Message, name string) (goipp.Attribute, bool) {
	for _, a := range m.Printer {
		if a.Name == name {
			return a, true
		}
	}
	return goipp.Attribute{}, false
}

// requestingUser returns ctx.User, the name the Dispatcher already
// resolved from requesting-user-name (with Strict/RemoteRootRewrite
// applied).
func requestingUser(ctx *dispatcher.Context) string {
	if ctx.User == "" {
		return "anonymous"
	}
	return ctx.User
}

// destinationFromURI extracts the destination name from printer-uri,
// looking it up in the registry; returns an ipperr if missing or unknown.
func destinationFromURI(m *goipp.Message, reg *registry.Registry) (*registry.Destination, error) {
	a, ok := findOperation(m, "printer-uri")
	if !ok {
		return nil, ipperr.BadRequest("missing printer-uri")
	}
	name, _, err := registry.ValidateDest(attrString(a))
	if err != nil {
		return nil, ipperr.BadRequest("printer-uri: %s", err)
	}
	dest := reg.Lookup(name)
	if dest == nil {
		return nil, ipperr.NotFound("no such printer or class %q", name)
	}
	return dest, nil
}

// jobFromRequest resolves a job from job-uri (operation group) or, when
// that is absent, from job-id alone; printer-uri is not consulted.
func jobFromRequest(m *goipp.Message, jobs *jobstore.Store) (*jobstore.Job, error) {
	if a, ok := findOperation(m, "job-uri"); ok {
		id, err := jobIDFromURI(attrString(a))
		if err != nil {
			return nil, ipperr.BadRequest("job-uri: %s", err)
		}
		j := jobs.Lookup(id)
		if j == nil {
			return nil, ipperr.NotFound("no such job %d", id)
		}
		return j, nil
	}
	if a, ok := findOperation(m, "job-id"); ok {
		id := int(mustInt(a))
		j := jobs.Lookup(id)
		if j == nil {
			return nil, ipperr.NotFound("no such job %d", id)
		}
		return j, nil
	}
	return nil, ipperr.BadRequest("request names neither job-uri nor job-id")
}

func jobIDFromURI(uri string) (int, error) {
	idx := strings.LastIndexByte(uri, '/')
	if idx < 0 || idx == len(uri)-1 {
		return 0, fmt.Errorf("malformed job-uri %q", uri)
	}
	id, err := strconv.Atoi(uri[idx+1:])
	if err != nil {
		return 0, fmt.Errorf("malformed job-uri %q", uri)
	}
	return id, nil
}

func mustInt(a goipp.Attribute) int32 {
	if len(a.Values) == 0 {
		return 0
	}
	if i, ok := a.Values[0].V.(goipp.Integer); ok {
		return int32(i)
	}
	n, _ := strconv.Atoi(a.Values[0].V.String())
	return int32(n)
}

// flattenAttrs collects every job-group attribute into the flat
// name->values map jobstore.AddJobRequest expects.
func flattenAttrs(attrs goipp.Attributes) map[string][]string {
	out := map[string][]string{}
	for _, a := range attrs {
		out[a.Name] = attrStrings(a)
	}
	return out
}

// checkPolicy enforces the policy check common to every operation
// handler, translating a policy.Verdict into an *ipperr.Error.
func checkPolicy(d *Deps, policyName string, op goipp.Op, ctx *dispatcher.Context, owner string) error {
	id := policy.Identity{User: requestingUser(ctx), Authenticated: ctx.Authenticated}
	switch d.Policy.Check(policyName, op, id, owner) {
	case policy.Ok:
		return nil
	case policy.Unauthorized:
		return ipperr.NotAuthenticated("operation requires an authenticated identity")
	case policy.UpgradeRequired:
		return ipperr.New(goipp.StatusErrorServiceUnavailable, "connection must be upgraded before this operation")
	default:
		return ipperr.Forbidden("operation not permitted for %q", id.User)
	}
}

func jobIdentityAttrs(dest *registry.Destination, j *jobstore.Job) *ippattr.Set {
	set := ippattr.NewSet()
	set.Append(goipp.TagOperationGroup, "job-uri", goipp.TagURI,
		goipp.String(fmt.Sprintf("ipp://localhost/jobs/%d", j.ID)))
	set.Append(goipp.TagOperationGroup, "job-id", goipp.TagInteger, goipp.Integer(j.ID))
	set.Append(goipp.TagOperationGroup, "job-state", goipp.TagEnum, goipp.Integer(jobStateCode(j.State())))
	for reason := range j.Reasons {
		set.Append(goipp.TagOperationGroup, "job-state-reasons", goipp.TagKeyword, goipp.String(reason))
	}
	return set
}

// jobStateCode maps jobstore.State onto RFC 8011's job-state enum values.
func jobStateCode(s jobstore.State) int32 {
	switch s {
	case jobstore.StatePending:
		return 3
	case jobstore.StateHeld:
		return 4
	case jobstore.StateProcessing:
		return 5
	case jobstore.StateStopped:
		return 6
	case jobstore.StateCanceled:
		return 7
	case jobstore.StateAborted:
		return 8
	case jobstore.StateCompleted:
		return 9
	default:
		return 3
	}
}

func destStateCode(s registry.State) int32 {
	switch s {
	case registry.StateIdle:
		return 3
	case registry.StateProcessing:
		return 4
	case registry.StateStopped:
		return 5
	default:
		return 3
	}
}

func destAttrs(dest *registry.Destination) *ippattr.Set {
	set := ippattr.NewSet()
	set.Append(goipp.TagPrinterGroup, "printer-name", goipp.TagName, goipp.String(dest.Name))
	set.Append(goipp.TagPrinterGroup, "printer-uuid", goipp.TagURI, goipp.String("urn:uuid:"+dest.UUID))
	set.Append(goipp.TagPrinterGroup, "printer-state", goipp.TagEnum, goipp.Integer(destStateCode(dest.State)))
	set.Append(goipp.TagPrinterGroup, "printer-is-accepting-jobs", goipp.TagBoolean, goipp.Boolean(dest.Accepting))
	for _, r := range dest.StateReasonList() {
		set.Append(goipp.TagPrinterGroup, "printer-state-reasons", goipp.TagKeyword, goipp.String(r))
	}
	if dest.Type == registry.TypeClass {
		for _, m := range dest.Members {
			set.Append(goipp.TagPrinterGroup, "member-names", goipp.TagName, goipp.String(m))
		}
	}
	return set
}

func parseHoldUntil(attrs goipp.Attributes) (jobstore.HoldUntil, error) {
	a, ok := findJobHoldUntil(attrs)
	if !ok {
		return jobstore.NoHold, nil
	}
	switch attrString(a) {
	case "no-hold":
		return jobstore.NoHold, nil
	case "indefinite":
		return jobstore.HoldUntil{Indefinite: true}, nil
	default:
		return jobstore.NoHold, fmt.Errorf("unsupported job-hold-until value %q", attrString(a))
	}
}

func findJobHoldUntil(attrs goipp.Attributes) (goipp.Attribute, bool) {
	for _, a := range attrs {
		if a.Name == "job-hold-until" {
			return a, true
		}
	}
	return goipp.Attribute{}, false
}
