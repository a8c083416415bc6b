// Package dispatcher implements the request dispatcher: header and
// group-order validation, charset and requesting-user-name handling,
// operation routing, and response construction.
//
// The dispatch-table-keyed-by-operation-code shape (map[goipp.Op]Handler)
// is grounded on the other_examples IPPHandlerFunc/ServeIPP pattern
// (rusq-thermoprint's ippsrv), generalized from that project's
// thermal-receipt-printer operation set to the scheduler's full set of
// operation handlers.
package dispatcher

import (
	"time"

	"github.com/OpenPrinting/goipp"
	"golang.org/x/text/language"

	"github.com/OpenPrinting/ipp-scheduler/internal/ippattr"
	"github.com/OpenPrinting/ipp-scheduler/internal/ipperr"
	"github.com/OpenPrinting/ipp-scheduler/internal/logging"
)

// Handler processes one operation. ctx carries the parsed Message and
// the raw document bytes following it (if any); the handler returns the
// attribute groups to place in the response plus an optional document
// body (e.g. Get-Document).
type Handler func(ctx *Context) (*ippattr.Set, []byte, error)

// Context is everything a Handler needs: the inbound message, the
// resolved requesting identity, and the connection metadata the
// Dispatcher already validated.
type Context struct {
	Message       *goipp.Message
	Body          []byte
	User          string
	Host          string
	Remote        bool
	Authenticated bool
}

// operationsWithoutTargetURI lists the operations exempted from the
// "first three attributes" rule, since they have no existing target
// object to name a printer-uri/job-uri for: the enumerate operations and
// CUPS-Create-Local-Printer.
var operationsWithoutTargetURI = map[goipp.Op]bool{
	goipp.OpCupsGetDefault:         true,
	goipp.OpCupsGetPrinters:        true,
	goipp.OpCupsGetClasses:         true,
	goipp.OpCupsGetDevices:         true,
	goipp.OpCupsGetPpds:            true,
	goipp.OpCupsCreateLocalPrinter: true,
}

// Dispatcher routes validated requests to registered handlers.
type Dispatcher struct {
	handlers map[goipp.Op]Handler
	log      *logging.Logger

	strict            bool
	remoteRootRewrite bool
	remoteRootName    string
}

// New returns an empty Dispatcher. strict controls whether conformance
// violations are rejected instead of tolerated, and the RemoteRoot
// settings control whether a remote client's "root" requesting-user-name
// is masqueraded to remoteRootName.
func New(strict, remoteRootRewrite bool, remoteRootName string) *Dispatcher {
	return &Dispatcher{
		handlers:          map[goipp.Op]Handler{},
		log:               logging.New("dispatcher"),
		strict:            strict,
		remoteRootRewrite: remoteRootRewrite,
		remoteRootName:    remoteRootName,
	}
}

// Register installs the handler for op, overwriting any previous one.
func (d *Dispatcher) Register(op goipp.Op, h Handler) {
	d.handlers[op] = h
}

var supportedVersions = map[uint8]bool{1: true, 2: true}

// checkVersion implements step 1: reject versions outside {1.x, 2.x}.
func checkVersion(v goipp.Version) error {
	if !supportedVersions[v.Major()] {
		return ipperr.VersionNotSupported(v)
	}
	return nil
}

// checkGroupOrder implements step 2.
func checkGroupOrder(m *goipp.Message) error {
	tags := groupTagsOf(m)
	if err := ippattr.CheckGroupOrder(tags); err != nil {
		return ipperr.BadRequest("%s", err)
	}
	return nil
}

func groupTagsOf(m *goipp.Message) []goipp.Tag {
	if m.Groups != nil {
		tags := make([]goipp.Tag, len(m.Groups))
		for i, g := range m.Groups {
			tags[i] = g.Tag
		}
		return tags
	}
	var tags []goipp.Tag
	for _, grp := range []struct {
		tag   goipp.Tag
		attrs goipp.Attributes
	}{
		{goipp.TagOperationGroup, m.Operation},
		{goipp.TagJobGroup, m.Job},
		{goipp.TagPrinterGroup, m.Printer},
		{goipp.TagSubscriptionGroup, m.Subscription},
	} {
		if grp.attrs != nil {
			tags = append(tags, grp.tag)
		}
	}
	return tags
}

// checkFirstThreeAttributes implements step 3 and 4: attributes-charset,
// attributes-natural-language, and the target URI (unless op is an
// enumerate operation), with charset restricted to us-ascii/utf-8.
func checkFirstThreeAttributes(op goipp.Op, operation goipp.Attributes) error {
	if len(operation) < 2 {
		return ipperr.BadRequest("operation group must start with attributes-charset and attributes-natural-language")
	}
	if operation[0].Name != "attributes-charset" {
		return ipperr.BadRequest("first operation attribute must be attributes-charset")
	}
	if operation[1].Name != "attributes-natural-language" {
		return ipperr.BadRequest("second operation attribute must be attributes-natural-language")
	}

	charset := attrString(operation[0])
	if charset != "us-ascii" && charset != "utf-8" {
		return ipperr.CharsetNotSupported("unsupported attributes-charset %q", charset)
	}

	naturalLanguage := attrString(operation[1])
	if _, err := language.Parse(naturalLanguage); err != nil {
		return ipperr.AttributesNotSupported("unsupported attributes-natural-language %q", naturalLanguage)
	}

	if operationsWithoutTargetURI[op] {
		return nil
	}

	if len(operation) < 3 {
		return ipperr.BadRequest("operation group must carry a target uri as its third attribute")
	}
	name := operation[2].Name
	if name != "printer-uri" && name != "job-uri" && name != "ppd-name" {
		return ipperr.BadRequest("third operation attribute must be printer-uri, job-uri, or ppd-name, got %q", name)
	}
	return nil
}

func attrString(a goipp.Attribute) string {
	if len(a.Values) == 0 {
		return ""
	}
	return a.Values[0].V.String()
}

// resolveRequestingUserName implements step 5.
func (d *Dispatcher) resolveRequestingUserName(operation goipp.Attributes, remote bool) (string, error) {
	for _, a := range operation {
		if a.Name != "requesting-user-name" {
			continue
		}
		if err := ippattr.Validate(a); err != nil {
			if d.strict {
				return "", ipperr.BadRequest("requesting-user-name: %s", err)
			}
			return "anonymous", nil
		}

		name := attrString(a)
		if remote && d.remoteRootRewrite && name == "root" {
			return d.remoteRootName, nil
		}
		return name, nil
	}
	return "anonymous", nil
}

// Dispatch implements the full §4.7 pipeline.
func (d *Dispatcher) Dispatch(ctx *Context) *goipp.Message {
	started := time.Now()
	m := ctx.Message

	resp := goipp.NewResponse(m.Version, goipp.StatusOk, m.RequestID)

	if err := checkVersion(m.Version); err != nil {
		return d.fail(resp, err)
	}
	if err := checkGroupOrder(m); err != nil {
		return d.fail(resp, err)
	}
	op := goipp.Op(m.Code)
	if err := checkFirstThreeAttributes(op, m.Operation); err != nil {
		return d.fail(resp, err)
	}

	user, err := d.resolveRequestingUserName(m.Operation, ctx.Remote)
	if err != nil {
		return d.fail(resp, err)
	}
	ctx.User = user

	handler, ok := d.handlers[op]
	if !ok {
		return d.fail(resp, ipperr.OperationNotSupported(op))
	}

	set, body, err := handler(ctx)
	if err != nil {
		return d.fail(resp, err)
	}

	resp.Code = goipp.Code(goipp.StatusOk)
	if set != nil {
		applySet(resp, set)
	}
	_ = body // reserved for operations that return a document body (Get-Document)

	d.log.Begin().
		Info("dispatch %s -> %s (%s)", op, goipp.Status(resp.Code), time.Since(started)).
		IPPResponse(resp).
		Commit()

	return resp
}

func (d *Dispatcher) fail(resp *goipp.Message, err error) *goipp.Message {
	ierr, _ := ipperr.As(err)
	if ierr == nil {
		ierr = ipperr.InternalError(err)
	}

	resp.Code = goipp.Code(ierr.Status)
	resp.Operation.Add(goipp.MakeAttribute("status-message", goipp.TagText, goipp.String(ierr.Message)))
	for _, u := range ierr.Unsupported {
		resp.Unsupported.Add(u)
	}

	d.log.Begin().Error("dispatch failed: %s", err).Commit()
	return resp
}

func applySet(resp *goipp.Message, set *ippattr.Set) {
	for _, g := range set.Groups {
		switch g.Tag {
		case goipp.TagOperationGroup:
			resp.Operation = append(resp.Operation, g.Attrs...)
		case goipp.TagJobGroup:
			resp.Job = append(resp.Job, g.Attrs...)
		case goipp.TagPrinterGroup:
			resp.Printer = append(resp.Printer, g.Attrs...)
		case goipp.TagSubscriptionGroup:
			resp.Subscription = append(resp.Subscription, g.Attrs...)
		case goipp.TagEventNotificationGroup:
			resp.EventNotification = append(resp.EventNotification, g.Attrs...)
		case goipp.TagUnsupportedGroup:
			resp.Unsupported = append(resp.Unsupported, g.Attrs...)
		default:
			resp.Groups = append(resp.Groups, goipp.Group{Tag: g.Tag, Attrs: g.Attrs})
		}
	}
}
