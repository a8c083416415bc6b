// Package registry implements the destination registry: the in-memory
// set of printers and classes, their configuration, state, and
// membership, with URI parsing and validated mutation entry points.
//
// Identity validation and the name/URI parsing shape are grounded on
// ipp-usb's UsbAddr / device naming helpers (usbaddr.go, glob.go) that
// validate and canonicalize identifiers before they become part of the
// runtime model; Destination itself has no ipp-usb analogue since
// ipp-usb never models printers as first-class addressable objects, so
// its fields are its own: name, URI, state, membership, and policy.
package registry

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type distinguishes a Printer destination from a Class.
type Type int

const (
	TypePrinter Type = iota
	TypeClass
)

// State is a destination's operational state.
type State int

const (
	StateIdle State = iota
	StateProcessing
	StateStopped
)

// Destination is a printer or a class.
type Destination struct {
	mu sync.RWMutex

	ID   int
	UUID string
	Name string
	Type Type

	Location    string
	GeoLocation string
	Info        string
	Organization string
	OrgUnit      string
	DeviceURI    string

	SupportedMIMETypes []string
	PortMonitor        string
	OpPolicy           string
	ErrorPolicy        string

	JobSheetsDefault []string
	QuotaPeriod      time.Duration
	KLimit           int
	PageLimit        int
	OptionDefaults   map[string][]string

	State        State
	StateReasons map[string]bool
	StateTime    time.Time

	Accepting      bool
	Shared         bool
	Temporary      bool
	HoldingNewJobs bool

	Users []string // names, "@group", or "#uuid"
	Deny  bool      // true: Users is a deny-list, false: allow-list

	// Members lists member destination names for a class; classes
	// hold weak (name-only) references, never owning the member.
	Members []string
}

// newDestination creates a Destination of type typ, unvalidated; callers
// use Registry.AddPrinter for the validated entry point.
func newDestination(id int, name string, typ Type) *Destination {
	return &Destination{
		ID:             id,
		UUID:           uuid.NewString(),
		Name:           name,
		Type:           typ,
		Accepting:      true,
		StateReasons:   map[string]bool{},
		OptionDefaults: map[string][]string{},
		StateTime:      time.Now(),
	}
}

// IsShared reports whether the destination is shared, guarded for
// concurrent state reads the same way Get* handlers need.
func (d *Destination) IsShared() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.Shared
}

// StateReasonList returns the reasons set as a slice in no particular
// order, safe to hand to a response builder.
func (d *Destination) StateReasonList() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.StateReasons))
	for r := range d.StateReasons {
		out = append(out, r)
	}
	return out
}

func (d *Destination) addReason(r string) {
	d.StateReasons[r] = true
}

func (d *Destination) removeReason(r string) {
	delete(d.StateReasons, r)
}

// Registry holds the full set of destinations, keyed by name, enforcing
// that printers and classes share one namespace: AddPrinter/AddClass
// must not collide with the other kind.
type Registry struct {
	mu        sync.RWMutex
	byName    map[string]*Destination
	byID      map[int]*Destination
	nextID    int
	allowFile bool // whether file: device URIs are permitted
}

// New returns an empty Registry. allowFileDevices mirrors a deployment
// toggle: when false, a device-uri with scheme "file" is rejected the
// way a hardened deployment disables local-file backends.
func New(allowFileDevices bool) *Registry {
	return &Registry{
		byName:    map[string]*Destination{},
		byID:      map[int]*Destination{},
		nextID:    1,
		allowFile: allowFileDevices,
	}
}

// ValidateName enforces a destination's identity rule: printable, no
// '/', no '#', at most 127 characters.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("destination name must not be empty")
	}
	if len(name) > 127 {
		return fmt.Errorf("destination name %q exceeds 127 characters", name)
	}
	if strings.ContainsAny(name, "/#") {
		return fmt.Errorf("destination name %q must not contain '/' or '#'", name)
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("destination name %q contains non-printable characters", name)
		}
	}
	return nil
}

// ValidateDest implements validate-dest(uri): parses
// ipp[s]://host[:port]/(printers|classes)/NAME.
func ValidateDest(rawURI string) (name string, typ Type, err error) {
	u, err := url.Parse(rawURI)
	if err != nil {
		return "", 0, fmt.Errorf("malformed destination uri: %w", err)
	}
	if u.Scheme != "ipp" && u.Scheme != "ipps" {
		return "", 0, fmt.Errorf("unsupported uri scheme %q", u.Scheme)
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("malformed destination path %q", u.Path)
	}

	switch parts[0] {
	case "printers":
		typ = TypePrinter
	case "classes":
		typ = TypeClass
	default:
		return "", 0, fmt.Errorf("unrecognized destination kind %q", parts[0])
	}

	name = parts[1]
	if err := ValidateName(name); err != nil {
		return "", 0, err
	}
	return name, typ, nil
}

// Lookup returns the named destination, or nil if none exists.
func (r *Registry) Lookup(name string) *Destination {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[name]
}

// LookupByID returns the destination with the given numeric id.
func (r *Registry) LookupByID(id int) *Destination {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// All returns every destination, in no particular order.
func (r *Registry) All() []*Destination {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Destination, 0, len(r.byName))
	for _, d := range r.byName {
		out = append(out, d)
	}
	return out
}

func (r *Registry) add(name string, typ Type) (*Destination, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byName[name]; ok {
		if existing.Type != typ {
			return nil, fmt.Errorf("name %q already used by a %s", name, kindString(existing.Type))
		}
		return nil, fmt.Errorf("destination %q already exists", name)
	}

	d := newDestination(r.nextID, name, typ)
	r.nextID++
	r.byName[name] = d
	r.byID[d.ID] = d
	return d, nil
}

// DecodeDestination unmarshals a destination previously persisted by
// the server's Store.PutDestination call, whose value was the
// Destination itself (every field but the mutex is exported, so a
// round trip through encoding/json needs no bespoke DTO).
func DecodeDestination(data []byte) (*Destination, error) {
	dest := &Destination{}
	if err := json.Unmarshal(data, dest); err != nil {
		return nil, fmt.Errorf("registry: decode destination: %w", err)
	}
	return dest, nil
}

// Restore reinserts a destination loaded from persisted state,
// bypassing AddPrinter/AddClass's "must not already exist" check and
// reusing its original numeric id and UUID.
func (r *Registry) Restore(dest *Destination) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byName[dest.Name] = dest
	r.byID[dest.ID] = dest
	if dest.ID >= r.nextID {
		r.nextID = dest.ID + 1
	}
}

func kindString(t Type) string {
	if t == TypeClass {
		return "class"
	}
	return "printer"
}

// AddPrinter implements add-printer(name).
func (r *Registry) AddPrinter(name string) (*Destination, error) {
	return r.add(name, TypePrinter)
}

// AddClass implements add-class(name).
func (r *Registry) AddClass(name string) (*Destination, error) {
	return r.add(name, TypeClass)
}

// AttrUpdate carries the vetted subset of attributes set-attrs may
// apply.
type AttrUpdate struct {
	Location          *string
	Info              *string
	StateMessage      *string
	Shared            *bool
	Accepting         *bool
	OptionDefaults    map[string][]string
	AuthInfoRequired  []string
	ErrorPolicy       *string
	OpPolicy          *string
	PortMonitor       *string
	DeviceURI         *string
	StateReasonsAdd   []string
	StateReasonsClear []string
}

// SetAttrs implements set-attrs(dest, attrs): applies the vetted subset,
// transitioning state only through stop/start side effects, rejecting
// device-uri changes that fail the scheme rule, and refusing to
// re-share or toggle Shared on a remote (proxy) printer.
func (d *Destination) SetAttrs(u AttrUpdate, allowFile bool, resolvesBackend func(scheme string) bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if u.Location != nil {
		d.Location = *u.Location
	}
	if u.Info != nil {
		d.Info = *u.Info
	}
	if u.Shared != nil {
		if d.isRemoteLocked() {
			return fmt.Errorf("remote printer %q cannot be re-shared or have its shared flag toggled", d.Name)
		}
		d.Shared = *u.Shared
	}
	if u.Accepting != nil {
		d.Accepting = *u.Accepting
	}
	if u.OpPolicy != nil {
		d.OpPolicy = *u.OpPolicy
	}
	if u.ErrorPolicy != nil {
		d.ErrorPolicy = *u.ErrorPolicy
	}
	if u.PortMonitor != nil {
		d.PortMonitor = *u.PortMonitor
	}
	for k, v := range u.OptionDefaults {
		d.OptionDefaults[k] = v
	}

	if u.DeviceURI != nil {
		if err := d.setDeviceURILocked(*u.DeviceURI, allowFile, resolvesBackend); err != nil {
			return err
		}
	}

	for _, r := range u.StateReasonsAdd {
		d.addReason(r)
	}
	for _, r := range u.StateReasonsClear {
		d.removeReason(r)
	}

	// Order of field application: if state-reasons includes paused,
	// the destination is stopped as a side effect.
	if d.StateReasons["paused"] {
		d.State = StateStopped
	}

	return nil
}

// SetMembers implements set-members(class, member-names): every named
// member must already exist as a printer, never another class, enforcing
// "classes MUST NOT contain classes" before replacing the class's
// Members list wholesale.
func (r *Registry) SetMembers(class *Destination, members []string) error {
	if class.Type != TypeClass {
		return fmt.Errorf("destination %q is not a class", class.Name)
	}

	r.mu.RLock()
	resolved := make([]string, 0, len(members))
	for _, name := range members {
		m, ok := r.byName[name]
		if !ok {
			r.mu.RUnlock()
			return fmt.Errorf("class %q: no such member %q", class.Name, name)
		}
		if m.Type == TypeClass {
			r.mu.RUnlock()
			return fmt.Errorf("class %q: member %q is itself a class, classes must not contain classes", class.Name, name)
		}
		resolved = append(resolved, name)
	}
	r.mu.RUnlock()

	class.mu.Lock()
	class.Members = resolved
	class.mu.Unlock()
	return nil
}

func (d *Destination) isRemoteLocked() bool {
	u, err := url.Parse(d.DeviceURI)
	return err == nil && u.Scheme != "" && u.Scheme != "file" && !d.backendScheme(u.Scheme)
}

// backendScheme is a hook point: remote/proxy printers use a uri whose
// scheme names a transport (ipp, ipps, socket, dnssd) rather than a
// local backend executable; Destination has no way to know which
// schemes count as "backend executable" without the registry's
// resolver, so isRemoteLocked treats any non-file scheme conservatively
// as potentially remote. Concrete backend resolution is delegated to
// setDeviceURILocked's resolvesBackend hook.
func (d *Destination) backendScheme(scheme string) bool {
	return false
}

func (d *Destination) setDeviceURILocked(raw string, allowFile bool, resolvesBackend func(scheme string) bool) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("malformed device-uri: %w", err)
	}

	switch {
	case u.Scheme == "file":
		if !allowFile {
			return fmt.Errorf("file device uris are disabled by configuration")
		}
	case resolvesBackend != nil && resolvesBackend(u.Scheme):
		// ok, a known backend scheme
	default:
		return fmt.Errorf("device-uri scheme %q does not resolve to an executable backend", u.Scheme)
	}

	d.DeviceURI = raw
	return nil
}

// MarkTemporary flags the destination as temporary with expiresAt as its
// StateTime, the deadline ExpireTemporary's sweep checks against --
// CUPS-Create-Local-Printer's way of registering a destination that
// reclaims itself without an explicit delete.
func (d *Destination) MarkTemporary(expiresAt time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Temporary = true
	d.StateTime = expiresAt
}

// Accept implements accept(dest): clears the reject reason and sets
// Accepting.
func (d *Destination) Accept() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Accepting = true
	d.removeReason("rejecting-jobs")
}

// Reject implements reject(dest).
func (d *Destination) Reject() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Accepting = false
	d.addReason("rejecting-jobs")
}

// HoldNewJobs implements hold-new-jobs(dest).
func (d *Destination) HoldNewJobs() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.HoldingNewJobs = true
	d.addReason("hold-new-jobs")
}

// ReleaseHeldNewJobs implements release-held-new-jobs(dest).
func (d *Destination) ReleaseHeldNewJobs() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.HoldingNewJobs = false
	d.removeReason("hold-new-jobs")
}

// Stop transitions State to StateStopped.
func (d *Destination) Stop(reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.State = StateStopped
	if reason != "" {
		d.addReason(reason)
	}
}

// Start transitions State to StateIdle, clearing the paused reason.
func (d *Destination) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.State = StateIdle
	d.removeReason("paused")
}

// DeleteHook is supplied by the composition root so Delete can cancel
// jobs and expire subscriptions without the registry depending on the
// job store or subscription engine packages directly.
type DeleteHook func(dest *Destination)

// Delete implements delete(dest): removes dest from the registry after
// hook runs (the hook is where the caller aborts the destination's jobs
// and expires its subscriptions).
func (r *Registry) Delete(name string, hook DeleteHook) error {
	r.mu.Lock()
	d, ok := r.byName[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("no such destination %q", name)
	}
	delete(r.byName, name)
	delete(r.byID, d.ID)
	r.mu.Unlock()

	if hook != nil {
		hook(d)
	}
	return nil
}

// ExpireTemporary deletes any temporary printer whose StateTime has
// passed, the way a printer-state-change-time deadline expires an
// auto-registered destination once its backing device goes away.
func (r *Registry) ExpireTemporary(now time.Time, hook DeleteHook) {
	r.mu.RLock()
	var expired []string
	for name, d := range r.byName {
		d.mu.RLock()
		if d.Temporary && !d.StateTime.IsZero() && now.After(d.StateTime) {
			expired = append(expired, name)
		}
		d.mu.RUnlock()
	}
	r.mu.RUnlock()

	for _, name := range expired {
		r.Delete(name, hook)
	}
}
