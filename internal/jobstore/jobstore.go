// Package jobstore implements the job store and its state machine: job
// creation and validation, file intake, state transitions, and the
// all-jobs/active-jobs/printing-jobs indices ordered by (priority desc,
// id asc).
//
// The three-index-over-one-map shape and the "assign an id, then derive
// every ordering from the same underlying records" pattern follow
// ipp-usb's UsbDeviceDirectory, which keeps one device map and derives
// lists from it (device.go); state-transition enforcement as a small
// table of allowed (from, to) pairs is grounded the same way ipp-usb
// gates Quirks flags: a lookup, not a cascade of booleans.
package jobstore

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is a job's position in its life cycle.
type State int

const (
	StatePending State = iota
	StateHeld
	StateProcessing
	StateStopped
	StateCanceled
	StateAborted
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateHeld:
		return "held"
	case StateProcessing:
		return "processing"
	case StateStopped:
		return "stopped"
	case StateCanceled:
		return "canceled"
	case StateAborted:
		return "aborted"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is one of the terminal states.
func (s State) Terminal() bool {
	return s == StateCanceled || s == StateAborted || s == StateCompleted
}

// HoldUntil represents a job's hold-until value: an absolute time,
// Indefinite (held until released), or the sentinel NoHold ("release
// immediately").
type HoldUntil struct {
	At        time.Time
	Indefinite bool
}

// NoHold is the zero HoldUntil: no hold in effect.
var NoHold = HoldUntil{}

// File is one spooled document belonging to a job.
type File struct {
	FileType    string
	Compression string
	Path        string
}

// Job is the job store's record for one print job.
type Job struct {
	mu sync.RWMutex

	ID   int
	UUID string

	Dest     string
	DestType string

	OriginatingUser string
	OriginatingHost string

	Files []File

	Attrs map[string][]string // flattened attribute set, name -> values

	Priority int
	state    State
	Reasons  map[string]bool

	HoldUntil HoldUntil

	CreatedAt    time.Time
	ProcessingAt time.Time
	CompletedAt  time.Time

	KOctets           int
	ImpressionsDone   int
	SheetsDone        int

	// StateMessage is set at the terminal transition (completed,
	// canceled, or aborted) to that transition's reason keyword, such
	// as Abort's reason; it stays empty when the transition has none.
	StateMessage string

	// intakeDeadline bounds multi-file Create-Job/Send-Document
	// intake; Timeout closes the job once it passes.
	intakeDeadline time.Time

	// authInfo is the credential cache CUPS-Authenticate-Job populates.
	authInfo []string
}

// State returns the job's current state under lock.
func (j *Job) State() State {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state
}

// allowedTransitions lists every (from, to) pair the state machine
// permits.
var allowedTransitions = map[State]map[State]bool{
	StatePending:    {StateProcessing: true, StateHeld: true, StateCanceled: true, StateAborted: true},
	StateHeld:       {StatePending: true, StateCanceled: true, StateAborted: true},
	StateProcessing: {StateStopped: true, StateCompleted: true, StateCanceled: true, StateAborted: true},
	StateStopped:    {StatePending: true, StateCanceled: true, StateAborted: true},
}

// transition moves the job from its current state to to, failing if the
// move isn't in allowedTransitions.
func (j *Job) transition(to State, reason string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.state == to {
		return nil
	}
	if j.state.Terminal() {
		return fmt.Errorf("job %d: state %s is immutable except by administrative purge", j.ID, j.state)
	}
	if !allowedTransitions[j.state][to] {
		return fmt.Errorf("job %d: illegal transition %s -> %s", j.ID, j.state, to)
	}

	j.state = to
	switch to {
	case StateProcessing:
		j.ProcessingAt = time.Now()
	case StateCompleted, StateCanceled, StateAborted:
		j.CompletedAt = time.Now()
		if reason != "" {
			j.StateMessage = reason
		}
	}
	if reason != "" {
		j.Reasons[reason] = true
	}
	return nil
}

// Store holds jobs and the indices over them: all-jobs, active-jobs,
// and printing-jobs.
type Store struct {
	mu     sync.RWMutex
	byID   map[int]*Job
	nextID int

	maxCopies int
}

// New returns an empty Store. maxCopies bounds the copies attribute to
// the range [1, maxCopies].
func New(maxCopies int) *Store {
	return &Store{byID: map[int]*Job{}, nextID: 1, maxCopies: maxCopies}
}

// DestInfo's Accepting, DefaultOptions and MandatoryAttrs (and the other
// fields) let AddJob consult the Destination Registry without jobstore
// importing it directly.
type DestInfo struct {
	Name             string
	Type             string
	Accepting        bool
	Shared           bool
	DefaultOptions   map[string][]string
	MandatoryAttrs   []string
	RemoteNonShared  bool
}

var allowedNumberUp = map[int]bool{1: true, 2: true, 4: true, 6: true, 9: true, 16: true}

// AddJobRequest is what the Dispatcher/handlers hand to AddJob after
// attribute extraction.
type AddJobRequest struct {
	User           string
	Host           string
	Attrs          map[string][]string
	Strict         bool
	MultiFileIntake bool
}

// AddJob implements add-job(con, printer, initial-filetype).
func (s *Store) AddJob(dest DestInfo, req AddJobRequest) (*Job, error) {
	if !dest.Accepting {
		return nil, fmt.Errorf("destination %q is not accepting jobs", dest.Name)
	}
	if dest.RemoteNonShared {
		return nil, fmt.Errorf("remote destination %q is not shared", dest.Name)
	}

	for _, name := range dest.MandatoryAttrs {
		if _, ok := req.Attrs[name]; !ok {
			return nil, fmt.Errorf("mandatory attribute %q missing for destination %q", name, dest.Name)
		}
	}

	readOnly := []string{"job-id", "job-uri", "job-state", "job-state-reasons", "job-printer-up-time", "time-at-creation"}
	for _, name := range readOnly {
		if _, present := req.Attrs[name]; present {
			if req.Strict {
				return nil, fmt.Errorf("read-only attribute %q must not be supplied by the client", name)
			}
			delete(req.Attrs, name)
		}
	}

	if copies, ok := req.Attrs["copies"]; ok {
		n := atoiFirst(copies)
		if n < 1 || (s.maxCopies > 0 && n > s.maxCopies) {
			return nil, fmt.Errorf("copies=%d out of range [1,%d]", n, s.maxCopies)
		}
	}
	if sheets, ok := req.Attrs["job-sheets"]; ok {
		if len(sheets) > 2 {
			return nil, fmt.Errorf("job-sheets accepts at most 2 values")
		}
	}
	if numberUp, ok := req.Attrs["number-up"]; ok {
		n := atoiFirst(numberUp)
		if !allowedNumberUp[n] {
			return nil, fmt.Errorf("number-up=%d is not one of {1,2,4,6,9,16}", n)
		}
	}
	if ranges, ok := req.Attrs["page-ranges"]; ok {
		if err := validatePageRanges(ranges); err != nil {
			return nil, err
		}
	}

	merged := map[string][]string{}
	for k, v := range dest.DefaultOptions {
		merged[k] = v
	}
	for k, v := range req.Attrs {
		merged[k] = v
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.mu.Unlock()

	initial := StatePending
	if req.MultiFileIntake {
		initial = StateHeld
	}

	j := &Job{
		ID:              id,
		UUID:            uuid.NewString(),
		Dest:            dest.Name,
		DestType:        dest.Type,
		OriginatingUser: req.User,
		OriginatingHost: req.Host,
		Attrs:           merged,
		Priority:        priorityOf(merged),
		state:           initial,
		Reasons:         map[string]bool{"job-incoming": true},
		CreatedAt:       time.Now(),
	}

	s.mu.Lock()
	s.byID[id] = j
	s.mu.Unlock()

	return j, nil
}

func priorityOf(attrs map[string][]string) int {
	if v, ok := attrs["job-priority"]; ok {
		n := atoiFirst(v)
		if n >= 1 && n <= 100 {
			return n
		}
	}
	return 50
}

func atoiFirst(values []string) int {
	if len(values) == 0 {
		return 0
	}
	n := 0
	for _, c := range values[0] {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func validatePageRanges(ranges []string) error {
	prevHigh := -1
	for _, r := range ranges {
		var lo, hi int
		if _, err := fmt.Sscanf(r, "%d-%d", &lo, &hi); err != nil {
			if _, err2 := fmt.Sscanf(r, "%d", &lo); err2 != nil {
				return fmt.Errorf("malformed page-range %q", r)
			}
			hi = lo
		}
		if lo > hi {
			return fmt.Errorf("page-range %q is inverted", r)
		}
		if lo <= prevHigh {
			return fmt.Errorf("page-ranges must be non-overlapping and non-decreasing")
		}
		prevHigh = hi
	}
	return nil
}

// AddFile implements add-file(job, filetype, compression).
func (s *Store) AddFile(j *Job, filetype, compression, path string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Files = append(j.Files, File{FileType: filetype, Compression: compression, Path: path})
}

// Hold moves a job to held with the given hold-until.
func (s *Store) Hold(j *Job, until HoldUntil) error {
	if err := j.transition(StateHeld, ""); err != nil {
		return err
	}
	j.mu.Lock()
	j.HoldUntil = until
	j.mu.Unlock()
	return nil
}

// Release moves a held job to pending, setting hold-until to the
// sentinel no-hold value.
func (s *Store) Release(j *Job) error {
	if err := j.transition(StatePending, ""); err != nil {
		return err
	}
	j.mu.Lock()
	j.HoldUntil = NoHold
	j.mu.Unlock()
	return nil
}

// StartProcessing moves a runnable job to processing.
func (s *Store) StartProcessing(j *Job) error {
	return j.transition(StateProcessing, "")
}

// Stop moves a processing job to stopped with a reason keyword.
func (s *Store) Stop(j *Job, reason string) error {
	return j.transition(StateStopped, reason)
}

// ResumeFromStop moves a stopped job back to pending.
func (s *Store) ResumeFromStop(j *Job) error {
	return j.transition(StatePending, "")
}

// Complete moves a processing job to completed.
func (s *Store) Complete(j *Job) error {
	return j.transition(StateCompleted, "")
}

// Cancel implements Cancel-Job: any non-terminal job moves to canceled.
func (s *Store) Cancel(j *Job) error {
	return j.transition(StateCanceled, "")
}

// Restart implements Restart-Job's sole exception to the monotonic state
// machine: a terminal job that still has its spooled files moves back to
// pending, bypassing transition's terminal-state guard. A terminal job
// whose files were already purged cannot be restarted.
func (s *Store) Restart(j *Job) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.state.Terminal() {
		return fmt.Errorf("job %d: Restart-Job only applies to a job in a terminal state", j.ID)
	}
	if len(j.Files) == 0 {
		return fmt.Errorf("job %d: no spooled files remain to restart", j.ID)
	}

	j.state = StatePending
	j.HoldUntil = NoHold
	j.CompletedAt = time.Time{}
	j.Reasons = map[string]bool{"job-restarted": true}
	return nil
}

// Move implements Move-Job: reassigns a non-terminal job to a different
// destination.
func (s *Store) Move(j *Job, destName, destType string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return fmt.Errorf("job %d: cannot move a job in a terminal state", j.ID)
	}
	j.Dest = destName
	j.DestType = destType
	return nil
}

// Authenticate implements CUPS-Authenticate-Job: records the supplied
// auth-info values in the job's credential cache and releases the job if
// it was being held pending authentication.
func (s *Store) Authenticate(j *Job, authInfo []string) error {
	j.mu.Lock()
	j.authInfo = authInfo
	needsRelease := j.state == StateHeld && j.Reasons["cups-held-for-authentication"]
	if needsRelease {
		delete(j.Reasons, "cups-held-for-authentication")
	}
	j.mu.Unlock()

	if needsRelease {
		return s.Release(j)
	}
	return nil
}

// AuthInfo returns the credential cache Authenticate last recorded for j.
func (j *Job) AuthInfo() []string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.authInfo
}

// Abort is the system-initiated equivalent of Cancel.
func (s *Store) Abort(j *Job, reason string) error {
	return j.transition(StateAborted, reason)
}

// CloseJob implements Close-Job: held|stopped -> pending, unless
// hold-until still applies.
func (s *Store) CloseJob(j *Job) error {
	j.mu.RLock()
	state := j.state
	hold := j.HoldUntil
	j.mu.RUnlock()

	if state != StateHeld && state != StateStopped {
		return fmt.Errorf("job %d: Close-Job only applies to held or stopped jobs", j.ID)
	}
	if hold.Indefinite || (!hold.At.IsZero() && hold.At.After(time.Now())) {
		return nil
	}
	return j.transition(StatePending, "")
}

// Timeout implements timeout(job): closes a job whose multi-file
// intake window has elapsed, promoting it to pending.
func (s *Store) Timeout(j *Job, now time.Time) error {
	j.mu.RLock()
	deadline := j.intakeDeadline
	j.mu.RUnlock()

	if deadline.IsZero() || now.Before(deadline) {
		return nil
	}
	return s.CloseJob(j)
}

// SetIntakeDeadline records when multi-file intake for j must complete.
func (s *Store) SetIntakeDeadline(j *Job, deadline time.Time) {
	j.mu.Lock()
	j.intakeDeadline = deadline
	j.mu.Unlock()
}

// Lookup returns the job with the given id, or nil.
func (s *Store) Lookup(id int) *Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[id]
}

func sortedByPriorityThenID(jobs []*Job) []*Job {
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].Priority != jobs[k].Priority {
			return jobs[i].Priority > jobs[k].Priority
		}
		return jobs[i].ID < jobs[k].ID
	})
	return jobs
}

// AllJobs returns every job, ordered by (priority desc, id asc).
func (s *Store) AllJobs() []*Job {
	s.mu.RLock()
	out := make([]*Job, 0, len(s.byID))
	for _, j := range s.byID {
		out = append(out, j)
	}
	s.mu.RUnlock()
	return sortedByPriorityThenID(out)
}

// ActiveJobs returns jobs whose state is non-terminal, ordered by
// (priority desc, id asc).
func (s *Store) ActiveJobs() []*Job {
	s.mu.RLock()
	var out []*Job
	for _, j := range s.byID {
		if !j.State().Terminal() {
			out = append(out, j)
		}
	}
	s.mu.RUnlock()
	return sortedByPriorityThenID(out)
}

// PrintingJobs returns jobs currently processing, ordered the same way.
func (s *Store) PrintingJobs() []*Job {
	s.mu.RLock()
	var out []*Job
	for _, j := range s.byID {
		if j.State() == StateProcessing {
			out = append(out, j)
		}
	}
	s.mu.RUnlock()
	return sortedByPriorityThenID(out)
}

// QueuedJobCount implements the invariant
// "queued-job-count = |{ j : j.dest == p, j.state ∈ {pending,held,processing,stopped} }|".
func (s *Store) QueuedJobCount(dest string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, j := range s.byID {
		st := j.State()
		if j.Dest == dest && (st == StatePending || st == StateHeld || st == StateProcessing || st == StateStopped) {
			n++
		}
	}
	return n
}

// NextRunnable returns the highest-priority, lowest-id job in
// active-jobs whose state is pending, or nil if none is runnable.
func (s *Store) NextRunnable() *Job {
	for _, j := range s.ActiveJobs() {
		if j.State() == StatePending {
			return j
		}
	}
	return nil
}
