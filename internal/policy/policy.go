// Package policy implements the operation-level authorization engine:
// named policies that list which identities may invoke which
// operations, with a DefaultPolicy for requests that have no
// destination scope.
//
// The identity-matching shape (exact user name, "@group", wildcard "*")
// is carried over from ipp-usb's AuthUIDRule (auth.go), generalized
// from a fixed AuthOps bitmask to per-operation rules and from Unix
// UID/GID resolution to the IPP requesting-user-name/owner model.
package policy

import (
	"strings"

	"github.com/OpenPrinting/goipp"
)

// Verdict is the result of Check.
type Verdict int

const (
	// Ok means the operation is permitted.
	Ok Verdict = iota
	// Forbidden means the identity is known but not permitted.
	Forbidden
	// Unauthorized means the request must first be authenticated.
	Unauthorized
	// UpgradeRequired means the connection must be upgraded (e.g. to
	// TLS) before the operation can proceed.
	UpgradeRequired
)

// AuthType names the authentication an operation demands.
type AuthType int

const (
	// AuthNone requires no authentication.
	AuthNone AuthType = iota
	// AuthRequested accepts any requesting-user-name at face value.
	AuthRequested
	// AuthAuthenticated requires a verified identity.
	AuthAuthenticated
)

// Identity is the requester: the name IPP's requesting-user-name
// carries, plus the group names it belongs to, resolved the way the
// teacher resolves AuthUIDinfo (numeric+symbolic user and group names).
type Identity struct {
	User   string
	Groups []string
	// Authenticated is true once the transport has verified User,
	// e.g. via HTTP Basic/Negotiate; false for a merely-claimed
	// requesting-user-name.
	Authenticated bool
}

// matches reports whether rule (a bare name, "@group", "#uuid", or "*")
// matches identity, the same three forms a destination's users list
// accepts.
func matches(rule string, id Identity) bool {
	switch {
	case rule == "*":
		return true
	case strings.HasPrefix(rule, "@"):
		group := rule[1:]
		for _, g := range id.Groups {
			if g == group || group == "*" {
				return true
			}
		}
		return false
	case strings.HasPrefix(rule, "#"):
		// #uuid forms identify a resource owner, not a requester;
		// Check never sees one here since Identity carries a name.
		return false
	default:
		return rule == id.User
	}
}

// Rule grants or denies one operation to a set of identity patterns.
type Rule struct {
	Op       goipp.Op
	Auth     AuthType
	Allow    []string // identity patterns permitted, e.g. "alice", "@lp-admins", "*"
	Deny     []string // patterns denied even if also allowed, checked first
	Redacted []string // attribute names withheld from non-owners (private-attributes)
}

// Policy is a named bundle of per-operation rules, modeled on
// ipp-usb's Conf.ConfAuthUID list but keyed by operation instead of a
// single fixed set of ops.
type Policy struct {
	Name  string
	Rules map[goipp.Op]Rule
	// DefaultAllowOwner, when true, always permits the resource
	// owner regardless of Rules (e.g. Cancel-My-Jobs semantics).
	DefaultAllowOwner bool
}

// DefaultPolicyName is the policy applied where no destination scope
// exists.
const DefaultPolicyName = "default"

// NewDefaultPolicy returns the built-in policy: anyone may run the query
// operations and Validate-Job, and DefaultAllowOwner lets a resource's
// owner perform any operation on it. It has no other rules, so every
// other operation, destination administration included, is forbidden.
func NewDefaultPolicy() *Policy {
	readOps := []goipp.Op{
		goipp.OpGetJobAttributes, goipp.OpGetJobs,
		goipp.OpGetPrinterAttributes, goipp.OpGetSubscriptionAttributes,
		goipp.OpGetSubscriptions, goipp.OpGetNotifications,
		goipp.OpValidateJob,
	}
	p := &Policy{Name: DefaultPolicyName, Rules: map[goipp.Op]Rule{}, DefaultAllowOwner: true}
	for _, op := range readOps {
		p.Rules[op] = Rule{Op: op, Auth: AuthNone, Allow: []string{"*"}}
	}
	return p
}

// Engine holds the known policies.
type Engine struct {
	policies map[string]*Policy
}

// NewEngine returns an Engine preloaded with DefaultPolicy.
func NewEngine() *Engine {
	e := &Engine{policies: map[string]*Policy{}}
	e.Register(NewDefaultPolicy())
	return e
}

// Register adds or replaces a named policy.
func (e *Engine) Register(p *Policy) {
	e.policies[p.Name] = p
}

// Lookup returns the named policy, or DefaultPolicy if name is empty or
// unknown.
func (e *Engine) Lookup(name string) *Policy {
	if p, ok := e.policies[name]; ok {
		return p
	}
	return e.policies[DefaultPolicyName]
}

// Check decides whether id may perform op under policyName's rules,
// given the resource's owner.
func (e *Engine) Check(policyName string, op goipp.Op, id Identity, owner string) Verdict {
	p := e.Lookup(policyName)

	if p.DefaultAllowOwner && owner != "" && id.User == owner {
		return Ok
	}

	rule, ok := p.Rules[op]
	if !ok {
		return Forbidden
	}

	if rule.Auth == AuthAuthenticated && !id.Authenticated {
		return Unauthorized
	}

	for _, deny := range rule.Deny {
		if matches(deny, id) {
			return Forbidden
		}
	}
	for _, allow := range rule.Allow {
		if matches(allow, id) {
			return Ok
		}
	}
	return Forbidden
}

// PrivateAttributes implements private-attributes(policy, client,
// resource, owner): the Redacted attribute names of op's rule, withheld
// from client. It is nil when client is the owner or when the policy has
// no rule for op.
func (e *Engine) PrivateAttributes(policyName string, op goipp.Op, id Identity, owner string) map[string]bool {
	p := e.Lookup(policyName)
	if id.User == owner && owner != "" {
		return nil
	}
	rule, ok := p.Rules[op]
	if !ok {
		return nil
	}
	redacted := map[string]bool{}
	for _, name := range rule.Redacted {
		redacted[name] = true
	}
	return redacted
}
