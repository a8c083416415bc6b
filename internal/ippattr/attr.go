// Package ippattr implements the IPP Attribute Model: grouped, typed
// attribute records with the lookup, copy and validation helpers the
// scheduler core needs on top of the raw wire types from goipp.
//
// The wire-level encoding (tags, values, the binary framing) is entirely
// delegated to github.com/OpenPrinting/goipp; this package adds the
// higher-level semantics a scheduler needs on top of it: group-ordered
// construction, find(), copy-into() with the redaction rules, and
// syntax validation.
package ippattr

import (
	"fmt"
	"unicode/utf8"

	"github.com/OpenPrinting/goipp"
)

// Group is an ordered run of attributes sharing one group tag.
type Group struct {
	Tag   goipp.Tag
	Attrs goipp.Attributes
}

// Set is the attribute set carried by a Message: an ordered sequence of
// Groups, exactly as they will be serialized.
type Set struct {
	Groups []*Group
}

// NewSet returns an empty attribute set.
func NewSet() *Set {
	return &Set{}
}

// Separator appends a group-separator (TagZero) marker. The wire encoder
// derives group boundaries from Tag transitions, so a Set only needs to
// start a new *Group; Separator exists for callers that want to mirror the
// wire concept explicitly (e.g. round-trip tests).
func (s *Set) Separator() {
	s.Groups = append(s.Groups, &Group{Tag: goipp.TagZero})
}

// Group returns the last group with the given tag, creating one if the
// most recently opened group doesn't match. This mirrors the wire rule
// that groups of the same tag appearing non-contiguously are logically
// separate runs.
func (s *Set) Group(tag goipp.Tag) *Group {
	if n := len(s.Groups); n > 0 && s.Groups[n-1].Tag == tag {
		return s.Groups[n-1]
	}
	g := &Group{Tag: tag}
	s.Groups = append(s.Groups, g)
	return g
}

// Append adds an attribute to the group with the given tag.
func (s *Set) Append(tag goipp.Tag, name string, valueTag goipp.Tag, values ...goipp.Value) {
	attr := goipp.Attribute{Name: name}
	for _, v := range values {
		attr.Values.Add(valueTag, v)
	}
	s.Group(tag).Attrs.Add(attr)
}

// Find returns the first attribute with the given name, searching the
// named group if group != goipp.TagZero, or every group otherwise.
func (s *Set) Find(name string, group goipp.Tag) (goipp.Attribute, bool) {
	for _, g := range s.Groups {
		if group != goipp.TagZero && g.Tag != group {
			continue
		}
		for _, a := range g.Attrs {
			if a.Name == name {
				return a, true
			}
		}
	}
	return goipp.Attribute{}, false
}

// GroupTags returns the tags in insertion order.
func (s *Set) GroupTags() []goipp.Tag {
	tags := make([]goipp.Tag, len(s.Groups))
	for i, g := range s.Groups {
		tags[i] = g.Tag
	}
	return tags
}

// CheckGroupOrder verifies that group tags are non-decreasing, ignoring
// TagZero separators.
func CheckGroupOrder(tags []goipp.Tag) error {
	last := goipp.Tag(0)
	for _, t := range tags {
		if t == goipp.TagZero {
			continue
		}
		if t < last {
			return fmt.Errorf("attribute groups out of order: %s after %s", t, last)
		}
		last = t
	}
	return nil
}

// neverCopied lists attribute names that CopyInto never copies, because
// they are handled by dedicated code paths.
var neverCopied = map[string]bool{
	"document-password":       true,
	"job-authorization-uri":   true,
	"job-password":            true,
	"job-password-encryption": true,
	"job-printer-uri":         true,
}

// CopyFilter decides which attributes CopyInto should copy.
type CopyFilter func(name string) bool

// CopyInto copies attrs from src into dst's group `tag`, applying filter
// and the always-excluded names. When to1x is true (talking to an IPP 1.x
// responder) collection-valued attributes are skipped unless
// includeCollections is set: older IPP 1.x responders choke on nested
// collections they didn't ask for.
func CopyInto(dst *Set, tag goipp.Tag, src goipp.Attributes, filter CopyFilter, to1x, includeCollections bool) {
	for _, a := range src {
		if neverCopied[a.Name] {
			continue
		}
		if filter != nil && !filter(a.Name) {
			continue
		}
		if to1x && !includeCollections && hasCollection(a) {
			continue
		}
		dst.Group(tag).Attrs.Add(a.DeepCopy())
	}
}

func hasCollection(a goipp.Attribute) bool {
	for _, v := range a.Values {
		if v.V.Type() == goipp.TypeCollection {
			return true
		}
	}
	return false
}

// MaxNameLength and MaxTextLength are the wire-syntax limits enforced by
// Validate (RFC 8011 §4.1).
const (
	MaxNameLength = 255
	MaxTextLength = 1023
	MaxURILength  = 1023
)

// Validate checks that an attribute's values match the syntax implied by
// their value tag. It never inspects semantics (ranges, allowed keyword
// sets); that belongs to the component that owns the attribute (Job Store,
// Destination Registry, ...).
func Validate(a goipp.Attribute) error {
	if len(a.Name) == 0 {
		return fmt.Errorf("attribute with empty name")
	}
	if len(a.Name) > MaxNameLength {
		return fmt.Errorf("%s: name exceeds %d octets", a.Name, MaxNameLength)
	}

	for _, v := range a.Values {
		if err := validateValue(a.Name, v.T, v.V); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(name string, tag goipp.Tag, v goipp.Value) error {
	switch tag {
	case goipp.TagText, goipp.TagTextLang:
		s := v.String()
		if !utf8.ValidString(s) {
			return fmt.Errorf("%s: invalid UTF-8 in text value", name)
		}
		if len(s) > MaxTextLength {
			return fmt.Errorf("%s: text value exceeds %d octets", name, MaxTextLength)
		}
	case goipp.TagName, goipp.TagNameLang:
		s := v.String()
		if !utf8.ValidString(s) {
			return fmt.Errorf("%s: invalid UTF-8 in name value", name)
		}
		if len(s) > MaxNameLength {
			return fmt.Errorf("%s: name value exceeds %d octets", name, MaxNameLength)
		}
	case goipp.TagURI:
		s := v.String()
		if len(s) > MaxURILength {
			return fmt.Errorf("%s: URI exceeds %d octets", name, MaxURILength)
		}
		if !validURISyntax(s) {
			return fmt.Errorf("%s: malformed URI %q", name, s)
		}
	case goipp.TagKeyword, goipp.TagURIScheme, goipp.TagCharset, goipp.TagLanguage, goipp.TagMimeType:
		s := v.String()
		if !utf8.ValidString(s) {
			return fmt.Errorf("%s: invalid UTF-8", name)
		}
	case goipp.TagInteger, goipp.TagEnum:
		if _, ok := v.(goipp.Integer); !ok {
			return fmt.Errorf("%s: expected integer value", name)
		}
	case goipp.TagBoolean:
		if _, ok := v.(goipp.Boolean); !ok {
			return fmt.Errorf("%s: expected boolean value", name)
		}
	}
	return nil
}

func validURISyntax(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] == 0x7f {
			return false
		}
	}
	colon := -1
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			colon = i
			break
		}
		if s[i] == '/' {
			break
		}
	}
	return colon > 0
}
