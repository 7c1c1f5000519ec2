package sup

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// ReferenceKind discriminates whether a Reference names a Host or a
// Process. It's a closed, two-value tag -- see spec.md's data model.
type ReferenceKind uint8

const (
	ReferenceKind_Host ReferenceKind = iota
	ReferenceKind_Process
)

func (k ReferenceKind) String() string {
	switch k {
	case ReferenceKind_Host:
		return "Host"
	case ReferenceKind_Process:
		return "Process"
	default:
		return "unknown"
	}
}

// Reference is an immutable, URL-keyed identity for a Host or a Process.
//
// Hierarchy is encoded in the URL path: Parent strips one path segment,
// Child appends one. Equality is by canonical URL string, which is
// memoized once at construction so repeated comparisons and map lookups
// don't re-render the URL.
//
// A Process reference's authority segment (the URL host component)
// names the Host it currently lives on -- this is how IsLocalTo
// decides whether a packet belongs to this runtime or must cross the
// (out-of-scope) cluster transport.
type Reference struct {
	kind ReferenceKind
	u    *url.URL
	str  string
}

// NewHostReference parses rawurl as the canonical identity of a Host.
func NewHostReference(rawurl string) (Reference, error) {
	return newReference(ReferenceKind_Host, rawurl)
}

// NewProcessReference parses rawurl as the canonical identity of a Process.
func NewProcessReference(rawurl string) (Reference, error) {
	return newReference(ReferenceKind_Process, rawurl)
}

func newReference(kind ReferenceKind, rawurl string) (Reference, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return Reference{}, fmt.Errorf("sup: invalid reference %q: %w", rawurl, err)
	}
	if !u.IsAbs() {
		return Reference{}, fmt.Errorf("sup: reference %q must be absolute", rawurl)
	}
	u.Path = path.Clean(u.Path)
	r := Reference{kind: kind, u: u}
	r.str = r.kind.String() + ":" + r.u.String()
	return r, nil
}

// Kind reports whether this Reference names a Host or a Process.
func (r Reference) Kind() ReferenceKind { return r.kind }

// String returns the canonical form used for equality, hashing, and
// pool keys: "<Kind>:<url>".
func (r Reference) String() string {
	if r.u == nil {
		return ""
	}
	return r.str
}

// IsZero reports whether r is the unset zero value.
func (r Reference) IsZero() bool { return r.u == nil }

// Equal compares by canonical string form.
func (r Reference) Equal(other Reference) bool { return r.String() == other.String() }

// Parent strips one path segment. Parent of a reference whose path is
// already the root ("/") is an error -- there is nothing further up.
func (r Reference) Parent() (Reference, error) {
	if r.u.Path == "/" {
		return Reference{}, fmt.Errorf("sup: %s has no parent", r)
	}
	dir := path.Dir(r.u.Path)
	u2 := *r.u
	u2.Path = dir
	out := Reference{kind: r.kind, u: &u2}
	out.str = out.kind.String() + ":" + out.u.String()
	return out, nil
}

// Child appends a single non-empty path segment containing no further
// path separators.
func (r Reference) Child(name string) (Reference, error) {
	if name == "" || strings.ContainsRune(name, '/') {
		return Reference{}, fmt.Errorf("sup: invalid child segment %q", name)
	}
	u2 := *r.u
	u2.Path = path.Join(r.u.Path, name)
	out := Reference{kind: r.kind, u: &u2}
	out.str = out.kind.String() + ":" + out.u.String()
	return out, nil
}

// Owns reports whether other's path lies under r's path, within the
// same authority and kind.
func (r Reference) Owns(other Reference) bool {
	if r.kind != other.kind || r.u.Host != other.u.Host || r.u.Scheme != other.u.Scheme {
		return false
	}
	if r.u.Path == "/" {
		return true
	}
	return other.u.Path == r.u.Path || strings.HasPrefix(other.u.Path, r.u.Path+"/")
}

// HostAuthority returns the URL authority (host) component, which names
// the runtime that owns this Reference regardless of whether the
// Reference itself names a Host or a Process.
func (r Reference) HostAuthority() string { return r.u.Host }

// IsLocalTo reports whether this (Process) Reference is hosted by the
// runtime identified by hostRef.
func (r Reference) IsLocalTo(hostRef Reference) bool {
	return r.u.Host == hostRef.u.Host
}

// ProcessRootOf derives the implicit root-guardian Process reference for
// a Host: same authority, path "/". Every top-level Spawn (one with no
// further Process ancestor) resolves its supervision escalation here.
func ProcessRootOf(hostRef Reference) (Reference, error) {
	if hostRef.kind != ReferenceKind_Host {
		return Reference{}, fmt.Errorf("sup: %s is not a host reference", hostRef)
	}
	raw := "proc://" + hostRef.u.Host + "/"
	return NewProcessReference(raw)
}
