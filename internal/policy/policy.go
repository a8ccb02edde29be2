// Package policy implements the Policy Engine (design doc Section 4.7):
// an internal role-to-permission mode, an external OPA-style HTTP mode,
// IP allow/deny lists, and versioned policy documents with atomic
// activation. Every Decider fails closed on error.
package policy

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"
)

// Request is everything a Decider needs to evaluate one call (design doc
// Section 3.7).
type Request struct {
	Principal  string
	Action     string
	Resource   string
	ClientIP   string
	Context    map[string]any
}

// Decision is a Decider's verdict. ReasonCode is always set, even on
// allow, so every decision is auditable.
type Decision struct {
	Allow      bool
	ReasonCode string
	PolicyRef  string
}

// Decider evaluates one authorization request. Implementations must fail
// closed: any internal error returns Allow: false rather than an error,
// the same fail-closed contract the retrieval pack's OPA adapter uses.
type Decider interface {
	Evaluate(ctx context.Context, req Request) Decision
}

func deny(reason, ref string) Decision {
	return Decision{Allow: false, ReasonCode: reason, PolicyRef: ref}
}

// Document is one versioned policy: a role-permission map plus IP
// allow/deny lists (design doc Section 3.7: "policy versioning with
// atomic activation").
type Document struct {
	Version     int                    `json:"version"`
	Roles       map[string]RoleGrant   `json:"roles"`
	AllowedIPs  []string               `json:"allowed_ips,omitempty"`
	DeniedIPs   []string               `json:"denied_ips,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// RoleGrant lists the resources and actions a role may touch, each
// optionally wildcarded with "*" (design doc Section 3.7).
type RoleGrant struct {
	Resources []string `json:"resources"`
	Actions   []string `json:"actions"`
}

func (g RoleGrant) allows(resource, action string) bool {
	return matchesAny(g.Resources, resource) && matchesAny(g.Actions, action)
}

var globCache sync.Map // pattern string -> glob.Glob

// compiledGlob returns a cached glob.Glob for pattern, compiling it on
// first use. Resource and action names use '.' as a qualifier separator
// (e.g. "search.run"), so patterns glob over it like a path segment.
func compiledGlob(pattern string) glob.Glob {
	if cached, ok := globCache.Load(pattern); ok {
		return cached.(glob.Glob)
	}
	g, err := glob.Compile(pattern, '.')
	if err != nil {
		// An unparsable pattern never matches, rather than panicking
		// the call path — fail closed like the rest of this package.
		g = glob.MustCompile("\x00unmatchable\x00")
	}
	globCache.Store(pattern, g)
	return g
}

func matchesAny(patterns []string, value string) bool {
	for _, p := range patterns {
		if p == "*" || p == value || compiledGlob(p).Match(value) {
			return true
		}
	}
	return false
}

// InternalDecider evaluates requests against an in-process role map,
// with an IP allow/deny list checked first (design doc Section 4.7).
// Active document swaps atomically so readers never see a half-updated
// policy (design doc Section 3.7 invariant).
type InternalDecider struct {
	active atomic.Pointer[Document]

	mu       sync.Mutex
	versions map[int]*Document
	nextVer  int
}

// NewInternalDecider builds a Decider with no active policy (fail-closed
// until Activate is called).
func NewInternalDecider() *InternalDecider {
	d := &InternalDecider{versions: make(map[int]*Document)}
	return d
}

// Propose stores a new policy document without activating it, returning
// its assigned version number.
func (d *InternalDecider) Propose(doc Document) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextVer++
	doc.Version = d.nextVer
	doc.CreatedAt = time.Now()
	d.versions[doc.Version] = &doc
	return doc.Version
}

// Activate atomically switches the live policy to the given version.
func (d *InternalDecider) Activate(version int) error {
	d.mu.Lock()
	doc, ok := d.versions[version]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("policy: unknown version %d", version)
	}
	d.active.Store(doc)
	return nil
}

// Versions lists every proposed version number, ascending.
func (d *InternalDecider) Versions() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]int, 0, len(d.versions))
	for v := 1; v <= d.nextVer; v++ {
		if _, ok := d.versions[v]; ok {
			out = append(out, v)
		}
	}
	return out
}

// ActiveVersion returns the currently active version, or 0 if none.
func (d *InternalDecider) ActiveVersion() int {
	doc := d.active.Load()
	if doc == nil {
		return 0
	}
	return doc.Version
}

func (d *InternalDecider) Evaluate(ctx context.Context, req Request) Decision {
	doc := d.active.Load()
	if doc == nil {
		return deny("DENY_NO_ACTIVE_POLICY", "")
	}
	ref := fmt.Sprintf("internal:v%d", doc.Version)

	if req.ClientIP != "" {
		if ipListed(doc.DeniedIPs, req.ClientIP) {
			return deny("DENY_IP_BLOCKED", ref)
		}
		if len(doc.AllowedIPs) > 0 && !ipListed(doc.AllowedIPs, req.ClientIP) {
			return deny("DENY_IP_NOT_ALLOWED", ref)
		}
	}

	grant, ok := doc.Roles[req.Principal]
	if !ok {
		return deny("DENY_UNKNOWN_PRINCIPAL", ref)
	}
	if !grant.allows(req.Resource, req.Action) {
		return deny("DENY_POLICY", ref)
	}
	return Decision{Allow: true, ReasonCode: "ALLOW", PolicyRef: ref}
}

func ipListed(list []string, ip string) bool {
	addr := net.ParseIP(ip)
	if addr == nil {
		return false
	}
	for _, entry := range list {
		if _, cidr, err := net.ParseCIDR(entry); err == nil {
			if cidr.Contains(addr) {
				return true
			}
			continue
		}
		if entry == ip {
			return true
		}
	}
	return false
}
