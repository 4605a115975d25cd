// Package health composes the gateway's local health verdict. Checks here
// are synchronous and never touch the network: the local health path must
// answer fast regardless of upstream state. Upstream health is a plain
// forwarded route, not something this package aggregates.
package health

import (
	"time"
)

// Record is one component's health at the moment of the check. Records are
// produced fresh per request and never cached, so the verdict cannot report
// stale state.
type Record struct {
	Component string    `json:"component"`
	OK        bool      `json:"ok"`
	Detail    string    `json:"detail,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Verdict aggregates component records. OK is the logical AND of all
// components; a failing component always appears with a detail reason,
// never silently omitted.
type Verdict struct {
	OK         bool     `json:"ok"`
	Components []Record `json:"components"`
}

// CheckFunc reports one component. Implementations must not perform network
// I/O or block.
type CheckFunc func() (ok bool, detail string)

type namedCheck struct {
	component string
	fn        CheckFunc
}

// Checker runs the registered component checks. Registration happens at
// startup only; Check is safe for concurrent use afterwards.
type Checker struct {
	checks []namedCheck
}

func NewChecker() *Checker {
	return &Checker{}
}

// Register adds a component check. A nil fn is recorded as a failing
// component rather than dropped, so a wiring mistake shows up in the
// verdict instead of disappearing from it.
func (c *Checker) Register(component string, fn CheckFunc) {
	c.checks = append(c.checks, namedCheck{component: component, fn: fn})
}

// Check produces a fresh verdict.
func (c *Checker) Check() Verdict {
	v := Verdict{OK: true, Components: make([]Record, 0, len(c.checks))}
	for _, nc := range c.checks {
		rec := Record{Component: nc.component, CheckedAt: time.Now().UTC()}
		if nc.fn == nil {
			rec.OK = false
			rec.Detail = "check not initialized"
		} else {
			rec.OK, rec.Detail = nc.fn()
		}
		if !rec.OK {
			v.OK = false
		}
		v.Components = append(v.Components, rec)
	}
	return v
}
