// Package schemas holds the shared data model and collaborator interfaces
// used across the action execution core. Components communicate exclusively
// through these types, which keeps every internal package decoupled and
// testable in isolation.
package schemas

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"time"
)

// ActionType identifies a logical automation action.
type ActionType string

const (
	ActionNavigate   ActionType = "navigate"
	ActionClick      ActionType = "click"
	ActionTypeText   ActionType = "type"
	ActionScroll     ActionType = "scroll"
	ActionEvaluate   ActionType = "evaluate"
	ActionScreenshot ActionType = "screenshot"
	ActionWait       ActionType = "wait"
)

// IsReadOnly reports whether the action observes the page without mutating it.
// The policy gate's readonly safety level keys off this.
func (a ActionType) IsReadOnly() bool {
	switch a {
	case ActionScreenshot, ActionWait, ActionScroll:
		return true
	}
	return false
}

// Point is a coordinate pair in CSS pixels, relative to the viewport origin.
type Point struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// BoundingBox describes an element's on-screen rectangle.
type BoundingBox struct {
	X      float64 `json:"x" yaml:"x"`
	Y      float64 `json:"y" yaml:"y"`
	Width  float64 `json:"width" yaml:"width"`
	Height float64 `json:"height" yaml:"height"`
}

// Center returns the midpoint of the box.
func (b BoundingBox) Center() Point {
	return Point{X: b.X + b.Width/2, Y: b.Y + b.Height/2}
}

// Area returns the box surface in square pixels.
func (b BoundingBox) Area() float64 {
	return b.Width * b.Height
}

// Contains reports whether the point falls inside the box.
func (b BoundingBox) Contains(p Point) bool {
	return p.X >= b.X && p.X <= b.X+b.Width && p.Y >= b.Y && p.Y <= b.Y+b.Height
}

// TargetDescriptor is a logical, possibly ambiguous description of a UI
// element. Exactly one locating hint should dominate: a CSS selector, a
// stable element reference, visible text (optionally narrowed by role), or
// raw coordinates. Descriptors are treated as immutable values.
type TargetDescriptor struct {
	Selector    string `json:"selector,omitempty" yaml:"selector,omitempty"`
	Ref         string `json:"ref,omitempty" yaml:"ref,omitempty"`
	Text        string `json:"text,omitempty" yaml:"text,omitempty"`
	Role        string `json:"role,omitempty" yaml:"role,omitempty"`
	Coordinates *Point `json:"coordinates,omitempty" yaml:"coordinates,omitempty"`
}

// IsZero reports whether the descriptor carries no locating hint at all.
func (d TargetDescriptor) IsZero() bool {
	return d.Selector == "" && d.Ref == "" && d.Text == "" && d.Role == "" && d.Coordinates == nil
}

// Fingerprint returns a stable cache key for the descriptor's content.
func (d TargetDescriptor) Fingerprint() string {
	h := fnv.New64a()
	h.Write([]byte(d.Selector))
	h.Write([]byte{0})
	h.Write([]byte(d.Ref))
	h.Write([]byte{0})
	h.Write([]byte(d.Text))
	h.Write([]byte{0})
	h.Write([]byte(d.Role))
	if d.Coordinates != nil {
		h.Write([]byte{0})
		h.Write([]byte(strconv.FormatFloat(d.Coordinates.X, 'f', 1, 64)))
		h.Write([]byte{0})
		h.Write([]byte(strconv.FormatFloat(d.Coordinates.Y, 'f', 1, 64)))
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

// String renders the dominant hint for logs.
func (d TargetDescriptor) String() string {
	switch {
	case d.Selector != "":
		return "selector=" + d.Selector
	case d.Ref != "":
		return "ref=" + d.Ref
	case d.Text != "":
		if d.Role != "" {
			return fmt.Sprintf("text=%q role=%s", d.Text, d.Role)
		}
		return fmt.Sprintf("text=%q", d.Text)
	case d.Coordinates != nil:
		return fmt.Sprintf("coords=(%.0f,%.0f)", d.Coordinates.X, d.Coordinates.Y)
	}
	return "<empty>"
}

// ActionRequest is one queued automation step. Immutable once created.
type ActionRequest struct {
	Type    ActionType        `json:"type" yaml:"type"`
	Target  *TargetDescriptor `json:"target,omitempty" yaml:"target,omitempty"`
	URL     string            `json:"url,omitempty" yaml:"url,omitempty"`
	Text    string            `json:"text,omitempty" yaml:"text,omitempty"`
	Script  string            `json:"script,omitempty" yaml:"script,omitempty"`
	DeltaX  float64           `json:"delta_x,omitempty" yaml:"delta_x,omitempty"`
	DeltaY  float64           `json:"delta_y,omitempty" yaml:"delta_y,omitempty"`
	Timeout time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// ResolutionStrategy names how a target resolution was produced.
type ResolutionStrategy string

const (
	StrategyCached ResolutionStrategy = "cached"
	StrategyExact  ResolutionStrategy = "exact"
	StrategyFuzzy  ResolutionStrategy = "fuzzy"
)

// ResolutionSource distinguishes fresh lookups from cache hits.
type ResolutionSource string

const (
	SourceFresh  ResolutionSource = "fresh"
	SourceCached ResolutionSource = "cached"
)

// TargetResolution is the resolver's output: concrete coordinates plus the
// provenance of the match. Never mutated after creation; a re-resolve
// supersedes it with a new value.
type TargetResolution struct {
	Strategy   ResolutionStrategy `json:"strategy"`
	Box        BoundingBox        `json:"box"`
	Confidence float64            `json:"confidence"`
	ResolvedAt time.Time          `json:"resolved_at"`
	Source     ResolutionSource   `json:"source"`
}

// ActionContext carries everything the policy gate needs to judge an
// intended action. Built by the caller immediately before the check.
type ActionContext struct {
	SessionID string
	Action    ActionType
	URL       string
	Content   string
	Target    *Point
}

// PolicyDecision is the gate's verdict. Denials are results, not errors;
// callers must check Allowed explicitly.
type PolicyDecision struct {
	Allowed              bool
	Reason               string
	MatchedPolicyID      string
	RequiresConfirmation bool
	Delay                time.Duration
}

// Element is a candidate DOM/visual element surfaced by the query
// collaborator, carrying just enough for fuzzy matching.
type Element struct {
	Ref     string      `json:"ref"`
	Box     BoundingBox `json:"box"`
	Text    string      `json:"text"`
	Label   string      `json:"label"`
	Role    string      `json:"role"`
	Visible bool        `json:"visible"`
}
