package schemas

import (
	"fmt"
	"strings"
	"time"
)

// -- Page Snapshot Schemas --

// Rect is an element bounding box in CSS pixels, relative to the viewport.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Center returns the midpoint of the box.
func (r Rect) Center() (float64, float64) {
	return r.X + r.Width/2, r.Y + r.Height/2
}

// Empty reports whether the box has no area.
func (r Rect) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// Viewport is the layout viewport size at capture time.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// InteractiveElement is one clickable or typeable node captured by an observation.
// Index is only meaningful against the snapshot that produced it.
type InteractiveElement struct {
	Index      int               `json:"index"`
	Tag        string            `json:"tag"`
	Role       string            `json:"role,omitempty"`
	Text       string            `json:"text,omitempty"`
	Bounds     Rect              `json:"bounds"`
	Enabled    bool              `json:"enabled"`
	Visible    bool              `json:"visible"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// String renders the element the way it is presented to a planner, e.g. `[3]<button>Sign in</button>`.
func (e InteractiveElement) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d]<%s", e.Index, e.Tag)
	if e.Role != "" && e.Role != e.Tag {
		fmt.Fprintf(&b, " role=%q", e.Role)
	}
	for _, key := range []string{"type", "name", "placeholder", "href"} {
		if v, ok := e.Attributes[key]; ok && v != "" {
			fmt.Fprintf(&b, " %s=%q", key, v)
		}
	}
	fmt.Fprintf(&b, ">%s</%s>", e.Text, e.Tag)
	return b.String()
}

// PageSnapshot is one point-in-time capture of page state. Snapshots are never
// mutated after Observe returns them; the next observation supersedes them.
type PageSnapshot struct {
	ID         string               `json:"id"`
	URL        string               `json:"url"`
	Title      string               `json:"title"`
	Elements   []InteractiveElement `json:"elements"`
	Viewport   Viewport             `json:"viewport"`
	Screenshot []byte               `json:"screenshot,omitempty"`
	// Overlay is a copy of Screenshot with element boxes and index labels drawn on it.
	Overlay    []byte    `json:"overlay,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
	// PartiallyLoaded is a warning, set when the page never reached a stable
	// state within the observation bound. The snapshot is still usable.
	PartiallyLoaded bool `json:"partially_loaded,omitempty"`
}

// Element resolves an index against this snapshot.
func (s *PageSnapshot) Element(index int) (InteractiveElement, bool) {
	if s == nil || index < 0 || index >= len(s.Elements) {
		return InteractiveElement{}, false
	}
	return s.Elements[index], true
}

// Warnings lists the soft warning kinds attached to the snapshot.
func (s *PageSnapshot) Warnings() []ErrorKind {
	if s == nil || !s.PartiallyLoaded {
		return nil
	}
	return []ErrorKind{ErrKindPartiallyLoaded}
}

// Describe renders the snapshot as the text block handed to a decision-maker.
func (s *PageSnapshot) Describe() string {
	if s == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "URL: %s\nTitle: %s\n", s.URL, s.Title)
	for _, w := range s.Warnings() {
		fmt.Fprintf(&b, "Warning (%s): %s\n", w, warningText[w])
	}
	if len(s.Elements) == 0 {
		b.WriteString("No interactive elements.\n")
		return b.String()
	}
	b.WriteString("Interactive elements:\n")
	for _, el := range s.Elements {
		b.WriteString(el.String())
		b.WriteByte('\n')
	}
	return b.String()
}

var warningText = map[ErrorKind]string{
	ErrKindPartiallyLoaded: "page had not finished loading when observed.",
}
