// Package pip keeps the picture-in-picture role assignment and the
// normalized inset rectangle.
package pip

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pipcam/pipcam/pkg/media"
)

type Role uint8

const (
	None Role = iota
	FullScreen
	PictureInPicture
)

func (r Role) String() string {
	switch r {
	case FullScreen:
		return "fullscreen"
	case PictureInPicture:
		return "pip"
	}
	return "none"
}

// Assignment is an immutable snapshot of who is full-screen.
type Assignment struct {
	Full    media.SourceID
	Version uint64
}

// Inset is the camera drawn as the picture-in-picture.
func (a Assignment) Inset() media.SourceID {
	if a.Full == media.PrimarySensor {
		return media.SecondarySensor
	}
	return media.PrimarySensor
}

// RoleOf classifies a camera. Anything but the two cameras has no role.
func (a Assignment) RoleOf(src media.SourceID) Role {
	switch {
	case !src.IsCamera():
		return None
	case src == a.Full:
		return FullScreen
	default:
		return PictureInPicture
	}
}

func (a Assignment) String() string {
	return fmt.Sprintf("v%d full=%v pip=%v", a.Version, a.Full, a.Inset())
}

// Rect is a normalized rectangle, all values within 0..1.
type Rect struct {
	X, Y, W, H float64
}

func (r Rect) Valid() bool {
	return r.X >= 0 && r.Y >= 0 && r.W > 0 && r.H > 0 && r.X+r.W <= 1 && r.Y+r.H <= 1
}

// Geometry is where the inset goes inside the full-screen frame.
// It doesn't depend on which physical camera is full-screen.
type Geometry struct {
	Rect
	Version uint64
}

// State owns the role assignment and geometry.
// Writers are serialized by the configuration context, readers take
// snapshots with Load.
type State struct {
	mu       sync.Mutex
	roles    atomic.Pointer[Assignment]
	geometry atomic.Pointer[Geometry]
	layout   Rect
}

func NewState(full media.SourceID, layout Rect) (*State, error) {
	if !full.IsCamera() {
		return nil, fmt.Errorf("pip: %v can't be full-screen", full)
	}
	if !layout.Valid() {
		return nil, fmt.Errorf("pip: bad layout %+v", layout)
	}
	s := State{layout: layout}
	s.roles.Store(&Assignment{Full: full, Version: 1})
	s.geometry.Store(&Geometry{Rect: layout, Version: 1})
	return &s, nil
}

// Load returns the current role snapshot.
func (s *State) Load() Assignment { return *s.roles.Load() }

// Geometry returns the current inset rectangle snapshot.
func (s *State) Geometry() Geometry { return *s.geometry.Load() }

// Toggle swaps the roles in one step and recomputes the geometry.
func (s *State) Toggle() Assignment {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.roles.Load()
	next := Assignment{Full: cur.Inset(), Version: cur.Version + 1}
	s.roles.Store(&next)
	s.recompute()
	return next
}

// SetLayout replaces the inset rectangle.
func (s *State) SetLayout(r Rect) error {
	if !r.Valid() {
		return fmt.Errorf("pip: bad layout %+v", r)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.layout = r
	s.recompute()
	return nil
}

func (s *State) recompute() {
	g := s.geometry.Load()
	s.geometry.Store(&Geometry{Rect: s.layout, Version: g.Version + 1})
}
