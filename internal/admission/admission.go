// Package admission decides whether a student may record presence or absence
// right now, and validates submissions against the marking window, the school
// geofence and the existing ledger state. Per (student, day) the state
// machine is Unmarked -> {Present, Absent} and terminal: once any record
// exists for the day, including one planted by the auto-absence sweep, no
// further submission is accepted.
package admission

import (
	"context"
	"errors"
	"math"

	"github.com/google/uuid"

	"classlink/internal/clock"
	"classlink/internal/geo"
	"classlink/internal/ledger"
	"classlink/internal/metrics"
	"classlink/internal/roster"
	"classlink/internal/window"
)

// Admission errors, all user-recoverable.
var (
	ErrOutsideWindow            = errors.New("admission: outside the marking window")
	ErrAlreadyMarked            = errors.New("admission: attendance already marked today")
	ErrInvalidLocationForStatus = errors.New("admission: cannot mark absent while at school")
	ErrBadStatus                = errors.New("admission: unknown status")
)

// Controller validates and records attendance submissions.
type Controller struct {
	win   window.Policy
	fence geo.Fence
	led   *ledger.Ledger
	clk   clock.Clock
}

// New creates a controller.
func New(win window.Policy, fence geo.Fence, led *ledger.Ledger, clk clock.Clock) *Controller {
	return &Controller{win: win, fence: fence, led: led, clk: clk}
}

// CanSubmit reports whether the student is still unmarked today and inside
// the window. Derived state only; Submit re-validates.
func (c *Controller) CanSubmit(studentID int64) bool {
	now := c.clk.Now()
	if !c.win.IsWithin(now) {
		return false
	}
	return !c.led.Has(studentID, window.DateKey(now))
}

// Submit records the student's status for today. pos is the resolved device
// position, or nil when the lookup is pending, failed or was never made; nil
// counts as "not at school". Reporting present with no or an off-campus
// position is allowed; the system trusts self-report for present.
func (c *Controller) Submit(ctx context.Context, st roster.Student, status ledger.Status, pos *geo.Point) (ledger.Record, error) {
	if !status.Valid() {
		return ledger.Record{}, ErrBadStatus
	}

	now := c.clk.Now()
	if !c.win.IsWithin(now) {
		metrics.Rejections.WithLabelValues("outside_window").Inc()
		return ledger.Record{}, ErrOutsideWindow
	}

	date := window.DateKey(now)
	if c.led.Has(st.ID, date) {
		metrics.Rejections.WithLabelValues("already_marked").Inc()
		return ledger.Record{}, ErrAlreadyMarked
	}

	atSchool := pos != nil && c.fence.Contains(*pos)
	if status == ledger.Absent && atSchool {
		metrics.Rejections.WithLabelValues("invalid_location").Inc()
		return ledger.Record{}, ErrInvalidLocationForStatus
	}

	rec := ledger.Record{
		ID:          uuid.NewString(),
		StudentID:   st.ID,
		StudentName: st.Name,
		Grade:       st.Grade,
		Classroom:   st.Classroom,
		Date:        date,
		Status:      status,
		Timestamp:   now,
		Location:    c.locationDetail(pos, atSchool),
	}

	// Append re-checks uniqueness under the ledger lock; the sweep may have
	// fired between the check above and here.
	if err := c.led.Append(ctx, rec); err != nil {
		if errors.Is(err, ledger.ErrDuplicate) {
			metrics.Rejections.WithLabelValues("already_marked").Inc()
			return ledger.Record{}, ErrAlreadyMarked
		}
		return ledger.Record{}, err
	}
	metrics.Submissions.WithLabelValues(string(status)).Inc()
	return rec, nil
}

func (c *Controller) locationDetail(pos *geo.Point, atSchool bool) ledger.Location {
	if pos == nil {
		return ledger.Unavailable()
	}
	dist := int(math.Round(c.fence.DistanceTo(*pos)))
	at := atSchool
	return ledger.Location{
		Latitude:           &pos.Lat,
		Longitude:          &pos.Lon,
		DistanceFromSchool: &dist,
		AtSchool:           &at,
	}
}

// Affordances is the derived button state shown to a student. It is never
// stored.
type Affordances struct {
	PresentEnabled bool `json:"presentEnabled"`
	AbsentEnabled  bool `json:"absentEnabled"`
	Expired        bool `json:"expired"`
	Marked         bool `json:"marked"`
	AtSchool       bool `json:"atSchool"`
	DistanceMeters *int `json:"distanceMeters,omitempty"`
}

// Affordances computes the button state for a student given the currently
// resolved position (nil while pending or unavailable, which enables both
// buttons with a warning on the client side).
func (c *Controller) Affordances(studentID int64, pos *geo.Point) Affordances {
	now := c.clk.Now()
	if !c.win.IsWithin(now) {
		return Affordances{Expired: true}
	}
	if c.led.Has(studentID, window.DateKey(now)) {
		return Affordances{Marked: true}
	}

	a := Affordances{PresentEnabled: true, AbsentEnabled: true}
	if pos != nil {
		dist := int(math.Round(c.fence.DistanceTo(*pos)))
		a.DistanceMeters = &dist
		if c.fence.Contains(*pos) {
			a.AtSchool = true
			a.AbsentEnabled = false
		}
	}
	return a
}
