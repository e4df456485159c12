package admission

import (
	"context"
	"errors"
	"testing"
	"time"

	"classlink/internal/clock"
	"classlink/internal/geo"
	"classlink/internal/kvstore"
	"classlink/internal/ledger"
	"classlink/internal/roster"
	"classlink/internal/window"
)

var (
	schoolFence = geo.Fence{Center: geo.Point{Lat: 40.1792, Lon: 44.4991}, Radius: 200}
	onCampus    = geo.Point{Lat: 40.1792, Lon: 44.4991}
	offCampus   = geo.Point{Lat: 40.1892, Lon: 44.4991} // ~1.1 km north
)

func newController(t *testing.T, clk clock.Clock) (*Controller, *ledger.Ledger) {
	t.Helper()
	led, err := ledger.Load(context.Background(), kvstore.NewMemory(), clk)
	if err != nil {
		t.Fatalf("ledger.Load: %v", err)
	}
	return New(window.Default(), schoolFence, led, clk), led
}

func insideWindow() *clock.Fake {
	return clock.NewFake(time.Date(2025, 3, 10, 8, 30, 0, 0, time.UTC))
}

func student(id int64) roster.Student {
	return roster.Student{ID: id, Name: "Ani Petrosyan", Grade: "9", Classroom: "A"}
}

func TestSubmitOutsideWindow(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 3, 10, 9, 10, 0, 0, time.UTC))
	c, led := newController(t, clk)

	_, err := c.Submit(context.Background(), student(1), ledger.Present, &onCampus)
	if !errors.Is(err, ErrOutsideWindow) {
		t.Fatalf("err = %v, want ErrOutsideWindow", err)
	}
	if led.Len() != 0 {
		t.Errorf("ledger length = %d, want 0", led.Len())
	}
}

func TestSubmitTwiceFailsAlreadyMarked(t *testing.T) {
	c, led := newController(t, insideWindow())
	ctx := context.Background()

	if _, err := c.Submit(ctx, student(1), ledger.Present, &onCampus); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err := c.Submit(ctx, student(1), ledger.Present, &onCampus)
	if !errors.Is(err, ErrAlreadyMarked) {
		t.Fatalf("second submit err = %v, want ErrAlreadyMarked", err)
	}
	if led.Len() != 1 {
		t.Errorf("ledger length = %d, want 1", led.Len())
	}
}

func TestSubmitAbsentWhileAtSchoolRejected(t *testing.T) {
	c, led := newController(t, insideWindow())

	_, err := c.Submit(context.Background(), student(1), ledger.Absent, &onCampus)
	if !errors.Is(err, ErrInvalidLocationForStatus) {
		t.Fatalf("err = %v, want ErrInvalidLocationForStatus", err)
	}
	if led.Len() != 0 {
		t.Errorf("ledger length = %d, want 0", led.Len())
	}
}

func TestSubmitPresentOffCampusAllowed(t *testing.T) {
	// The trust asymmetry: present is accepted from anywhere.
	c, _ := newController(t, insideWindow())

	rec, err := c.Submit(context.Background(), student(1), ledger.Present, &offCampus)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if rec.Location.AtSchool == nil || *rec.Location.AtSchool {
		t.Errorf("record should carry atSchool=false, got %+v", rec.Location)
	}
	if rec.Location.DistanceFromSchool == nil || *rec.Location.DistanceFromSchool <= 200 {
		t.Errorf("distance = %v, want > 200m", rec.Location.DistanceFromSchool)
	}
}

func TestSubmitAbsentWithoutPositionAllowed(t *testing.T) {
	c, _ := newController(t, insideWindow())

	rec, err := c.Submit(context.Background(), student(1), ledger.Absent, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if rec.Location.Message == "" || rec.Location.Latitude != nil {
		t.Errorf("no-position submission should carry the unavailable marker, got %+v", rec.Location)
	}
	if rec.AutoMarked {
		t.Error("student submission must not be flagged autoMarked")
	}
}

func TestSubmitRecordSnapshot(t *testing.T) {
	c, _ := newController(t, insideWindow())

	rec, err := c.Submit(context.Background(), student(7), ledger.Present, &onCampus)
	if err != nil {
		t.Fatal(err)
	}
	if rec.StudentName != "Ani Petrosyan" || rec.Grade != "9" || rec.Classroom != "A" {
		t.Errorf("snapshot fields not copied: %+v", rec)
	}
	if rec.Date != "2025-03-10" {
		t.Errorf("date = %s", rec.Date)
	}
	if rec.ID == "" {
		t.Error("record should get an id")
	}
}

func TestSubmitBadStatus(t *testing.T) {
	c, _ := newController(t, insideWindow())
	if _, err := c.Submit(context.Background(), student(1), ledger.Status("late"), nil); !errors.Is(err, ErrBadStatus) {
		t.Errorf("err = %v, want ErrBadStatus", err)
	}
}

func TestCanSubmit(t *testing.T) {
	clk := insideWindow()
	c, _ := newController(t, clk)
	ctx := context.Background()

	if !c.CanSubmit(1) {
		t.Error("unmarked student inside window should be able to submit")
	}
	if _, err := c.Submit(ctx, student(1), ledger.Present, nil); err != nil {
		t.Fatal(err)
	}
	if c.CanSubmit(1) {
		t.Error("marked student should not be able to submit")
	}

	clk.Set(time.Date(2025, 3, 10, 9, 1, 0, 0, time.UTC))
	if c.CanSubmit(2) {
		t.Error("nobody can submit outside the window")
	}
}

func TestAffordances(t *testing.T) {
	clk := insideWindow()
	c, _ := newController(t, clk)
	ctx := context.Background()

	// Position unknown or still pending: both buttons enabled.
	a := c.Affordances(1, nil)
	if !a.PresentEnabled || !a.AbsentEnabled || a.AtSchool {
		t.Errorf("pending position: %+v", a)
	}

	// Confirmed on campus: absent disabled.
	a = c.Affordances(1, &onCampus)
	if !a.PresentEnabled || a.AbsentEnabled || !a.AtSchool {
		t.Errorf("on campus: %+v", a)
	}

	// Off campus: both enabled, distance reported.
	a = c.Affordances(1, &offCampus)
	if !a.PresentEnabled || !a.AbsentEnabled || a.AtSchool || a.DistanceMeters == nil {
		t.Errorf("off campus: %+v", a)
	}

	// Already marked.
	if _, err := c.Submit(ctx, student(1), ledger.Present, nil); err != nil {
		t.Fatal(err)
	}
	a = c.Affordances(1, &onCampus)
	if a.PresentEnabled || a.AbsentEnabled || !a.Marked {
		t.Errorf("marked: %+v", a)
	}

	// Window expired.
	clk.Set(time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC))
	a = c.Affordances(2, &onCampus)
	if a.PresentEnabled || a.AbsentEnabled || !a.Expired {
		t.Errorf("expired: %+v", a)
	}
}
