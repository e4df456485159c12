package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"classlink/internal/clock"
	"classlink/internal/kvstore"
)

func newTestLedger(t *testing.T) (*Ledger, *kvstore.Memory) {
	t.Helper()
	kv := kvstore.NewMemory()
	clk := clock.NewFake(time.Date(2025, 3, 10, 8, 30, 0, 0, time.UTC))
	l, err := Load(context.Background(), kv, clk)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return l, kv
}

func rec(studentID int64, date string, status Status) Record {
	return Record{
		ID:          "r",
		StudentID:   studentID,
		StudentName: "Test Student",
		Grade:       "9",
		Classroom:   "A",
		Date:        date,
		Status:      status,
		Timestamp:   time.Date(2025, 3, 10, 8, 30, 0, 0, time.UTC),
	}
}

func TestAppendEnforcesUniqueness(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	if err := l.Append(ctx, rec(1, "2025-03-10", Present)); err != nil {
		t.Fatalf("first Append: %v", err)
	}
	err := l.Append(ctx, rec(1, "2025-03-10", Absent))
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second Append err = %v, want ErrDuplicate", err)
	}
	if l.Len() != 1 {
		t.Errorf("ledger length = %d after duplicate, want 1", l.Len())
	}

	// Same student on another day is fine.
	if err := l.Append(ctx, rec(1, "2025-03-11", Absent)); err != nil {
		t.Errorf("Append other day: %v", err)
	}
}

func TestAppendPersists(t *testing.T) {
	l, kv := newTestLedger(t)
	ctx := context.Background()

	if err := l.Append(ctx, rec(1, "2025-03-10", Present)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	var stored []Record
	if err := kvstore.GetJSON(ctx, kv, kvstore.KeyAttendance, &stored); err != nil {
		t.Fatalf("stored document: %v", err)
	}
	if len(stored) != 1 || stored[0].StudentID != 1 {
		t.Errorf("stored = %+v", stored)
	}
}

func TestAppendBatchSkipsExisting(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	if err := l.Append(ctx, rec(1, "2025-03-10", Present)); err != nil {
		t.Fatal(err)
	}
	added, err := l.AppendBatch(ctx, []Record{
		rec(1, "2025-03-10", Absent), // duplicate, skipped
		rec(2, "2025-03-10", Absent),
		rec(3, "2025-03-10", Absent),
	})
	if err != nil {
		t.Fatalf("AppendBatch: %v", err)
	}
	if added != 2 || l.Len() != 3 {
		t.Errorf("added = %d, len = %d; want 2 and 3", added, l.Len())
	}
}

func TestQueries(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	r1 := rec(1, "2025-03-09", Present)
	r2 := rec(1, "2025-03-10", Absent)
	r3 := rec(2, "2025-03-10", Present)
	r3.Classroom = "B"
	for _, r := range []Record{r1, r2, r3} {
		if err := l.Append(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	hist := l.ByStudent(1)
	if len(hist) != 2 || hist[0].Date != "2025-03-10" {
		t.Errorf("ByStudent = %+v, want newest first", hist)
	}

	if got := l.ByDate("2025-03-10"); len(got) != 2 {
		t.Errorf("ByDate returned %d records, want 2", len(got))
	}

	if got := l.ByClass("9", "A", "2025-03-10"); len(got) != 1 || got[0].StudentID != 1 {
		t.Errorf("ByClass = %+v", got)
	}

	marked := l.MarkedOn("2025-03-10")
	if !marked[1] || !marked[2] || marked[3] {
		t.Errorf("MarkedOn = %v", marked)
	}
}

func TestRate(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	for _, r := range []Record{
		rec(1, "2025-03-08", Present),
		rec(1, "2025-03-09", Present),
		rec(1, "2025-03-10", Absent),
	} {
		if err := l.Append(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	present, total, percent := l.Rate(1)
	if present != 2 || total != 3 || percent != 67 {
		t.Errorf("Rate = %d/%d %d%%", present, total, percent)
	}
}

func TestDeleteByStudentCascade(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	for _, r := range []Record{
		rec(1, "2025-03-09", Present),
		rec(1, "2025-03-10", Absent),
		rec(2, "2025-03-10", Present),
	} {
		if err := l.Append(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.DeleteByStudent(ctx, 1); err != nil {
		t.Fatalf("DeleteByStudent: %v", err)
	}
	if l.Len() != 1 || len(l.ByStudent(1)) != 0 {
		t.Errorf("cascade left %d records, student 1 has %d", l.Len(), len(l.ByStudent(1)))
	}
}
