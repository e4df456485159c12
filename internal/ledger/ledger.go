// Package ledger holds the append-only attendance record collection. The
// central invariant is at most one record per (studentId, date); Append
// enforces it atomically so a user submission and the auto-absence sweep can
// never both land for the same student and day.
package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"classlink/internal/clock"
	"classlink/internal/kvstore"
)

// Status of an attendance record.
type Status string

const (
	Present Status = "present"
	Absent  Status = "absent"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool { return s == Present || s == Absent }

// ErrDuplicate is returned by Append when a record already exists for the
// same (studentId, date) pair.
var ErrDuplicate = errors.New("ledger: record already exists for student and date")

// Location is the optional position payload on a record: either measured
// coordinates with the distance from school, or only a message explaining why
// no position is attached.
type Location struct {
	Latitude           *float64 `json:"latitude,omitempty"`
	Longitude          *float64 `json:"longitude,omitempty"`
	DistanceFromSchool *int     `json:"distanceFromSchool,omitempty"`
	AtSchool           *bool    `json:"atSchool,omitempty"`
	Message            string   `json:"message,omitempty"`
}

// Unavailable is the payload for submissions with no resolved position.
func Unavailable() Location {
	return Location{Message: "Location not available"}
}

// AutoMarked is the payload for reconciler-generated absences.
func AutoMarked() Location {
	return Location{Message: "Automatically marked absent - no attendance submitted within time window"}
}

// Record is one attendance entry. Name, grade and classroom are denormalized
// snapshots taken at submission time; records are immutable after creation.
type Record struct {
	ID          string    `json:"id"`
	StudentID   int64     `json:"studentId"`
	StudentName string    `json:"studentName"`
	Grade       string    `json:"grade"`
	Classroom   string    `json:"classroom"`
	Date        string    `json:"date"` // calendar day key, YYYY-MM-DD
	Status      Status    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	AutoMarked  bool      `json:"autoMarked"`
	Location    Location  `json:"location"`
}

// Ledger is the in-memory collection, insertion-order preserved, written
// through to the key-value store after every mutation.
type Ledger struct {
	mu      sync.RWMutex
	kv      kvstore.Store
	clk     clock.Clock
	records []Record
}

// Load reads the persisted ledger. A missing document is an empty ledger.
func Load(ctx context.Context, kv kvstore.Store, clk clock.Clock) (*Ledger, error) {
	l := &Ledger{kv: kv, clk: clk}
	if err := kvstore.GetJSON(ctx, kv, kvstore.KeyAttendance, &l.records); err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		return nil, err
	}
	return l, nil
}

// Has reports whether a record exists for (studentID, date).
func (l *Ledger) Has(studentID int64, date string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.has(studentID, date)
}

func (l *Ledger) has(studentID int64, date string) bool {
	for _, r := range l.records {
		if r.StudentID == studentID && r.Date == date {
			return true
		}
	}
	return false
}

// Append adds a record after re-checking uniqueness under the lock, then
// persists. The check and the append are atomic with respect to any other
// writer, including the auto-absence sweep.
func (l *Ledger) Append(ctx context.Context, r Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.has(r.StudentID, r.Date) {
		return ErrDuplicate
	}
	l.records = append(l.records, r)
	return l.save(ctx)
}

// AppendBatch adds records whose (studentId, date) is still free and persists
// once for the whole batch. Returns how many were added. Used by the
// reconciler and by imports.
func (l *Ledger) AppendBatch(ctx context.Context, recs []Record) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	added := 0
	for _, r := range recs {
		if l.has(r.StudentID, r.Date) {
			continue
		}
		l.records = append(l.records, r)
		added++
	}
	if added == 0 {
		return 0, nil
	}
	return added, l.save(ctx)
}

// All returns the full ledger in insertion order.
func (l *Ledger) All() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

// ByStudent returns a student's records, newest date first.
func (l *Ledger) ByStudent(studentID int64) []Record {
	l.mu.RLock()
	var out []Record
	for _, r := range l.records {
		if r.StudentID == studentID {
			out = append(out, r)
		}
	}
	l.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	return out
}

// ByDate returns all records for one calendar day.
func (l *Ledger) ByDate(date string) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Record
	for _, r := range l.records {
		if r.Date == date {
			out = append(out, r)
		}
	}
	return out
}

// ByClass returns the records of one grade+classroom on one day.
func (l *Ledger) ByClass(grade, classroom, date string) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Record
	for _, r := range l.records {
		if r.Grade == grade && r.Classroom == classroom && r.Date == date {
			out = append(out, r)
		}
	}
	return out
}

// MarkedOn returns the set of student IDs that already have a record for the
// given day. The reconciler subtracts this from the roster.
func (l *Ledger) MarkedOn(date string) map[int64]bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	marked := make(map[int64]bool)
	for _, r := range l.records {
		if r.Date == date {
			marked[r.StudentID] = true
		}
	}
	return marked
}

// Rate returns a student's present count, total count and attendance
// percentage (rounded).
func (l *Ledger) Rate(studentID int64) (present, total, percent int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, r := range l.records {
		if r.StudentID != studentID {
			continue
		}
		total++
		if r.Status == Present {
			present++
		}
	}
	if total > 0 {
		percent = int(float64(present)/float64(total)*100 + 0.5)
	}
	return present, total, percent
}

// DeleteByStudent removes all of a student's records (cascade on account
// deletion) and persists.
func (l *Ledger) DeleteByStudent(ctx context.Context, studentID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.records[:0]
	for _, r := range l.records {
		if r.StudentID != studentID {
			kept = append(kept, r)
		}
	}
	l.records = kept
	return l.save(ctx)
}

// Reset clears the ledger and its document.
func (l *Ledger) Reset(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = nil
	return l.save(ctx)
}

// Len returns the number of records.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

func (l *Ledger) save(ctx context.Context) error {
	return kvstore.SaveWithBackup(ctx, l.kv, kvstore.KeyAttendance, l.records,
		len(l.records), kvstore.AttendanceBackupEvery, l.clk.Now())
}
