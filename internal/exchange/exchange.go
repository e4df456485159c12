// Package exchange handles the JSON backup bundle and the CSV reports. The
// report headers and status labels keep the Armenian wording the school's
// staff exports are built around.
package exchange

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"time"

	"classlink/internal/clock"
	"classlink/internal/ledger"
	"classlink/internal/roster"
)

// BundleVersion is written into every export.
const BundleVersion = "1.0"

// ErrBadBundle rejects a malformed import wholesale; nothing is merged.
var ErrBadBundle = errors.New("exchange: malformed import bundle")

// Bundle is the full-data export format.
type Bundle struct {
	Students   []roster.Student `json:"students"`
	Teachers   []roster.Teacher `json:"teachers"`
	Attendance []ledger.Record  `json:"attendance"`
	ExportDate time.Time        `json:"exportDate"`
	Version    string           `json:"version"`
}

// Export builds a bundle from the current collections.
func Export(ros *roster.Store, led *ledger.Ledger, clk clock.Clock) Bundle {
	return Bundle{
		Students:   ros.Students(),
		Teachers:   ros.Teachers(),
		Attendance: led.All(),
		ExportDate: clk.Now(),
		Version:    BundleVersion,
	}
}

// ExportJSON renders the bundle the way the download file looks: indented.
func ExportJSON(ros *roster.Store, led *ledger.Ledger, clk clock.Clock) ([]byte, error) {
	return json.MarshalIndent(Export(ros, led, clk), "", "  ")
}

// Result reports what an import actually merged.
type Result struct {
	StudentsAdded int `json:"studentsAdded"`
	TeachersAdded int `json:"teachersAdded"`
	RecordsAdded  int `json:"recordsAdded"`
}

// Import merges a bundle: students and teachers whose username already exists
// are skipped, as are attendance records whose (studentId, date) pair is
// already present. A payload missing any of the three collections is rejected
// with ErrBadBundle and nothing is merged.
func Import(ctx context.Context, data []byte, ros *roster.Store, led *ledger.Ledger) (Result, error) {
	var raw struct {
		Students   *[]roster.Student `json:"students"`
		Teachers   *[]roster.Teacher `json:"teachers"`
		Attendance *[]ledger.Record  `json:"attendance"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Result{}, ErrBadBundle
	}
	if raw.Students == nil || raw.Teachers == nil || raw.Attendance == nil {
		return Result{}, ErrBadBundle
	}

	var res Result
	var err error
	if res.StudentsAdded, err = ros.MergeStudents(ctx, *raw.Students); err != nil {
		return res, err
	}
	if res.TeachersAdded, err = ros.MergeTeachers(ctx, *raw.Teachers); err != nil {
		return res, err
	}
	if res.RecordsAdded, err = led.AppendBatch(ctx, *raw.Attendance); err != nil {
		return res, err
	}
	return res, nil
}

// Report column headers, localized.
var (
	attendanceHeader = []string{"Ամսաթիվ", "Աշակերտի անուն", "Դասարան", "Դասասենյակ", "Կարգավիճակ", "Ժամ"}
	studentsHeader   = []string{"Անուն", "Օգտատիրոջ անուն", "Դասարան", "Դասասենյակ", "Գրանցման ամսաթիվ"}
	teachersHeader   = []string{"Անուն", "Օգտատիրոջ անուն", "Առարկա", "Գրանցման ամսաթիվ"}
)

func statusLabel(s ledger.Status) string {
	if s == ledger.Present {
		return "Ներկա"
	}
	return "Բացակա"
}

// registrationDate recovers the registration day from a timestamp ID.
func registrationDate(id int64) string {
	return time.UnixMilli(id).Format("2006-01-02")
}

// AttendanceCSV renders the attendance report.
func AttendanceCSV(records []ledger.Record) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(attendanceHeader); err != nil {
		return nil, err
	}
	for _, r := range records {
		row := []string{
			r.Date,
			r.StudentName,
			r.Grade,
			r.Classroom,
			statusLabel(r.Status),
			r.Timestamp.Format("15:04"),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// StudentsCSV renders the student list report.
func StudentsCSV(students []roster.Student) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(studentsHeader); err != nil {
		return nil, err
	}
	for _, s := range students {
		row := []string{s.Name, s.Username, s.Grade, s.Classroom, registrationDate(s.ID)}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// TeachersCSV renders the teacher list report.
func TeachersCSV(teachers []roster.Teacher) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(teachersHeader); err != nil {
		return nil, err
	}
	for _, t := range teachers {
		row := []string{t.Name, t.Username, t.Subject, registrationDate(t.ID)}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}
