package kvstore

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	if _, err := s.Get(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("Get missing key: err = %v, want ErrNotFound", err)
	}

	if err := s.Set(ctx, KeyStudents, []byte(`[{"id":1}]`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	doc, err := s.Get(ctx, KeyStudents)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(doc) != `[{"id":1}]` {
		t.Errorf("Get = %s", doc)
	}

	if err := s.Delete(ctx, KeyStudents); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, KeyStudents); err != ErrNotFound {
		t.Errorf("Get after delete: err = %v, want ErrNotFound", err)
	}
}

func TestGetSetJSON(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	type doc struct {
		Name string `json:"name"`
	}
	if err := SetJSON(ctx, s, "k", doc{Name: "Ani"}); err != nil {
		t.Fatalf("SetJSON: %v", err)
	}
	var out doc
	if err := GetJSON(ctx, s, "k", &out); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if out.Name != "Ani" {
		t.Errorf("round trip name = %q", out.Name)
	}
}

func TestSaveWithBackupThreshold(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	// 9 records: below the modulo threshold, no snapshot.
	if err := SaveWithBackup(ctx, s, KeyStudents, []int{1}, 9, StudentBackupEvery, now); err != nil {
		t.Fatalf("SaveWithBackup: %v", err)
	}
	keys, _ := s.Keys(ctx, "backup_")
	if len(keys) != 0 {
		t.Fatalf("unexpected snapshot below threshold: %v", keys)
	}

	// 10 records: snapshot written.
	if err := SaveWithBackup(ctx, s, KeyStudents, []int{1}, 10, StudentBackupEvery, now); err != nil {
		t.Fatalf("SaveWithBackup: %v", err)
	}
	keys, _ = s.Keys(ctx, "backup_students")
	if len(keys) != 1 || keys[0] != "backup_students_2025-03-10" {
		t.Fatalf("snapshot keys = %v", keys)
	}
}

func TestSnapshotRetention(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	day := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 8; i++ {
		err := SaveWithBackup(ctx, s, KeyAttendance, []int{i}, AttendanceBackupEvery, AttendanceBackupEvery, day.AddDate(0, 0, i))
		if err != nil {
			t.Fatalf("SaveWithBackup day %d: %v", i, err)
		}
	}

	keys, _ := s.Keys(ctx, "backup_attendance")
	if len(keys) != BackupKeep {
		t.Fatalf("retained %d snapshots, want %d: %v", len(keys), BackupKeep, keys)
	}
	// Oldest pruned first: days 1-3 gone, 4-8 kept.
	for i, want := range []int{4, 5, 6, 7, 8} {
		wantKey := fmt.Sprintf("backup_attendance_2025-03-%02d", want)
		if keys[i] != wantKey {
			t.Errorf("keys[%d] = %s, want %s", i, keys[i], wantKey)
		}
	}
}
