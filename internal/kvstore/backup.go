package kvstore

import (
	"context"
	"encoding/json"
	"time"
)

// Snapshot cadence per collection, matching how often each grows.
const (
	StudentBackupEvery    = 10
	TeacherBackupEvery    = 5
	AttendanceBackupEvery = 50

	// BackupKeep is how many dated snapshots are retained per collection.
	BackupKeep = 5
)

// snapshot is the envelope stored under backup_<type>_<date> keys.
type snapshot struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// SaveWithBackup writes v under key and, when count crosses the every
// threshold, also stores a dated snapshot and prunes old ones. count is the
// current size of the collection being saved.
func SaveWithBackup(ctx context.Context, s Store, key string, v any, count, every int, now time.Time) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := s.Set(ctx, key, doc); err != nil {
		return err
	}
	if every <= 0 || count == 0 || count%every != 0 {
		return nil
	}
	return writeSnapshot(ctx, s, key, doc, now)
}

func writeSnapshot(ctx context.Context, s Store, key string, doc []byte, now time.Time) error {
	snap, err := json.Marshal(snapshot{Type: key, Data: doc, Timestamp: now})
	if err != nil {
		return err
	}
	backupKey := "backup_" + key + "_" + now.Format("2006-01-02")
	if err := s.Set(ctx, backupKey, snap); err != nil {
		return err
	}
	return pruneSnapshots(ctx, s, key)
}

// pruneSnapshots keeps only the BackupKeep most recent snapshots for a
// collection. Keys embed the date, so lexical order is chronological.
func pruneSnapshots(ctx context.Context, s Store, key string) error {
	keys, err := s.Keys(ctx, "backup_"+key)
	if err != nil {
		return err
	}
	if len(keys) <= BackupKeep {
		return nil
	}
	for _, old := range keys[:len(keys)-BackupKeep] {
		if err := s.Delete(ctx, old); err != nil {
			return err
		}
	}
	return nil
}
