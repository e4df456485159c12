// Package roster owns the student and teacher collections. All access goes
// through the Store so registrations, deletions and imports stay consistent
// with the persisted documents.
package roster

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"classlink/internal/clock"
	"classlink/internal/kvstore"
)

// Registration and login errors, all user-recoverable.
var (
	ErrUsernameTaken      = errors.New("roster: username already registered")
	ErrEmailTaken         = errors.New("roster: email already registered")
	ErrMissingFields      = errors.New("roster: all fields are required")
	ErrInvalidCredentials = errors.New("roster: wrong username or password")
	ErrNotFound           = errors.New("roster: no such user")
)

// Student is a registered student. IDs are millisecond timestamps assigned at
// registration; records are immutable after creation.
type Student struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	Grade     string `json:"grade"`
	Classroom string `json:"classroom"`
}

// Teacher is a registered teacher.
type Teacher struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Subject  string `json:"subject"`
}

// Store holds both collections in memory and writes them through to the
// key-value store after every mutation.
type Store struct {
	mu       sync.RWMutex
	kv       kvstore.Store
	clk      clock.Clock
	students []Student
	teachers []Teacher
}

// Load reads the persisted collections. Missing documents mean a fresh
// install and are not an error.
func Load(ctx context.Context, kv kvstore.Store, clk clock.Clock) (*Store, error) {
	s := &Store{kv: kv, clk: clk}
	if err := kvstore.GetJSON(ctx, kv, kvstore.KeyStudents, &s.students); err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		return nil, err
	}
	if err := kvstore.GetJSON(ctx, kv, kvstore.KeyTeachers, &s.teachers); err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		return nil, err
	}
	return s, nil
}

// nextID assigns registration IDs. The original scheme is a millisecond
// timestamp; bump on collision so two registrations in the same instant stay
// unique.
func (s *Store) nextID() int64 {
	id := s.clk.Now().UnixMilli()
	for {
		taken := false
		for _, st := range s.students {
			if st.ID == id {
				taken = true
			}
		}
		for _, t := range s.teachers {
			if t.ID == id {
				taken = true
			}
		}
		if !taken {
			return id
		}
		id++
	}
}

// RegisterStudent validates uniqueness of username and email, assigns an ID
// and persists the collection.
func (s *Store) RegisterStudent(ctx context.Context, st Student) (Student, error) {
	st.Name = strings.TrimSpace(st.Name)
	st.Username = strings.TrimSpace(st.Username)
	st.Email = strings.TrimSpace(st.Email)
	st.Classroom = strings.TrimSpace(st.Classroom)
	if st.Name == "" || st.Username == "" || st.Email == "" || st.Password == "" || st.Grade == "" || st.Classroom == "" {
		return Student{}, ErrMissingFields
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.students {
		if existing.Username == st.Username {
			return Student{}, ErrUsernameTaken
		}
		if existing.Email == st.Email {
			return Student{}, ErrEmailTaken
		}
	}
	st.ID = s.nextID()
	s.students = append(s.students, st)
	return st, s.saveStudents(ctx)
}

// RegisterTeacher mirrors RegisterStudent for the teacher collection.
func (s *Store) RegisterTeacher(ctx context.Context, t Teacher) (Teacher, error) {
	t.Name = strings.TrimSpace(t.Name)
	t.Username = strings.TrimSpace(t.Username)
	t.Email = strings.TrimSpace(t.Email)
	t.Subject = strings.TrimSpace(t.Subject)
	if t.Name == "" || t.Username == "" || t.Email == "" || t.Password == "" || t.Subject == "" {
		return Teacher{}, ErrMissingFields
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.teachers {
		if existing.Username == t.Username {
			return Teacher{}, ErrUsernameTaken
		}
		if existing.Email == t.Email {
			return Teacher{}, ErrEmailTaken
		}
	}
	t.ID = s.nextID()
	s.teachers = append(s.teachers, t)
	return t, s.saveTeachers(ctx)
}

// AuthenticateStudent checks username and password by plain equality.
func (s *Store) AuthenticateStudent(username, password string) (Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.students {
		if st.Username == username && st.Password == password {
			return st, nil
		}
	}
	return Student{}, ErrInvalidCredentials
}

// AuthenticateTeacher checks username and password by plain equality.
func (s *Store) AuthenticateTeacher(username, password string) (Teacher, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.teachers {
		if t.Username == username && t.Password == password {
			return t, nil
		}
	}
	return Teacher{}, ErrInvalidCredentials
}

// DeleteStudent removes a student and persists. The caller is responsible
// for cascading the student's ledger records.
func (s *Store) DeleteStudent(ctx context.Context, id int64) (Student, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, st := range s.students {
		if st.ID == id {
			s.students = append(s.students[:i], s.students[i+1:]...)
			return st, s.saveStudents(ctx)
		}
	}
	return Student{}, ErrNotFound
}

// DeleteTeacher removes a teacher and persists. No cascade: teachers own no
// ledger entries.
func (s *Store) DeleteTeacher(ctx context.Context, id int64) (Teacher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.teachers {
		if t.ID == id {
			s.teachers = append(s.teachers[:i], s.teachers[i+1:]...)
			return t, s.saveTeachers(ctx)
		}
	}
	return Teacher{}, ErrNotFound
}

// StudentByID looks up a student.
func (s *Store) StudentByID(id int64) (Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.students {
		if st.ID == id {
			return st, nil
		}
	}
	return Student{}, ErrNotFound
}

// Students returns a copy of the roster.
func (s *Store) Students() []Student {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Student, len(s.students))
	copy(out, s.students)
	return out
}

// Teachers returns a copy of the teacher collection.
func (s *Store) Teachers() []Teacher {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Teacher, len(s.teachers))
	copy(out, s.teachers)
	return out
}

// ClassStudents returns the students of one grade+classroom.
func (s *Store) ClassStudents(grade, classroom string) []Student {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Student
	for _, st := range s.students {
		if st.Grade == grade && st.Classroom == classroom {
			out = append(out, st)
		}
	}
	return out
}

// Classrooms returns the sorted distinct classrooms seen in a grade,
// derived from the registered roster.
func (s *Store) Classrooms(grade string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[string]bool{}
	var out []string
	for _, st := range s.students {
		if st.Grade == grade && !seen[st.Classroom] {
			seen[st.Classroom] = true
			out = append(out, st.Classroom)
		}
	}
	sort.Strings(out)
	return out
}

// MergeStudents adds imported students whose username is not yet registered
// and returns how many were added.
func (s *Store) MergeStudents(ctx context.Context, incoming []Student) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for _, in := range incoming {
		exists := false
		for _, st := range s.students {
			if st.Username == in.Username {
				exists = true
				break
			}
		}
		if !exists {
			s.students = append(s.students, in)
			added++
		}
	}
	if added == 0 {
		return 0, nil
	}
	return added, s.saveStudents(ctx)
}

// MergeTeachers adds imported teachers whose username is not yet registered.
func (s *Store) MergeTeachers(ctx context.Context, incoming []Teacher) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for _, in := range incoming {
		exists := false
		for _, t := range s.teachers {
			if t.Username == in.Username {
				exists = true
				break
			}
		}
		if !exists {
			s.teachers = append(s.teachers, in)
			added++
		}
	}
	if added == 0 {
		return 0, nil
	}
	return added, s.saveTeachers(ctx)
}

// Reset clears both collections and their documents.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.students = nil
	s.teachers = nil
	if err := s.saveStudents(ctx); err != nil {
		return err
	}
	return s.saveTeachers(ctx)
}

func (s *Store) saveStudents(ctx context.Context) error {
	return kvstore.SaveWithBackup(ctx, s.kv, kvstore.KeyStudents, s.students,
		len(s.students), kvstore.StudentBackupEvery, s.clk.Now())
}

func (s *Store) saveTeachers(ctx context.Context) error {
	return kvstore.SaveWithBackup(ctx, s.kv, kvstore.KeyTeachers, s.teachers,
		len(s.teachers), kvstore.TeacherBackupEvery, s.clk.Now())
}
