// Package store keeps uploaded scans, masks and two append-only JSON lists
// (scans and patients) under a single data directory.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	uploadsDir   = "uploads"
	masksDir     = "masks"
	scansFile    = "scans.json"
	patientsFile = "patients.json"
)

type ScanRecord struct {
	ID             string    `json:"id"`
	PatientID      string    `json:"patientId,omitempty"`
	OriginalPath   string    `json:"originalPath"`
	MaskPath       string    `json:"maskPath"`
	TumorType      string    `json:"tumorType"`
	Confidence     float32   `json:"confidence"`
	HasTumor       bool      `json:"hasTumor"`
	ProcessingTime int64     `json:"processingTime"`
	CreatedAt      time.Time `json:"createdAt"`
}

type PatientRecord struct {
	ID        string    `json:"id"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	Age       int       `json:"age"`
	Status    string    `json:"status,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type Store struct {
	root     string
	scans    *jsonList[ScanRecord]
	patients *jsonList[PatientRecord]
	now      func() time.Time
}

// Open prepares dir and its subdirectories and seeds empty list files.
func Open(dir string) (*Store, error) {
	for _, d := range []string{dir, filepath.Join(dir, uploadsDir), filepath.Join(dir, masksDir)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", d, err)
		}
	}

	s := &Store{
		root:     dir,
		scans:    &jsonList[ScanRecord]{path: filepath.Join(dir, scansFile)},
		patients: &jsonList[PatientRecord]{path: filepath.Join(dir, patientsFile)},
		now:      time.Now,
	}
	if err := s.scans.seed(); err != nil {
		return nil, err
	}
	if err := s.patients.seed(); err != nil {
		return nil, err
	}
	return s, nil
}

// Root is the directory served to clients.
func (s *Store) Root() string { return s.root }

func (s *Store) UploadsDir() string { return filepath.Join(s.root, uploadsDir) }

func (s *Store) MasksDir() string { return filepath.Join(s.root, masksDir) }

func (s *Store) AppendScan(rec ScanRecord) (ScanRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	if err := s.scans.append(rec); err != nil {
		return ScanRecord{}, fmt.Errorf("append scan: %w", err)
	}
	return rec, nil
}

func (s *Store) ListScans() []ScanRecord {
	return s.scans.list()
}

func (s *Store) AppendPatient(rec PatientRecord) (PatientRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	if err := s.patients.append(rec); err != nil {
		return PatientRecord{}, fmt.Errorf("append patient: %w", err)
	}
	return rec, nil
}

func (s *Store) ListPatients() []PatientRecord {
	return s.patients.list()
}

// jsonList is a JSON array file. Writes go through a temp file and rename;
// the mutex only covers this process.
type jsonList[T any] struct {
	mu   sync.Mutex
	path string
}

func (l *jsonList[T]) seed() error {
	if _, err := os.Stat(l.path); err == nil {
		return nil
	}
	return l.write([]T{})
}

// read treats a missing or corrupt file as an empty list.
func (l *jsonList[T]) read() []T {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return []T{}
	}
	var items []T
	if err := json.Unmarshal(data, &items); err != nil || items == nil {
		return []T{}
	}
	return items
}

func (l *jsonList[T]) write(items []T) error {
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(l.path), filepath.Base(l.path)+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), l.path)
}

func (l *jsonList[T]) list() []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.read()
}

func (l *jsonList[T]) append(item T) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.write(append(l.read(), item))
}
