// Package store keeps the on-disk plan directory: raw plan payloads, which
// double as the record of plans already seen, and the active field lists the
// telescope side consumes.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/karpov-sv/fram-grandma/internal/plan"
)

const (
	planSuffix   = ".json"
	fieldsSuffix = ".fields"
)

var (
	// ErrTooOld is returned by CheckAge for plans past the maximum age.
	ErrTooOld = errors.New("plan older than maximum age")
	// ErrSuperseded is returned when syncing a field list that has been removed.
	ErrSuperseded = errors.New("field list no longer exists")
	// ErrEmptyFieldSet is returned when asked to persist an empty field list.
	ErrEmptyFieldSet = errors.New("refusing to write empty field list")
)

// Store manages plan and field-list artifacts in a single directory.
type Store struct {
	dir    string
	keys   KeyChecker
	logger *slog.Logger
}

// New creates a Store rooted at dir. A nil keys checker defaults to the plan
// artifacts on disk.
func New(dir string, keys KeyChecker, logger *slog.Logger) *Store {
	if keys == nil {
		keys = NewFileKeys(dir)
	}
	return &Store{
		dir:    dir,
		keys:   keys,
		logger: logger,
	}
}

// Dir returns the base directory.
func (s *Store) Dir() string {
	return s.dir
}

var nameReplacer = strings.NewReplacer(" ", "_", "/", "_", "\\", "_")

// Basename derives the artifact name for a plan: dateobs and the plan name
// joined by "_", with spaces and path separators replaced by "_".
func Basename(dateobs, name string) string {
	return nameReplacer.Replace(dateobs) + "_" + nameReplacer.Replace(name)
}

// Key returns the artifact name of p.
func Key(p plan.Plan) string {
	if a := p.Artifact(); a != "" {
		return nameReplacer.Replace(a)
	}
	return Basename(p.Dateobs, p.Name)
}

// PlanPath returns the path of the raw plan artifact for key.
func (s *Store) PlanPath(key string) string {
	return filepath.Join(s.dir, key+planSuffix)
}

// FieldsPath returns the path of the field-list artifact for key.
func (s *Store) FieldsPath(key string) string {
	return filepath.Join(s.dir, key+fieldsSuffix)
}

// CheckAge returns ErrTooOld if more than maxAgeDays have passed between
// eventTime and now. maxAgeDays <= 0 disables the check.
func CheckAge(eventTime, now time.Time, maxAgeDays float64) error {
	if maxAgeDays <= 0 {
		return nil
	}
	age := now.Sub(eventTime).Hours() / 24
	if age > maxAgeDays {
		return fmt.Errorf("%w: %.2f days since event", ErrTooOld, age)
	}
	return nil
}

// IsKnown reports whether p has already been recorded.
func (s *Store) IsKnown(p plan.Plan) (bool, error) {
	return s.keys.Exists(Key(p))
}

// Record writes the raw plan payload, indented for reading, and registers its
// key. Indentation keeps key order and number spelling, so compacting the
// file gives back the original payload.
func (s *Store) Record(p plan.Plan) (string, error) {
	if err := s.ensureDir(); err != nil {
		return "", err
	}

	raw := []byte(p.Raw)
	if len(raw) == 0 {
		var err error
		if raw, err = json.Marshal(p); err != nil {
			return "", fmt.Errorf("encoding plan: %w", err)
		}
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "    "); err != nil {
		return "", fmt.Errorf("indenting plan payload: %w", err)
	}
	buf.WriteByte('\n')

	key := Key(p)
	path := s.PlanPath(key)
	if err := writeAtomic(s.dir, path, buf.Bytes()); err != nil {
		return "", fmt.Errorf("writing plan file: %w", err)
	}
	if err := s.keys.Add(key); err != nil {
		return "", fmt.Errorf("registering plan key: %w", err)
	}
	return path, nil
}

// LoadRaw returns the recorded payload for key in compact form.
func (s *Store) LoadRaw(key string) (json.RawMessage, error) {
	data, err := os.ReadFile(s.PlanPath(key))
	if err != nil {
		return nil, fmt.Errorf("reading plan file: %w", err)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return nil, fmt.Errorf("compacting plan file: %w", err)
	}
	return buf.Bytes(), nil
}

// LoadPlan decodes the recorded plan for key.
func (s *Store) LoadPlan(key string) (plan.Plan, error) {
	raw, err := s.LoadRaw(key)
	if err != nil {
		return plan.Plan{}, err
	}
	return plan.Decode(raw)
}

// Supersede deletes every field list in the namespace, i.e. every
// "<namespace>_*.fields" file. The namespace is sanitized the same way as
// artifact names. Recorded plan payloads are kept.
func (s *Store) Supersede(namespace string) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing plan dir: %w", err)
	}

	prefix := nameReplacer.Replace(namespace) + "_"
	var removed []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, fieldsSuffix) {
			continue
		}
		path := filepath.Join(s.dir, name)
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("removing superseded fields %s: %w", name, err)
		}
		s.logger.Info("removed older fields for the same event", "path", path)
		removed = append(removed, path)
	}
	return removed, nil
}

// WriteFields persists a non-empty field list for key.
func (s *Store) WriteFields(key string, fields plan.FieldSet) (string, error) {
	if fields.Empty() {
		return "", ErrEmptyFieldSet
	}
	if err := s.ensureDir(); err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := plan.WriteFields(&buf, fields); err != nil {
		return "", fmt.Errorf("encoding fields: %w", err)
	}

	path := s.FieldsPath(key)
	if err := writeAtomic(s.dir, path, buf.Bytes()); err != nil {
		return "", fmt.Errorf("writing fields file: %w", err)
	}
	return path, nil
}

// SyncFields stores the remaining fields of an existing list: an empty set
// deletes the list, anything else overwrites it. A list that has vanished
// (superseded, or finished by another consumer) is not recreated.
func (s *Store) SyncFields(key string, fields plan.FieldSet) error {
	path := s.FieldsPath(key)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrSuperseded
		}
		return err
	}

	if fields.Empty() {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("removing finished fields file: %w", err)
		}
		return nil
	}

	_, err := s.WriteFields(key, fields)
	return err
}

// LoadFields reads the field list for key.
func (s *Store) LoadFields(key string) (plan.FieldSet, error) {
	f, err := os.Open(s.FieldsPath(key))
	if err != nil {
		return plan.FieldSet{}, err
	}
	defer f.Close()
	return plan.ReadFields(f)
}

// FieldList describes one active field-list artifact.
type FieldList struct {
	Key     string
	Path    string
	ModTime time.Time
}

// ListFieldLists returns active field lists, newest event first.
func (s *Store) ListFieldLists() ([]FieldList, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing plan dir: %w", err)
	}

	var lists []FieldList
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fieldsSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		lists = append(lists, FieldList{
			Key:     strings.TrimSuffix(name, fieldsSuffix),
			Path:    filepath.Join(s.dir, name),
			ModTime: info.ModTime(),
		})
	}

	// Keys start with dateobs, so reverse lexical order is newest first.
	sort.Slice(lists, func(i, j int) bool {
		return lists[i].Key > lists[j].Key
	})
	return lists, nil
}

func (s *Store) ensureDir() error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("creating plan dir: %w", err)
	}
	return nil
}

func writeAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
