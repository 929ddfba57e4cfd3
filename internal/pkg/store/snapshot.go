package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulexconde/csat/internal/models"
	"github.com/paulexconde/csat/pkg/fault"
)

const documentVersion = 1

// document is the full on-disk snapshot. Every mutation rewrites all of it.
type document struct {
	Version int                       `json:"version"`
	Surveys map[string]*models.Survey `json:"surveys"`
}

func newDocument() *document {
	return &document{
		Version: documentVersion,
		Surveys: make(map[string]*models.Survey),
	}
}

func (s *Store) tempPattern() string {
	return filepath.Base(s.path) + ".tmp-*"
}

// read loads the current snapshot. A missing file is an empty store.
func (s *Store) read() (*document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return newDocument(), nil
		}
		return nil, fault.StoreIO("read snapshot", err)
	}

	doc := newDocument()
	if len(strings.TrimSpace(string(data))) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fault.StoreIO("decode snapshot", err)
	}
	if doc.Surveys == nil {
		doc.Surveys = make(map[string]*models.Survey)
	}
	return doc, nil
}

// write serializes doc to a temp file next to the store and renames it over
// the store file. The original is untouched unless the rename happens.
func (s *Store) write(doc *document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fault.StoreIO("encode snapshot", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), s.tempPattern())
	if err != nil {
		return fault.StoreIO("create temp file", err)
	}
	tmpName := tmp.Name()

	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fault.StoreIO("write temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fault.StoreIO("sync temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return fault.StoreIO("close temp file", err)
	}

	if s.beforeRename != nil {
		if err := s.beforeRename(tmpName); err != nil {
			return fault.StoreIO("prepare rename", err)
		}
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fault.StoreIO("replace snapshot", err)
	}
	committed = true

	syncDir(filepath.Dir(s.path))

	s.log.WithField("surveys", len(doc.Surveys)).WithField("bytes", len(data)).Debug("snapshot written")
	return nil
}

// removeOrphans deletes temp files left behind by a process that died between
// writing and renaming. Callers must hold the exclusive lock.
func (s *Store) removeOrphans() (int, error) {
	matches, err := filepath.Glob(filepath.Join(filepath.Dir(s.path), s.tempPattern()))
	if err != nil {
		return 0, err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			return 0, err
		}
	}
	return len(matches), nil
}

// syncDir flushes the directory entry after a rename. Not every platform
// supports it, so errors are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
