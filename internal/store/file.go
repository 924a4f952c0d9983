// Package store persists user defined job definitions to a JSON or YAML file.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/0xPuncker/report-scheduler/pkg/types"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type jobsFile struct {
	Jobs []types.JobDefinition `json:"jobs" yaml:"jobs"`
}

// FileStore picks its encoding from the file extension: .yaml and .yml are
// YAML, anything else is JSON.
type FileStore struct {
	path   string
	logger *logrus.Logger
}

func NewFileStore(path string, logger *logrus.Logger) *FileStore {
	return &FileStore{path: path, logger: logger}
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) isYAML() bool {
	ext := strings.ToLower(filepath.Ext(s.path))
	return ext == ".yaml" || ext == ".yml"
}

// Load returns every definition in the file. A missing file is an empty
// store. Any invalid record fails the whole load.
func (s *FileStore) Load() ([]types.ScheduledJob, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.WithField("path", s.path).Info("No job definitions file found, starting empty")
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read jobs file: %w", err)
	}

	var file jobsFile
	if s.isYAML() {
		err = yaml.Unmarshal(data, &file)
	} else {
		err = json.Unmarshal(data, &file)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse jobs file %s: %w", s.path, err)
	}

	jobs := make([]types.ScheduledJob, 0, len(file.Jobs))
	var errs []error
	for i, def := range file.Jobs {
		job, err := def.ToJob()
		if err != nil {
			errs = append(errs, fmt.Errorf("record %d: %w", i, err))
			continue
		}
		jobs = append(jobs, job)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("jobs file %s rejected: %w", s.path, errors.Join(errs...))
	}

	s.logger.WithFields(logrus.Fields{
		"path":      s.path,
		"job_count": len(jobs),
	}).Info("Loaded job definitions")
	return jobs, nil
}

// Save writes the definitions through a temp file and rename so a crash
// never leaves a half written file. Retry jobs are skipped.
func (s *FileStore) Save(jobs []types.ScheduledJob) error {
	file := jobsFile{Jobs: make([]types.JobDefinition, 0, len(jobs))}
	for _, job := range jobs {
		if job.IsRetry() {
			continue
		}
		file.Jobs = append(file.Jobs, types.DefinitionFromJob(job))
	}

	var (
		data []byte
		err  error
	)
	if s.isYAML() {
		data, err = yaml.Marshal(&file)
	} else {
		data, err = json.MarshalIndent(&file, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to encode job definitions: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create jobs directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write jobs file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync jobs file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close jobs file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace jobs file: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"path":      s.path,
		"job_count": len(file.Jobs),
	}).Debug("Saved job definitions")
	return nil
}
