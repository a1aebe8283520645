package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// PathsConfig contains the filesystem layout of the pipeline.
type PathsConfig struct {
	StateDir  string `yaml:"state_dir" envconfig:"STATE_DIR" default:"data/state"`
	ExportDir string `yaml:"export_dir" envconfig:"EXPORT_DIR" default:"data/exports"`
	LogsDir   string `yaml:"logs_dir" envconfig:"LOGS_DIR" default:"logs"`
}

// EnsureDirectories creates every configured directory.
func (p PathsConfig) EnsureDirectories() error {
	for _, dir := range []string{p.StateDir, p.ExportDir, p.LogsDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// StatePath returns the state document path for a category.
func (p PathsConfig) StatePath(categoryID string) string {
	return filepath.Join(p.StateDir, categoryID+".json")
}

// RunExportDir returns a per-run export directory, stamped with the run
// start time so artifacts from different runs never collide.
func (p PathsConfig) RunExportDir(startedAt time.Time) string {
	return filepath.Join(p.ExportDir, startedAt.Format("20060102_150405"))
}

// LogPath returns a path inside the logs directory.
func (p PathsConfig) LogPath(filename string) string {
	return filepath.Join(p.LogsDir, filename)
}
