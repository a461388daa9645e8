// Package store lays out the per-run artifact directories and their metadata.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"nicmon/internal/config"
	"nicmon/internal/model"
)

const (
	MetaFile  = "run.yaml"
	dirLayout = "20060102-150405"
)

// Run is one artifact directory.
type Run struct {
	ID      string
	Dir     string
	Started time.Time
}

// Meta is the run.yaml document.
type Meta struct {
	ID         string             `yaml:"id"`
	Command    string             `yaml:"command"`
	StartedAt  time.Time          `yaml:"started_at"`
	FinishedAt time.Time          `yaml:"finished_at,omitempty"`
	Config     config.Config      `yaml:"config"`
	Tasks      []model.WorkerTask `yaml:"tasks,omitempty"`
	Flows      []model.FlowSpec   `yaml:"flows,omitempty"`
	Error      string             `yaml:"error,omitempty"`
}

// NewRun creates a directory under root named after started. A second run in the same
// second gets a numeric suffix.
func NewRun(root string, started time.Time) (*Run, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	base := started.Format(dirLayout)
	dir := filepath.Join(root, base)
	for i := 1; ; i++ {
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create run dir: %w", err)
		}
		dir = filepath.Join(root, fmt.Sprintf("%s-%d", base, i))
	}
	return &Run{ID: uuid.NewString(), Dir: dir, Started: started}, nil
}

// Meta returns run.yaml content for r with secrets removed from cfg.
func (r *Run) Meta(command string, cfg config.Config) Meta {
	return Meta{ID: r.ID, Command: command, StartedAt: r.Started.UTC(), Config: redact(cfg)}
}

func redact(cfg config.Config) config.Config {
	strip := func(hops []model.Hop) []model.Hop {
		if hops == nil {
			return nil
		}
		out := make([]model.Hop, len(hops))
		for i, h := range hops {
			h.Password = ""
			out[i] = h
		}
		return out
	}
	cfg.Hops = strip(cfg.Hops)
	if cfg.Traffic != nil {
		t := *cfg.Traffic
		t.Server.Hops = strip(t.Server.Hops)
		t.Client.Hops = strip(t.Client.Hops)
		cfg.Traffic = &t
	}
	return cfg
}

// WriteMeta writes meta to dir/run.yaml.
func WriteMeta(dir string, meta Meta) error {
	data, err := yaml.Marshal(&meta)
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, MetaFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, MetaFile))
}

// LoadMeta reads dir/run.yaml.
func LoadMeta(dir string) (Meta, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetaFile))
	if err != nil {
		return Meta{}, err
	}
	var meta Meta
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return Meta{}, fmt.Errorf("decode %s: %w", MetaFile, err)
	}
	return meta, nil
}

// ListRuns returns the run directories under root, oldest first. A missing root has no runs.
func ListRuns(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(root, e.Name(), MetaFile)); err != nil {
			continue
		}
		dirs = append(dirs, filepath.Join(root, e.Name()))
	}
	sort.Strings(dirs)
	return dirs, nil
}

// LatestRun returns the newest run directory under root.
func LatestRun(root string) (string, error) {
	dirs, err := ListRuns(root)
	if err != nil {
		return "", err
	}
	if len(dirs) == 0 {
		return "", fmt.Errorf("no runs under %s", root)
	}
	return dirs[len(dirs)-1], nil
}
