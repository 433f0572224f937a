package widget

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// SeedFile is the YAML document accepted by `server seed`.
type SeedFile struct {
	Widgets []Widget `yaml:"widgets"`
}

// LoadSeedFile reads and validates a widget seed file.
func LoadSeedFile(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("seed: read %s: %w", path, err)
	}
	return ParseSeed(data)
}

func ParseSeed(data []byte) (*SeedFile, error) {
	var f SeedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("seed: parse: %w", err)
	}
	for i := range f.Widgets {
		w := &f.Widgets[i]
		if w.ID == "" {
			return nil, fmt.Errorf("seed: widget %d: id is required", i)
		}
		if _, err := uuid.Parse(w.ID); err != nil {
			return nil, fmt.Errorf("seed: widget %d: id %q is not a uuid", i, w.ID)
		}
		if w.Name == "" {
			w.Name = w.ID
		}
	}
	return &f, nil
}

// Apply upserts every widget in the file.
func (f *SeedFile) Apply(ctx context.Context, repo *Repo) (int, error) {
	for i := range f.Widgets {
		if err := repo.Upsert(ctx, &f.Widgets[i]); err != nil {
			return i, fmt.Errorf("seed: widget %s: %w", f.Widgets[i].ID, err)
		}
	}
	return len(f.Widgets), nil
}
