// Package output writes generated images to the output directory.
package output

import (
	"fmt"
	"os"
	"path/filepath"

	"bananabatch/pkg/models"
)

// Sink saves generated payloads under a single directory
type Sink struct {
	dir string
}

// NewSink creates the output directory if needed
func NewSink(dir string) (*Sink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create output directory %s: %w", dir, err)
	}
	return &Sink{dir: dir}, nil
}

// Dir returns the output directory path
func (s *Sink) Dir() string {
	return s.dir
}

// Save writes every image of a successful result as
// <name>_<n>.png and returns the written paths.
func (s *Sink) Save(res models.Result) ([]string, error) {
	if res.Output == nil {
		return nil, nil
	}
	paths := make([]string, 0, len(res.Output.Images))
	for i, img := range res.Output.Images {
		name := fmt.Sprintf("%s_%d.png", res.Name, i+1)
		path := filepath.Join(s.dir, name)
		if err := os.WriteFile(path, img, 0644); err != nil {
			return paths, fmt.Errorf("write %s: %w", name, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}
