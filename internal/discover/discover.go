// Package discover finds batch inputs on disk.
package discover

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"bananabatch/pkg/batch"
)

// supported reference image extensions
var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
	".bmp":  true,
	".gif":  true,
}

// Images loads every supported image in dir, sorted by filename.
// A missing or empty directory yields an empty slice, not an error,
// so prompt-only batches work without an input directory.
func Images(dir string) ([]batch.Input, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read image directory %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if imageExtensions[ext] {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	inputs := make([]batch.Input, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read image %s: %w", name, err)
		}
		base := strings.TrimSuffix(name, filepath.Ext(name))
		inputs = append(inputs, batch.Input{Name: base, Data: data})
	}
	return inputs, nil
}

// Prompts reads one prompt per non-blank line from path
func Prompts(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open prompts file %s: %w", path, err)
	}
	defer f.Close()

	var prompts []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			prompts = append(prompts, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read prompts file %s: %w", path, err)
	}
	return prompts, nil
}
