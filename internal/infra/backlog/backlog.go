// Package backlog reads and updates the YAML feature backlog driving the
// autonomous mode: a project description plus an ordered feature list,
// processed until every entry is done.
package backlog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Feature is one backlog entry.
type Feature struct {
	ID          int    `yaml:"id"`
	Description string `yaml:"description"`
	Done        bool   `yaml:"done"`
}

// Backlog is the parsed backlog file.
type Backlog struct {
	Project  string    `yaml:"project"`
	Features []Feature `yaml:"features"`
	path     string
}

// Load reads a backlog file.
func Load(path string) (*Backlog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read backlog: %w", err)
	}
	var b Backlog
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse backlog: %w", err)
	}
	b.path = path
	return &b, nil
}

// Save writes the backlog back to the file it was loaded from.
func (b *Backlog) Save() error {
	data, err := yaml.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal backlog: %w", err)
	}
	if err := os.WriteFile(b.path, data, 0o600); err != nil {
		return fmt.Errorf("write backlog: %w", err)
	}
	return nil
}

// Remaining returns the features not yet done, in file order.
func (b *Backlog) Remaining() []Feature {
	var out []Feature
	for _, f := range b.Features {
		if !f.Done {
			out = append(out, f)
		}
	}
	return out
}

// MarkDone marks a feature done by id. Unknown ids are ignored.
func (b *Backlog) MarkDone(id int) {
	for i := range b.Features {
		if b.Features[i].ID == id {
			b.Features[i].Done = true
			return
		}
	}
}

// Done reports whether every feature is done.
func (b *Backlog) Done() bool {
	for _, f := range b.Features {
		if !f.Done {
			return false
		}
	}
	return true
}
