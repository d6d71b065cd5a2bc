package sched

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadManifest reads the segment list produced by the upstream audio
// splitter: a YAML document with a top-level `segments` sequence.
func LoadManifest(path string) ([]Segment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var doc struct {
		Segments []Segment `yaml:"segments"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	for i, seg := range doc.Segments {
		if seg.ID == "" {
			return nil, fmt.Errorf("manifest segment %d: missing id", i)
		}
		if seg.DurationSec <= 0 {
			return nil, fmt.Errorf("manifest segment %q: duration must be positive", seg.ID)
		}
	}
	return doc.Segments, nil
}
