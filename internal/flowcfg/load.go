package flowcfg

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/rakunlabs/flowrunner/internal/flowerr"
)

// Load reads and decodes a single flow file. Unknown keys are ignored by
// yaml.v3's struct unmarshalling.
func Load(path string) (*Flow, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read flow file %q: %v", flowerr.ErrConfig, path, err)
	}

	return Parse(raw)
}

// Parse decodes flow YAML/JSON content (yaml.v3 accepts both).
func Parse(raw []byte) (*Flow, error) {
	var f Flow
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: decode flow: %v", flowerr.ErrConfig, err)
	}

	switch f.Kind {
	case KindAction, KindStream, KindCron:
	case "":
		f.Kind = KindAction
	default:
		return nil, fmt.Errorf("%w: unknown flow kind %q", flowerr.ErrConfig, f.Kind)
	}

	if f.Kind == KindCron && f.Schedule == "" {
		return nil, fmt.Errorf("%w: cron flow %q has no schedule", flowerr.ErrConfig, f.Name)
	}

	return &f, nil
}

// LoadDir decodes every .yaml/.yml/.json file directly under dir. Files
// that fail to decode abort the scan, matching the reference behavior of
// refusing to start on a bad flow directory.
func LoadDir(dir string) ([]*Flow, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: read flow dir %q: %v", flowerr.ErrConfig, dir, err)
	}

	var flows []*Flow
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}

		f, err := Load(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		flows = append(flows, f)
	}

	return flows, nil
}
