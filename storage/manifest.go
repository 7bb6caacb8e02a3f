package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nci/gridjoin/utils"
	yaml "gopkg.in/yaml.v2"
)

const manifestFile = "manifest.yaml"

type arrayEntry struct {
	Feature utils.FeatureKey `yaml:"feature"`
	DType   utils.DType      `yaml:"dtype"`
	Shape   []int            `yaml:"shape"`
	File    string           `yaml:"file"`
}

type vectorEntry struct {
	Feature utils.FeatureKey `yaml:"feature"`
	File    string           `yaml:"file"`
}

// manifest describes a saved patch. Array and vector payloads live in
// separate files next to it; everything else is inline.
type manifest struct {
	BBox       *utils.BBox            `yaml:"bbox,omitempty"`
	Timestamps []string               `yaml:"timestamps,omitempty"`
	Arrays     []arrayEntry           `yaml:"arrays,omitempty"`
	Vectors    []vectorEntry          `yaml:"vectors,omitempty"`
	MetaInfo   map[string]interface{} `yaml:"meta_info,omitempty"`
}

func readManifest(dir string) (*manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, err
	}
	m := &manifest{}
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptPatch, dir, err)
	}
	for k, v := range m.MetaInfo {
		m.MetaInfo[k] = stringKeys(v)
	}
	return m, nil
}

// stringKeys turns the map[interface{}]interface{} values yaml decodes
// nested mappings into back into map[string]interface{}.
func stringKeys(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[fmt.Sprint(k)] = stringKeys(e)
		}
		return out
	case map[string]interface{}:
		for k, e := range t {
			t[k] = stringKeys(e)
		}
		return t
	case []interface{}:
		for i, e := range t {
			t[i] = stringKeys(e)
		}
		return t
	default:
		return v
	}
}

func writeManifest(dir string, m *manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, manifestFile), data, 0644)
}

func (m *manifest) timestamps() ([]time.Time, error) {
	if len(m.Timestamps) == 0 {
		return nil, nil
	}
	out := make([]time.Time, len(m.Timestamps))
	for i, s := range m.Timestamps {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("%w: timestamp %q: %v", ErrCorruptPatch, s, err)
		}
		out[i] = t
	}
	return out, nil
}

func formatTimestamps(ts []time.Time) []string {
	if len(ts) == 0 {
		return nil
	}
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.Format(time.RFC3339Nano)
	}
	return out
}

func (m *manifest) array(key utils.FeatureKey) (arrayEntry, bool) {
	for _, e := range m.Arrays {
		if e.Feature == key {
			return e, true
		}
	}
	return arrayEntry{}, false
}

func (m *manifest) vector(key utils.FeatureKey) (vectorEntry, bool) {
	for _, e := range m.Vectors {
		if e.Feature == key {
			return e, true
		}
	}
	return vectorEntry{}, false
}

// featureFile is the payload path of a feature relative to the patch folder.
func featureFile(key utils.FeatureKey, ext string) string {
	return filepath.Join(string(key.Type), key.Name+ext)
}
