// Package storage persists patches as folders: a YAML manifest holding the
// bbox, timestamps and meta info, plus one raw file per array and one
// GeoJSON file per vector feature.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nci/gridjoin/log"
	"github.com/nci/gridjoin/utils"
	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"
)

var (
	ErrPatchNotFound = errors.New("patch not found")
	ErrPatchExists   = errors.New("patch feature already exists")
	ErrCorruptPatch  = errors.New("corrupt patch")
	ErrInvalidName   = errors.New("invalid patch name")
)

type OverwritePermission int

const (
	// AddOnly refuses to replace any saved feature.
	AddOnly OverwritePermission = iota
	// OverwriteFeatures replaces the saved features present in the new
	// patch and keeps the rest.
	OverwriteFeatures
	// OverwritePatch replaces the whole folder.
	OverwritePatch
)

var permissionNames = map[string]OverwritePermission{
	"add_only":           AddOnly,
	"overwrite_features": OverwriteFeatures,
	"overwrite_patch":    OverwritePatch,
}

func ParseOverwritePermission(s string) (OverwritePermission, error) {
	p, ok := permissionNames[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return AddOnly, fmt.Errorf("unknown overwrite permission %q", s)
	}
	return p, nil
}

func (p *OverwritePermission) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := ParseOverwritePermission(raw)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func (p OverwritePermission) String() string {
	for name, v := range permissionNames {
		if v == p {
			return name
		}
	}
	return fmt.Sprintf("OverwritePermission(%d)", int(p))
}

type Store struct {
	Root string
}

func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, err
	}
	return &Store{Root: root}, nil
}

// Path resolves a patch name, which may contain slashes, to its folder.
func (s *Store) Path(name string) (string, error) {
	clean := filepath.Clean(name)
	if name == "" || clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if strings.HasPrefix(filepath.Base(clean), ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(s.Root, clean), nil
}

func (s *Store) Exists(name string) bool {
	dir, err := s.Path(name)
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(dir, manifestFile))
	return err == nil
}

// List returns the names of the patches saved directly under the root.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if s.Exists(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) Delete(name string) error {
	dir, err := s.Path(name)
	if err != nil {
		return err
	}
	if !s.Exists(name) {
		return fmt.Errorf("%w: %s", ErrPatchNotFound, name)
	}
	return os.RemoveAll(dir)
}

// Save writes p under name. Payloads are staged in a scratch folder first so
// a failed save never leaves a half written manifest behind.
func (s *Store) Save(name string, p *utils.Patch, perm OverwritePermission) error {
	dir, err := s.Path(name)
	if err != nil {
		return err
	}

	existing, err := readManifest(dir)
	exists := err == nil
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if exists && perm == AddOnly {
		if err := checkAddOnly(existing, p); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	staging, err := utils.ScratchDir(s.Root)
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	m := &manifest{}
	if exists && perm != OverwritePatch {
		m = existing
	}
	if p.BBox != nil {
		m.BBox = p.BBox.Clone()
	}
	if len(p.Timestamps) > 0 {
		m.Timestamps = formatTimestamps(p.Timestamps)
	}

	var written []string
	for key, a := range p.Arrays {
		file := featureFile(key, ".bin")
		if err := writeFile(staging, file, a.Data); err != nil {
			return err
		}
		written = append(written, file)
		entry := arrayEntry{Feature: key, DType: a.DType, Shape: append([]int(nil), a.Shape...), File: file}
		m.Arrays = upsertArray(m.Arrays, entry)
	}
	for key, fc := range p.Vectors {
		data, err := fc.MarshalJSON()
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		file := featureFile(key, ".geojson")
		if err := writeFile(staging, file, data); err != nil {
			return err
		}
		written = append(written, file)
		m.Vectors = upsertVector(m.Vectors, vectorEntry{Feature: key, File: file})
	}
	if len(p.MetaInfo) > 0 && m.MetaInfo == nil {
		m.MetaInfo = map[string]interface{}{}
	}
	for k, v := range p.MetaInfo {
		m.MetaInfo[k] = v
	}
	sort.Slice(m.Arrays, func(i, j int) bool { return m.Arrays[i].Feature.String() < m.Arrays[j].Feature.String() })
	sort.Slice(m.Vectors, func(i, j int) bool { return m.Vectors[i].Feature.String() < m.Vectors[j].Feature.String() })

	if err := writeManifest(staging, m); err != nil {
		return err
	}

	switch {
	case !exists && dirExists(dir):
		// a folder without a manifest, e.g. the parent of nested patches
		written = append(written, manifestFile)
		if err := moveFiles(staging, dir, written); err != nil {
			return err
		}
	case !exists && !dirExists(dir):
		if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
			return err
		}
		if err := os.Rename(staging, dir); err != nil {
			return err
		}
	case perm == OverwritePatch:
		trash := staging + ".old"
		if err := os.Rename(dir, trash); err != nil {
			return err
		}
		if err := os.Rename(staging, dir); err != nil {
			os.Rename(trash, dir)
			return err
		}
		if err := os.RemoveAll(trash); err != nil {
			log.Warn("Store: failed to remove replaced patch", zap.String("path", trash), zap.Error(err))
		}
	default:
		written = append(written, manifestFile)
		if err := moveFiles(staging, dir, written); err != nil {
			return err
		}
	}

	log.Debug("Store: saved patch", zap.String("patch", name), zap.Int("arrays", len(p.Arrays)), zap.Int("vectors", len(p.Vectors)))
	return nil
}

func checkAddOnly(m *manifest, p *utils.Patch) error {
	for key := range p.Arrays {
		if _, ok := m.array(key); ok {
			return fmt.Errorf("%w: %s", ErrPatchExists, key)
		}
	}
	for key := range p.Vectors {
		if _, ok := m.vector(key); ok {
			return fmt.Errorf("%w: %s", ErrPatchExists, key)
		}
	}
	for k := range p.MetaInfo {
		if _, ok := m.MetaInfo[k]; ok {
			return fmt.Errorf("%w: %s", ErrPatchExists, utils.NewFeatureKey(utils.FeatureMetaInfo, k))
		}
	}
	if len(p.Timestamps) > 0 && len(m.Timestamps) > 0 {
		return fmt.Errorf("%w: %s", ErrPatchExists, utils.FeatureTimestamp)
	}
	return nil
}

func upsertArray(entries []arrayEntry, e arrayEntry) []arrayEntry {
	for i := range entries {
		if entries[i].Feature == e.Feature {
			entries[i] = e
			return entries
		}
	}
	return append(entries, e)
}

func upsertVector(entries []vectorEntry, e vectorEntry) []vectorEntry {
	for i := range entries {
		if entries[i].Feature == e.Feature {
			entries[i] = e
			return entries
		}
	}
	return append(entries, e)
}

func writeFile(root, rel string, data []byte) error {
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// moveFiles renames staged files into dst. The manifest is expected last.
func moveFiles(src, dst string, files []string) error {
	for _, rel := range files {
		target := filepath.Join(dst, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		if err := os.Rename(filepath.Join(src, rel), target); err != nil {
			return err
		}
	}
	return nil
}

// Load reads a saved patch. With no features every saved feature is
// loaded, otherwise only the listed ones; bbox and timestamps always are.
func (s *Store) Load(name string, features ...utils.FeatureKey) (*utils.Patch, error) {
	dir, err := s.Path(name)
	if err != nil {
		return nil, err
	}
	m, err := readManifest(dir)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrPatchNotFound, name)
	}
	if err != nil {
		return nil, err
	}

	p := utils.NewPatch(m.BBox)
	if p.Timestamps, err = m.timestamps(); err != nil {
		return nil, err
	}

	wanted := features
	if len(wanted) == 0 {
		for _, e := range m.Arrays {
			wanted = append(wanted, e.Feature)
		}
		for _, e := range m.Vectors {
			wanted = append(wanted, e.Feature)
		}
		for k := range m.MetaInfo {
			wanted = append(wanted, utils.NewFeatureKey(utils.FeatureMetaInfo, k))
		}
	}

	for _, key := range wanted {
		switch {
		case key.Type == utils.FeatureBBox:
			if m.BBox == nil {
				return nil, fmt.Errorf("%w: %s in %s", utils.ErrFeatureNotFound, key, name)
			}
		case key.Type == utils.FeatureTimestamp:
		case key.Type == utils.FeatureMetaInfo:
			v, ok := m.MetaInfo[key.Name]
			if !ok {
				return nil, fmt.Errorf("%w: %s in %s", utils.ErrFeatureNotFound, key, name)
			}
			p.MetaInfo[key.Name] = v
		case key.Type.IsVector():
			e, ok := m.vector(key)
			if !ok {
				return nil, fmt.Errorf("%w: %s in %s", utils.ErrFeatureNotFound, key, name)
			}
			fc, err := loadVector(dir, e)
			if err != nil {
				return nil, err
			}
			p.Vectors[key] = fc
		default:
			e, ok := m.array(key)
			if !ok {
				return nil, fmt.Errorf("%w: %s in %s", utils.ErrFeatureNotFound, key, name)
			}
			a, err := loadArray(dir, e)
			if err != nil {
				return nil, err
			}
			if err := p.SetArray(key, a); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrCorruptPatch, err)
			}
		}
	}
	return p, nil
}

func loadArray(dir string, e arrayEntry) (*utils.Array, error) {
	a, err := utils.NewArray(e.DType, e.Shape...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptPatch, e.Feature, err)
	}
	data, err := os.ReadFile(filepath.Join(dir, e.File))
	if err != nil {
		return nil, err
	}
	if len(data) != len(a.Data) {
		return nil, fmt.Errorf("%w: %s holds %d bytes, expected %d", ErrCorruptPatch, e.Feature, len(data), len(a.Data))
	}
	a.Data = data
	return a, nil
}

func loadVector(dir string, e vectorEntry) (*geojson.FeatureCollection, error) {
	data, err := os.ReadFile(filepath.Join(dir, e.File))
	if err != nil {
		return nil, err
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptPatch, e.Feature, err)
	}
	return fc, nil
}
