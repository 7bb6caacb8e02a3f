package utils

import (
	"fmt"
	"sort"
	"time"

	"github.com/mitchellh/copystructure"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Patch is the unit of work of every pipeline: the data of one bounding box
// over zero or more acquisition times.
type Patch struct {
	BBox       *BBox
	Timestamps []time.Time
	Arrays     map[FeatureKey]*Array
	Vectors    map[FeatureKey]*geojson.FeatureCollection
	MetaInfo   map[string]interface{}
}

func NewPatch(bbox *BBox) *Patch {
	return &Patch{
		BBox:     bbox,
		Arrays:   map[FeatureKey]*Array{},
		Vectors:  map[FeatureKey]*geojson.FeatureCollection{},
		MetaInfo: map[string]interface{}{},
	}
}

func (p *Patch) SetArray(key FeatureKey, a *Array) error {
	if !key.Type.IsArray() {
		return fmt.Errorf("%w: %s", ErrNotArrayFeature, key)
	}
	if err := a.Validate(); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if a.NDim() != key.Type.NDim() {
		return fmt.Errorf("%w: %s expects %d dimensions, got shape %v", ErrFeatureRank, key, key.Type.NDim(), a.Shape)
	}
	if p.Arrays == nil {
		p.Arrays = map[FeatureKey]*Array{}
	}
	p.Arrays[key] = a
	return nil
}

func (p *Patch) Array(key FeatureKey) (*Array, error) {
	a, ok := p.Arrays[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFeatureNotFound, key)
	}
	return a, nil
}

func (p *Patch) SetVector(key FeatureKey, fc *geojson.FeatureCollection) error {
	if !key.Type.IsVector() {
		return fmt.Errorf("%w: %s", ErrNotVectorFeature, key)
	}
	if p.Vectors == nil {
		p.Vectors = map[FeatureKey]*geojson.FeatureCollection{}
	}
	p.Vectors[key] = fc
	return nil
}

func (p *Patch) Vector(key FeatureKey) (*geojson.FeatureCollection, error) {
	fc, ok := p.Vectors[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFeatureNotFound, key)
	}
	return fc, nil
}

// Features lists every key present in the patch in a stable order.
func (p *Patch) Features() []FeatureKey {
	var keys []FeatureKey
	if p.BBox != nil {
		keys = append(keys, FeatureKey{Type: FeatureBBox})
	}
	if len(p.Timestamps) > 0 {
		keys = append(keys, FeatureKey{Type: FeatureTimestamp})
	}
	for k := range p.Arrays {
		keys = append(keys, k)
	}
	for k := range p.Vectors {
		keys = append(keys, k)
	}
	for name := range p.MetaInfo {
		keys = append(keys, FeatureKey{Type: FeatureMetaInfo, Name: name})
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Type != keys[j].Type {
			return keys[i].Type < keys[j].Type
		}
		return keys[i].Name < keys[j].Name
	})
	return keys
}

// Clone returns a deep copy sharing no storage with p.
func (p *Patch) Clone() (*Patch, error) {
	out := NewPatch(p.BBox.Clone())
	if p.Timestamps != nil {
		out.Timestamps = append([]time.Time(nil), p.Timestamps...)
	}
	for k, a := range p.Arrays {
		out.Arrays[k] = a.Clone()
	}
	for k, fc := range p.Vectors {
		c, err := CloneFeatureCollection(fc)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out.Vectors[k] = c
	}
	for k, v := range p.MetaInfo {
		c, err := CloneValue(v)
		if err != nil {
			return nil, fmt.Errorf("meta_info/%s: %w", k, err)
		}
		out.MetaInfo[k] = c
	}
	return out, nil
}

func CloneFeatureCollection(fc *geojson.FeatureCollection) (*geojson.FeatureCollection, error) {
	if fc == nil {
		return nil, nil
	}
	out := geojson.NewFeatureCollection()
	for _, f := range fc.Features {
		nf := geojson.NewFeature(orb.Clone(f.Geometry))
		id, err := CloneValue(f.ID)
		if err != nil {
			return nil, err
		}
		nf.ID = id
		if f.Properties != nil {
			props, err := CloneValue(map[string]interface{}(f.Properties))
			if err != nil {
				return nil, err
			}
			nf.Properties = geojson.Properties(props.(map[string]interface{}))
		}
		out.Append(nf)
	}
	return out, nil
}

// CloneValue deep copies a meta-info value of any type. Unexported struct
// fields are not copied.
func CloneValue(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	if a, ok := v.(*Array); ok {
		return a.Clone(), nil
	}
	return copystructure.Copy(v)
}
