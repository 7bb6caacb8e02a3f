package utils

import (
	"fmt"
	"strings"
)

// FeatureType classifies what a patch feature holds and how it is indexed.
type FeatureType string

const (
	FeatureData           FeatureType = "data"
	FeatureMask           FeatureType = "mask"
	FeatureScalar         FeatureType = "scalar"
	FeatureLabel          FeatureType = "label"
	FeatureVector         FeatureType = "vector"
	FeatureDataTimeless   FeatureType = "data_timeless"
	FeatureMaskTimeless   FeatureType = "mask_timeless"
	FeatureScalarTimeless FeatureType = "scalar_timeless"
	FeatureLabelTimeless  FeatureType = "label_timeless"
	FeatureVectorTimeless FeatureType = "vector_timeless"
	FeatureMetaInfo       FeatureType = "meta_info"
	FeatureBBox           FeatureType = "bbox"
	FeatureTimestamp      FeatureType = "timestamp"
)

var featureTypes = []FeatureType{
	FeatureData, FeatureMask, FeatureScalar, FeatureLabel, FeatureVector,
	FeatureDataTimeless, FeatureMaskTimeless, FeatureScalarTimeless, FeatureLabelTimeless,
	FeatureVectorTimeless, FeatureMetaInfo, FeatureBBox, FeatureTimestamp,
}

func ParseFeatureType(s string) (FeatureType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, ft := range featureTypes {
		if string(ft) == s {
			return ft, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFeature, s)
}

// IsSpatial reports features indexed by pixel position or carrying geometry.
func (ft FeatureType) IsSpatial() bool {
	switch ft {
	case FeatureData, FeatureMask, FeatureVector, FeatureDataTimeless, FeatureMaskTimeless, FeatureVectorTimeless:
		return true
	}
	return false
}

func (ft FeatureType) IsVector() bool {
	return ft == FeatureVector || ft == FeatureVectorTimeless
}

// IsRaster reports spatial features backed by height x width arrays.
func (ft FeatureType) IsRaster() bool {
	return ft.IsSpatial() && !ft.IsVector()
}

// IsArray reports every feature type whose values are Arrays.
func (ft FeatureType) IsArray() bool {
	return ft.NDim() > 0
}

func (ft FeatureType) IsTimeDependent() bool {
	switch ft {
	case FeatureData, FeatureMask, FeatureScalar, FeatureLabel, FeatureVector, FeatureTimestamp:
		return true
	}
	return false
}

// IsDiscrete reports features expected to hold integer or boolean values.
func (ft FeatureType) IsDiscrete() bool {
	switch ft {
	case FeatureMask, FeatureMaskTimeless, FeatureLabel, FeatureLabelTimeless:
		return true
	}
	return false
}

// NDim is the array rank for array valued features and 0 otherwise.
func (ft FeatureType) NDim() int {
	switch ft {
	case FeatureData, FeatureMask:
		return 4
	case FeatureDataTimeless, FeatureMaskTimeless:
		return 3
	case FeatureScalar, FeatureLabel:
		return 2
	case FeatureScalarTimeless, FeatureLabelTimeless:
		return 1
	}
	return 0
}

// FeatureKey addresses a single feature of a patch. BBox and Timestamp
// features have an empty name.
type FeatureKey struct {
	Type FeatureType
	Name string
}

func NewFeatureKey(ft FeatureType, name string) FeatureKey {
	return FeatureKey{Type: ft, Name: name}
}

// ParseFeatureKey reads "type/name", e.g. "data/BANDS" or "bbox".
func ParseFeatureKey(s string) (FeatureKey, error) {
	parts := strings.SplitN(s, "/", 2)
	ft, err := ParseFeatureType(parts[0])
	if err != nil {
		return FeatureKey{}, err
	}
	key := FeatureKey{Type: ft}
	if len(parts) == 2 {
		key.Name = parts[1]
	}
	if key.Name == "" && ft != FeatureBBox && ft != FeatureTimestamp {
		return FeatureKey{}, fmt.Errorf("%w: feature %q needs a name", ErrUnknownFeature, s)
	}
	return key, nil
}

func (k FeatureKey) String() string {
	if k.Name == "" {
		return string(k.Type)
	}
	return string(k.Type) + "/" + k.Name
}

// UnmarshalYAML accepts both "data/BANDS" and the [data, BANDS] pair form.
func (k *FeatureKey) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var pair []string
	if err := unmarshal(&pair); err == nil {
		if len(pair) == 0 || len(pair) > 2 {
			return fmt.Errorf("%w: %v", ErrUnknownFeature, pair)
		}
		key, err := ParseFeatureKey(strings.Join(pair, "/"))
		if err != nil {
			return err
		}
		*k = key
		return nil
	}
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	key, err := ParseFeatureKey(raw)
	if err != nil {
		return err
	}
	*k = key
	return nil
}

func (k FeatureKey) MarshalYAML() (interface{}, error) {
	return k.String(), nil
}
