package utils

import (
	"fmt"
)

// LinearFunction maps every element x to Slope*x + Intercept. The result has
// DType, or float32 when DType is empty; integer results are rounded and
// clipped to the range of their type.
type LinearFunction struct {
	Slope     float64
	Intercept float64
	DType     DType
}

func (lf LinearFunction) Apply(a *Array) (*Array, error) {
	dtype := lf.DType
	if dtype == "" {
		dtype = Float32
	}
	out, err := NewArray(dtype, a.Shape...)
	if err != nil {
		return nil, err
	}

	values := a.Float64s()
	for i, v := range values {
		values[i] = lf.Slope*v + lf.Intercept
	}
	if err := out.SetFloat64s(values); err != nil {
		return nil, fmt.Errorf("linear function: %w", err)
	}
	return out, nil
}

// Rescale applies lf to the given array features of p in place.
func (lf LinearFunction) Rescale(p *Patch, keys ...FeatureKey) error {
	for _, key := range keys {
		a, err := p.Array(key)
		if err != nil {
			return err
		}
		scaled, err := lf.Apply(a)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		p.Arrays[key] = scaled
	}
	return nil
}
