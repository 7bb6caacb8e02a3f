package processor

import (
	"fmt"

	"github.com/nci/gridjoin/utils"
)

func maskFrom(p *utils.Patch, in, out utils.FeatureKey, pred func(float64) bool) error {
	a, err := p.Array(in)
	if err != nil {
		return err
	}
	mask, err := utils.NewArray(utils.Bool, a.Shape...)
	if err != nil {
		return err
	}
	data := utils.View[bool](mask)
	for i, v := range a.Float64s() {
		data[i] = pred(v)
	}
	return p.SetArray(out, mask)
}

// AddValidDataMask marks every element of in that differs from invalidValue.
func AddValidDataMask(p *utils.Patch, in, out utils.FeatureKey, invalidValue float64) error {
	return maskFrom(p, in, out, func(v float64) bool { return v != invalidValue })
}

// ExtractNominalWater marks the elements of a land cover feature equal to the
// water class.
func ExtractNominalWater(p *utils.Patch, in, out utils.FeatureKey, classValue float64) error {
	return maskFrom(p, in, out, func(v float64) bool { return v == classValue })
}

// ExtractWaterPixels marks the elements of a water index above threshold.
func ExtractWaterPixels(p *utils.Patch, in, out utils.FeatureKey, threshold float64) error {
	return maskFrom(p, in, out, func(v float64) bool { return v > threshold })
}

// ExtractValidPixels counts, per time frame and channel, the pixels set in
// both in and mask. A timeless in is repeated over the patch timestamps.
// The counts are stored as an int64 (time, channels) scalar feature.
func ExtractValidPixels(p *utils.Patch, in, mask, out utils.FeatureKey) error {
	a, err := p.Array(in)
	if err != nil {
		return err
	}
	m, err := p.Array(mask)
	if err != nil {
		return err
	}
	if m.NDim() != 4 {
		return fmt.Errorf("%w: %s has shape %v", utils.ErrFeatureRank, mask, m.Shape)
	}
	times, height, width, channels := m.Shape[0], m.Shape[1], m.Shape[2], m.Shape[3]

	repeat := false
	switch a.NDim() {
	case 3:
		if times != len(p.Timestamps) {
			return fmt.Errorf("%w: %s has %d frames for %d timestamps", ErrShapeMismatch, mask, times, len(p.Timestamps))
		}
		repeat = true
		if a.Shape[0] != height || a.Shape[1] != width || a.Shape[2] != channels {
			return fmt.Errorf("%w: %s %v and %s %v", ErrShapeMismatch, in, a.Shape, mask, m.Shape)
		}
	case 4:
		if !a.SameShape(m) {
			return fmt.Errorf("%w: %s %v and %s %v", ErrShapeMismatch, in, a.Shape, mask, m.Shape)
		}
	default:
		return fmt.Errorf("%w: %s has shape %v", utils.ErrFeatureRank, in, a.Shape)
	}

	values := a.Float64s()
	masked := m.Float64s()
	frame := height * width * channels
	counts := make([]int64, times*channels)
	for t := 0; t < times; t++ {
		for i := 0; i < frame; i++ {
			src := t*frame + i
			if repeat {
				src = i
			}
			if values[src] != 0 && masked[t*frame+i] != 0 {
				counts[t*channels+i%channels]++
			}
		}
	}

	result, err := utils.FromSlice([]int{times, channels}, counts)
	if err != nil {
		return err
	}
	return p.SetArray(out, result)
}
