package processor

import (
	"fmt"
	"time"

	"github.com/nci/gridjoin/utils"
	"github.com/paulmach/orb/geojson"
)

const (
	PropWaterPixels        = "water_valid_pixels"
	PropNominalWaterPixels = "nominal_water_valid_pixels"
	PropWaterFraction      = "water_fraction"
	PropTimestamp          = "timestamp"
	PropEPSG               = "epsg"
	PropPatch              = "eopatch"
)

// squeezeCounts flattens a (time, 1) scalar feature of pixel counts.
func squeezeCounts(p *utils.Patch, key utils.FeatureKey) ([]float64, error) {
	a, err := p.Array(key)
	if err != nil {
		return nil, err
	}
	if a.NDim() != 2 || a.Shape[1] != 1 {
		return nil, fmt.Errorf("%w: %s has shape %v, expected (time, 1)", ErrShapeMismatch, key, a.Shape)
	}
	return a.Float64s(), nil
}

// ComputeFraction builds one GeoJSON feature per timestamp with the valid
// water and nominal water pixel counts, and their ratio where defined. The
// geometry of every feature is the patch bbox, in the patch CRS.
func ComputeFraction(p *utils.Patch, water, nominal, out utils.FeatureKey) error {
	if p.BBox == nil {
		return ErrMissingBBox
	}
	if len(p.Timestamps) == 0 {
		return ErrNoTimestamps
	}
	waterCounts, err := squeezeCounts(p, water)
	if err != nil {
		return err
	}
	nominalCounts, err := squeezeCounts(p, nominal)
	if err != nil {
		return err
	}
	if len(waterCounts) != len(p.Timestamps) || len(nominalCounts) != len(p.Timestamps) {
		return fmt.Errorf("%w: %d water and %d nominal counts for %d timestamps",
			ErrShapeMismatch, len(waterCounts), len(nominalCounts), len(p.Timestamps))
	}

	fc := geojson.NewFeatureCollection()
	geometry := p.BBox.Polygon()
	for i, ts := range p.Timestamps {
		f := geojson.NewFeature(geometry.Clone())
		f.Properties[PropWaterPixels] = int64(waterCounts[i])
		f.Properties[PropNominalWaterPixels] = int64(nominalCounts[i])
		if nominalCounts[i] > 0 {
			f.Properties[PropWaterFraction] = waterCounts[i] / nominalCounts[i]
		}
		f.Properties[PropTimestamp] = ts.UTC().Format(time.RFC3339)
		f.Properties[PropEPSG] = p.BBox.CRS.EPSG()
		fc.Append(f)
	}
	return p.SetVector(out, fc)
}

// ExtractOutput returns a copy of a vector feature tagged with the patch
// name and EPSG code, ready to be merged with the output of other patches.
func ExtractOutput(p *utils.Patch, feature utils.FeatureKey, patchName string) (*geojson.FeatureCollection, error) {
	fc, err := p.Vector(feature)
	if err != nil {
		return nil, err
	}
	if p.BBox == nil {
		return nil, ErrMissingBBox
	}
	out, err := utils.CloneFeatureCollection(fc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", feature, err)
	}
	for _, f := range out.Features {
		if f.Properties == nil {
			f.Properties = geojson.Properties{}
		}
		f.Properties[PropPatch] = patchName
		f.Properties[PropEPSG] = p.BBox.CRS.EPSG()
	}
	return out, nil
}
