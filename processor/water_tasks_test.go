package processor

import (
	"testing"
	"time"

	"github.com/nci/gridjoin/utils"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	ndwiKey     = utils.NewFeatureKey(utils.FeatureData, "NDWI")
	landCover   = utils.NewFeatureKey(utils.FeatureMaskTimeless, "LAND_COVER")
	fractionKey = utils.NewFeatureKey(utils.FeatureVectorTimeless, "WATER_FRACTION")
)

// waterPatch has two 2x2 frames of NDWI values and a land cover map whose
// left column is water (class 5).
func waterPatch(t *testing.T) *utils.Patch {
	t.Helper()
	bbox, err := utils.NewBBox(500000, 4000000, 500020, 4000020, "EPSG:32633")
	require.NoError(t, err)
	p := utils.NewPatch(bbox)
	p.Timestamps = []time.Time{
		time.Date(2019, 6, 1, 10, 0, 0, 0, time.UTC),
		time.Date(2019, 6, 6, 10, 0, 0, 0, time.UTC),
	}
	ndwi, err := utils.FromSlice([]int{2, 2, 2, 1}, []float32{
		0.5, -0.3,
		0.4, -1,
		-1, -1,
		0.1, 0.6,
	})
	setArray(t, p, ndwiKey, ndwi, err)
	lc, err := utils.FromSlice([]int{2, 2, 1}, []uint8{
		5, 1,
		5, 2,
	})
	setArray(t, p, landCover, lc, err)
	return p
}

func TestWaterMasks(t *testing.T) {
	p := waterPatch(t)

	require.NoError(t, AddValidDataMask(p, ndwiKey, validDataKey, -1))
	assert.Equal(t, []bool{true, true, true, false, false, false, true, true}, utils.View[bool](p.Arrays[validDataKey]))

	require.NoError(t, ExtractNominalWater(p, landCover, nominalWaterKey, 5))
	assert.Equal(t, []bool{true, false, true, false}, utils.View[bool](p.Arrays[nominalWaterKey]))

	require.NoError(t, ExtractWaterPixels(p, ndwiKey, waterKey, 0.2))
	assert.Equal(t, []bool{true, false, true, false, false, false, false, true}, utils.View[bool](p.Arrays[waterKey]))

	assert.ErrorIs(t, ExtractWaterPixels(p, utils.NewFeatureKey(utils.FeatureData, "MISSING"), waterKey, 0), utils.ErrFeatureNotFound)
}

func TestExtractValidPixels(t *testing.T) {
	p := waterPatch(t)
	require.NoError(t, AddValidDataMask(p, ndwiKey, validDataKey, -1))
	require.NoError(t, ExtractNominalWater(p, landCover, nominalWaterKey, 5))
	require.NoError(t, ExtractWaterPixels(p, ndwiKey, waterKey, 0.2))

	// the timeless nominal water mask is repeated over both frames
	require.NoError(t, ExtractValidPixels(p, nominalWaterKey, validDataKey, nominalWaterCountKey))
	counts := p.Arrays[nominalWaterCountKey]
	assert.Equal(t, []int{2, 1}, counts.Shape)
	assert.Equal(t, []int64{2, 1}, utils.View[int64](counts))

	require.NoError(t, ExtractValidPixels(p, waterKey, validDataKey, waterCountKey))
	assert.Equal(t, []int64{2, 1}, utils.View[int64](p.Arrays[waterCountKey]))
}

func TestExtractValidPixelsShapes(t *testing.T) {
	p := waterPatch(t)
	require.NoError(t, AddValidDataMask(p, ndwiKey, validDataKey, -1))

	small, err := utils.FromSlice([]int{1, 2, 1}, []bool{true, true})
	setArray(t, p, utils.NewFeatureKey(utils.FeatureMaskTimeless, "SMALL"), small, err)
	err = ExtractValidPixels(p, utils.NewFeatureKey(utils.FeatureMaskTimeless, "SMALL"), validDataKey, waterCountKey)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	// more frames than timestamps
	p.Timestamps = p.Timestamps[:1]
	require.NoError(t, ExtractNominalWater(p, landCover, nominalWaterKey, 5))
	err = ExtractValidPixels(p, nominalWaterKey, validDataKey, nominalWaterCountKey)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	// the mask must be time dependent
	err = ExtractValidPixels(p, validDataKey, nominalWaterKey, waterCountKey)
	assert.ErrorIs(t, err, utils.ErrFeatureRank)
}

func TestBandExpression(t *testing.T) {
	be, err := ParseBandExpression("NDWI > 0.2 && LAND_COVER == 5")
	require.NoError(t, err)
	assert.Equal(t, []string{"NDWI", "LAND_COVER"}, be.Vars)

	p := waterPatch(t)
	require.NoError(t, EvaluateBandExpression(p, be, waterKey))
	mask := p.Arrays[waterKey]
	assert.Equal(t, utils.Bool, mask.DType)
	assert.Equal(t, []int{2, 2, 2, 1}, mask.Shape)
	assert.Equal(t, []bool{true, false, true, false, false, false, false, false}, utils.View[bool](mask))

	scaled, err := ParseBandExpression("NDWI * 2")
	require.NoError(t, err)
	out := utils.NewFeatureKey(utils.FeatureData, "NDWI_X2")
	require.NoError(t, EvaluateBandExpression(p, scaled, out))
	assert.Equal(t, utils.Float32, p.Arrays[out].DType)
	assert.InDeltaSlice(t, []float64{1, -0.6, 0.8, -2, -2, -2, 0.2, 1.2}, p.Arrays[out].Float64s(), 1e-6)
}

func TestBandExpressionErrors(t *testing.T) {
	for _, text := range []string{"", "   ", "NDWI >", "1 + 2"} {
		_, err := ParseBandExpression(text)
		assert.ErrorIs(t, err, ErrExpression, text)
	}

	p := waterPatch(t)
	be, err := ParseBandExpression("B08 > 0")
	require.NoError(t, err)
	assert.ErrorIs(t, EvaluateBandExpression(p, be, waterKey), utils.ErrFeatureNotFound)

	other, err := utils.FromSlice([]int{1, 3, 3, 1}, make([]float32, 9))
	setArray(t, p, utils.NewFeatureKey(utils.FeatureData, "B08"), other, err)
	be, err = ParseBandExpression("NDWI > B08")
	require.NoError(t, err)
	assert.ErrorIs(t, EvaluateBandExpression(p, be, waterKey), ErrShapeMismatch)
}

func countsPatch(t *testing.T, water, nominal []int64) *utils.Patch {
	t.Helper()
	p := waterPatch(t)
	a, err := utils.FromSlice([]int{len(water), 1}, water)
	setArray(t, p, waterCountKey, a, err)
	a, err = utils.FromSlice([]int{len(nominal), 1}, nominal)
	setArray(t, p, nominalWaterCountKey, a, err)
	return p
}

func TestComputeFraction(t *testing.T) {
	p := countsPatch(t, []int64{3, 0}, []int64{4, 0})
	require.NoError(t, ComputeFraction(p, waterCountKey, nominalWaterCountKey, fractionKey))

	fc := p.Vectors[fractionKey]
	require.NotNil(t, fc)
	require.Len(t, fc.Features, 2)

	first := fc.Features[0]
	assert.Equal(t, int64(3), first.Properties[PropWaterPixels])
	assert.Equal(t, int64(4), first.Properties[PropNominalWaterPixels])
	assert.Equal(t, 0.75, first.Properties[PropWaterFraction])
	assert.Equal(t, "2019-06-01T10:00:00Z", first.Properties[PropTimestamp])
	assert.Equal(t, 32633, first.Properties[PropEPSG])
	assert.Equal(t, orb.Bound{Min: orb.Point{500000, 4000000}, Max: orb.Point{500020, 4000020}}, first.Geometry.Bound())

	// no nominal water, no fraction
	assert.NotContains(t, fc.Features[1].Properties, PropWaterFraction)
}

func TestComputeFractionErrors(t *testing.T) {
	p := countsPatch(t, []int64{3}, []int64{4})
	assert.ErrorIs(t, ComputeFraction(p, waterCountKey, nominalWaterCountKey, fractionKey), ErrShapeMismatch)

	p = countsPatch(t, []int64{3, 1}, []int64{4, 1})
	p.Timestamps = nil
	assert.ErrorIs(t, ComputeFraction(p, waterCountKey, nominalWaterCountKey, fractionKey), ErrNoTimestamps)

	p = countsPatch(t, []int64{3, 1}, []int64{4, 1})
	wide, err := utils.FromSlice([]int{2, 2}, []int64{1, 2, 3, 4})
	setArray(t, p, waterCountKey, wide, err)
	assert.ErrorIs(t, ComputeFraction(p, waterCountKey, nominalWaterCountKey, fractionKey), ErrShapeMismatch)
}

func TestExtractOutput(t *testing.T) {
	p := countsPatch(t, []int64{3, 1}, []int64{4, 2})
	require.NoError(t, ComputeFraction(p, waterCountKey, nominalWaterCountKey, fractionKey))

	out, err := ExtractOutput(p, fractionKey, "eopatch-7")
	require.NoError(t, err)
	require.Len(t, out.Features, 2)
	for _, f := range out.Features {
		assert.Equal(t, "eopatch-7", f.Properties[PropPatch])
		assert.Equal(t, 32633, f.Properties[PropEPSG])
	}
	// the patch keeps its own copy
	assert.NotContains(t, p.Vectors[fractionKey].Features[0].Properties, PropPatch)

	_, err = ExtractOutput(p, utils.NewFeatureKey(utils.FeatureVector, "MISSING"), "eopatch-7")
	assert.ErrorIs(t, err, utils.ErrFeatureNotFound)
}
