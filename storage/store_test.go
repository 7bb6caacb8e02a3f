package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nci/gridjoin/utils"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	bandsKey = utils.NewFeatureKey(utils.FeatureData, "BANDS")
	waterKey = utils.NewFeatureKey(utils.FeatureMaskTimeless, "WATER")
	fracKey  = utils.NewFeatureKey(utils.FeatureVectorTimeless, "FRACTION")
)

func testPatch(t *testing.T) *utils.Patch {
	t.Helper()
	bbox, err := utils.NewBBox(500000, 4000000, 502560, 4002560, "EPSG:32633")
	require.NoError(t, err)
	p := utils.NewPatch(bbox)
	p.Timestamps = []time.Time{
		time.Date(2020, 6, 1, 10, 30, 0, 0, time.UTC),
		time.Date(2020, 6, 11, 10, 30, 0, 0, time.UTC),
	}

	bands, err := utils.FromSlice([]int{2, 2, 2, 1}, []float32{0.5, -1, 0.25, 3, 7, 8, 9, 10})
	require.NoError(t, err)
	require.NoError(t, p.SetArray(bandsKey, bands))

	water, err := utils.FromSlice([]int{2, 2, 1}, []bool{true, false, false, true})
	require.NoError(t, err)
	require.NoError(t, p.SetArray(waterKey, water))

	fc := geojson.NewFeatureCollection()
	f := geojson.NewFeature(bbox.Polygon())
	f.Properties["water_fraction"] = 0.5
	fc.Append(f)
	require.NoError(t, p.SetVector(fracKey, fc))

	p.MetaInfo["service_type"] = "processing"
	return p
}

func TestStoreRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	p := testPatch(t)

	require.NoError(t, store.Save("eopatch-0", p, AddOnly))
	assert.True(t, store.Exists("eopatch-0"))

	loaded, err := store.Load("eopatch-0")
	require.NoError(t, err)

	assert.Equal(t, p.BBox, loaded.BBox)
	assert.Equal(t, p.Timestamps, loaded.Timestamps)
	assert.True(t, p.Arrays[bandsKey].Equal(loaded.Arrays[bandsKey]))
	assert.True(t, p.Arrays[waterKey].Equal(loaded.Arrays[waterKey]))
	assert.Equal(t, "processing", loaded.MetaInfo["service_type"])

	fc := loaded.Vectors[fracKey]
	require.NotNil(t, fc)
	require.Len(t, fc.Features, 1)
	assert.Equal(t, 0.5, fc.Features[0].Properties["water_fraction"])
	assert.True(t, orb.Equal(p.BBox.Polygon(), fc.Features[0].Geometry))
}

func TestStoreLoadSelected(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Save("p", testPatch(t), AddOnly))

	loaded, err := store.Load("p", waterKey, utils.NewFeatureKey(utils.FeatureBBox, ""))
	require.NoError(t, err)
	assert.Len(t, loaded.Arrays, 1)
	assert.Contains(t, loaded.Arrays, waterKey)
	assert.Empty(t, loaded.Vectors)
	assert.Empty(t, loaded.MetaInfo)
	assert.Len(t, loaded.Timestamps, 2)

	_, err = store.Load("p", utils.NewFeatureKey(utils.FeatureMask, "MISSING"))
	assert.ErrorIs(t, err, utils.ErrFeatureNotFound)

	_, err = store.Load("nope")
	assert.ErrorIs(t, err, ErrPatchNotFound)
}

func TestStoreOverwritePermissions(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Save("p", testPatch(t), AddOnly))

	update := utils.NewPatch(nil)
	bands, err := utils.FromSlice([]int{1, 1, 1, 1}, []float32{42})
	require.NoError(t, err)
	require.NoError(t, update.SetArray(bandsKey, bands))

	err = store.Save("p", update, AddOnly)
	assert.ErrorIs(t, err, ErrPatchExists)

	require.NoError(t, store.Save("p", update, OverwriteFeatures))
	loaded, err := store.Load("p")
	require.NoError(t, err)
	assert.Equal(t, []float32{42}, utils.View[float32](loaded.Arrays[bandsKey]))
	assert.Contains(t, loaded.Arrays, waterKey)
	assert.NotNil(t, loaded.BBox)

	require.NoError(t, store.Save("p", update, OverwritePatch))
	loaded, err = store.Load("p")
	require.NoError(t, err)
	assert.Len(t, loaded.Arrays, 1)
	assert.Nil(t, loaded.BBox)
	assert.Empty(t, loaded.Vectors)
}

func TestStoreNestedNames(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(root)
	require.NoError(t, err)

	require.NoError(t, store.Save("patch-3/0_1", testPatch(t), AddOnly))
	require.NoError(t, store.Save("patch-3/1_1", testPatch(t), AddOnly))
	assert.True(t, store.Exists("patch-3/0_1"))
	assert.False(t, store.Exists("patch-3"))

	// the parent folder can become a patch without touching its children
	require.NoError(t, store.Save("patch-3", testPatch(t), AddOnly))
	assert.True(t, store.Exists("patch-3"))
	assert.True(t, store.Exists("patch-3/1_1"))

	names, err := store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"patch-3"}, names)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), utils.ScratchPrefix, "scratch folder left behind")
	}
}

func TestStoreInvalidNames(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	for _, name := range []string{"", ".", "..", "../escape", "/abs", "a/.hidden"} {
		err := store.Save(name, testPatch(t), AddOnly)
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}
}

func TestStoreCorruptArray(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(root)
	require.NoError(t, err)
	require.NoError(t, store.Save("p", testPatch(t), AddOnly))

	require.NoError(t, os.WriteFile(filepath.Join(root, "p", "data", "BANDS.bin"), []byte{1, 2, 3}, 0644))
	_, err = store.Load("p")
	assert.ErrorIs(t, err, ErrCorruptPatch)
}

func TestStoreDelete(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Save("p", testPatch(t), AddOnly))

	require.NoError(t, store.Delete("p"))
	assert.False(t, store.Exists("p"))
	assert.ErrorIs(t, store.Delete("p"), ErrPatchNotFound)
}

func TestParseOverwritePermission(t *testing.T) {
	p, err := ParseOverwritePermission("OVERWRITE_FEATURES")
	require.NoError(t, err)
	assert.Equal(t, OverwriteFeatures, p)
	assert.Equal(t, "overwrite_features", p.String())

	_, err = ParseOverwritePermission("replace")
	assert.Error(t, err)
}

func TestStoreNestedMetaInfo(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	p := utils.NewPatch(testPatch(t).BBox)
	p.MetaInfo["RAW_RESULTS"] = []interface{}{
		map[string]interface{}{
			"id":         "S2A_1",
			"properties": map[string]interface{}{"datetime": "2020-06-01T10:30:00Z", "eo:cloud_cover": 12.5},
		},
	}
	require.NoError(t, store.Save("p", p, AddOnly))

	loaded, err := store.Load("p")
	require.NoError(t, err)
	raw, ok := loaded.MetaInfo["RAW_RESULTS"].([]interface{})
	require.True(t, ok)
	require.Len(t, raw, 1)
	result, ok := raw[0].(map[string]interface{})
	require.True(t, ok)
	props, ok := result["properties"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "2020-06-01T10:30:00Z", props["datetime"])
	assert.Equal(t, 12.5, props["eo:cloud_cover"])
}
