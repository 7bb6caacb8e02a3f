package catalog

import (
	"context"
	"fmt"
	"os"

	"github.com/nci/gridjoin/log"
	"github.com/nci/gridjoin/utils"
	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"
	yaml "gopkg.in/yaml.v2"
)

// PatchEntry is one item of a patch list file:
//
//	- name: eopatch-0
//	  bbox: {min_x: 500000, min_y: 4000000, max_x: 510240, max_y: 4010240, crs: "EPSG:32633"}
type PatchEntry struct {
	Name string     `yaml:"name"`
	BBox utils.BBox `yaml:"bbox"`
}

func LoadPatchList(path string) ([]PatchEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []PatchEntry
	if err := yaml.UnmarshalStrict(data, &entries); err != nil {
		return nil, fmt.Errorf("patch list %s: %v", path, err)
	}
	for i, e := range entries {
		if e.Name == "" {
			return nil, fmt.Errorf("patch list %s: entry %d has no name", path, i)
		}
		if err := e.BBox.Validate(); err != nil {
			return nil, fmt.Errorf("patch list %s: %s: %w", path, e.Name, err)
		}
	}
	return entries, nil
}

// AreaPatches splits an area into columns x rows patches named eopatch-<i>,
// numbered column by column from the south west corner.
func AreaPatches(area *utils.BBox, columns, rows int) ([]PatchEntry, error) {
	parts, err := area.Partition(columns, rows)
	if err != nil {
		return nil, err
	}
	entries := make([]PatchEntry, 0, columns*rows)
	for _, column := range parts {
		for _, bbox := range column {
			entries = append(entries, PatchEntry{Name: fmt.Sprintf("eopatch-%d", len(entries)), BBox: *bbox})
		}
	}
	return entries, nil
}

func (c *Catalog) RegisterPatches(ctx context.Context, entries []PatchEntry) error {
	for i := range entries {
		if err := c.RegisterPatch(ctx, entries[i].Name, &entries[i].BBox); err != nil {
			return err
		}
	}
	log.Info("Catalog: registered patches", zap.Int("count", len(entries)))
	return nil
}

// ImportScenes indexes the items of a STAC item collection. Each item needs
// an id and properties.datetime; its CRS is read from properties.proj:epsg
// and defaults to WGS84, its extent from bbox or else from the geometry.
func (c *Catalog) ImportScenes(ctx context.Context, collection string, fc *geojson.FeatureCollection) (int, error) {
	n := 0
	for i, f := range fc.Features {
		s, err := sceneFromFeature(collection, f)
		if err != nil {
			return n, fmt.Errorf("item %d: %w", i, err)
		}
		if err := c.AddScene(ctx, s); err != nil {
			return n, err
		}
		n++
	}
	log.Info("Catalog: imported scenes", zap.String("collection", collection), zap.Int("count", n))
	return n, nil
}

func sceneFromFeature(collection string, f *geojson.Feature) (*Scene, error) {
	id, ok := f.ID.(string)
	if !ok || id == "" {
		return nil, fmt.Errorf("missing id")
	}
	raw, ok := f.Properties["datetime"].(string)
	if !ok {
		return nil, fmt.Errorf("%s: missing properties.datetime", id)
	}
	ts, err := utils.ParseTime(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", id, err)
	}

	crs := utils.WGS84
	if code, ok := f.Properties["proj:epsg"].(float64); ok {
		crs, err = utils.ParseCRS(fmt.Sprint(int(code)))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", id, err)
		}
	}

	var bbox *utils.BBox
	if len(f.BBox) == 4 {
		bbox, err = utils.NewBBox(f.BBox[0], f.BBox[1], f.BBox[2], f.BBox[3], crs)
	} else if f.Geometry != nil {
		bound := f.Geometry.Bound()
		bbox, err = utils.NewBBox(bound.Min.X(), bound.Min.Y(), bound.Max.X(), bound.Max.Y(), crs)
	} else {
		err = utils.ErrInvalidBBox
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", id, err)
	}

	props := make(map[string]interface{}, len(f.Properties))
	for k, v := range f.Properties {
		props[k] = v
	}
	return &Scene{Collection: collection, ID: id, Datetime: ts, BBox: bbox, Properties: props}, nil
}
