package processor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/nci/gridjoin/log"
	"github.com/nci/gridjoin/metrics"
	"github.com/nci/gridjoin/storage"
	"github.com/nci/gridjoin/utils"
	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

var (
	validDataKey         = utils.NewFeatureKey(utils.FeatureMask, "VALID_DATA")
	nominalWaterKey      = utils.NewFeatureKey(utils.FeatureMaskTimeless, "NOMINAL_WATER")
	waterKey             = utils.NewFeatureKey(utils.FeatureMask, "NDWI_WATER")
	waterCountKey        = utils.NewFeatureKey(utils.FeatureScalar, "NDWI_WATER_MASK")
	nominalWaterCountKey = utils.NewFeatureKey(utils.FeatureScalar, "NOMINAL_WATER_MASK")
)

// FractionPipeline compares, per patch and acquisition, the observed water
// pixels against the nominal water extent, and merges the results of all
// patches into one GeoJSON file per CRS.
type FractionPipeline struct {
	Config     *utils.ProcessingConfig
	Input      *storage.Store
	Output     *storage.Store
	GeoJSONDir string
	WaterExpr  *BandExpression
	Workers    int
	Metrics    metrics.Logger
	RunID      string
}

func NewFractionPipeline(input, output *storage.Store, geojsonDir string, cfg *utils.ProcessingConfig, workers int, logger metrics.Logger) (*FractionPipeline, error) {
	fp := &FractionPipeline{
		Config:     cfg,
		Input:      input,
		Output:     output,
		GeoJSONDir: geojsonDir,
		Workers:    workers,
		Metrics:    logger,
		RunID:      metrics.NewRunID(),
	}
	if cfg.WaterExpression != "" {
		expr, err := ParseBandExpression(cfg.WaterExpression)
		if err != nil {
			return nil, err
		}
		fp.WaterExpr = expr
	}
	return fp, nil
}

// ProcessPatch runs the water fraction tasks on a loaded patch.
func (fp *FractionPipeline) ProcessPatch(p *utils.Patch) error {
	cfg := fp.Config
	if err := AddValidDataMask(p, cfg.InputWaterFeature, validDataKey, cfg.InvalidDataValue); err != nil {
		return err
	}
	if err := ExtractNominalWater(p, cfg.InputNominalWaterFeature, nominalWaterKey, cfg.WaterClassValue); err != nil {
		return err
	}
	if err := ExtractValidPixels(p, nominalWaterKey, validDataKey, nominalWaterCountKey); err != nil {
		return err
	}

	var err error
	if fp.WaterExpr != nil {
		err = EvaluateBandExpression(p, fp.WaterExpr, waterKey)
	} else {
		err = ExtractWaterPixels(p, cfg.InputWaterFeature, waterKey, cfg.WaterThreshold)
	}
	if err != nil {
		return err
	}
	if err := ExtractValidPixels(p, waterKey, validDataKey, waterCountKey); err != nil {
		return err
	}
	return ComputeFraction(p, waterCountKey, nominalWaterCountKey, cfg.OutputFeature)
}

func (fp *FractionPipeline) runPatch(name string) (fc *geojson.FeatureCollection, err error) {
	m := metrics.NewMetricsCollector(fp.Metrics, fp.RunID, utils.PipelineProcessing, name)
	defer func() { m.Finish(err) }()

	features := []utils.FeatureKey{fp.Config.InputWaterFeature, fp.Config.InputNominalWaterFeature}
	if fp.WaterExpr != nil {
		features = nil
	}
	p, err := fp.Input.Load(name, features...)
	if err != nil {
		return nil, err
	}
	m.StageDone("load")

	if err := fp.ProcessPatch(p); err != nil {
		return nil, err
	}
	m.StageDone("process")

	out := utils.NewPatch(p.BBox.Clone())
	out.Vectors[fp.Config.OutputFeature] = p.Vectors[fp.Config.OutputFeature]
	if err := fp.Output.Save(name, out, storage.OverwriteFeatures); err != nil {
		return nil, err
	}
	m.StageDone("save")

	return ExtractOutput(p, fp.Config.OutputFeature, name)
}

// Run processes the named patches and writes the merged GeoJSON files.
func (fp *FractionPipeline) Run(ctx context.Context, names []string) (finished, failed []string, err error) {
	var mu sync.Mutex
	outputs := map[string]*geojson.FeatureCollection{}

	finished, failed = forEachPatch(ctx, "FractionPipeline", fp.Workers, names, func(ctx context.Context, i int) error {
		fc, err := fp.runPatch(names[i])
		if err != nil {
			return err
		}
		mu.Lock()
		outputs[names[i]] = fc
		mu.Unlock()
		return nil
	})

	files, err := fp.writeOutputs(finished, outputs)
	if err != nil {
		return finished, failed, err
	}
	log.Info("FractionPipeline: done", zap.Int("finished", len(finished)), zap.Int("failed", len(failed)), zap.Strings("files", files))
	return finished, failed, nil
}

func (fp *FractionPipeline) writeOutputs(names []string, outputs map[string]*geojson.FeatureCollection) ([]string, error) {
	byEPSG := map[int]*geojson.FeatureCollection{}
	var fractions []float64
	for _, name := range names {
		for _, f := range outputs[name].Features {
			code, ok := f.Properties[PropEPSG].(int)
			if !ok {
				return nil, fmt.Errorf("output of %s has no EPSG code", name)
			}
			if byEPSG[code] == nil {
				byEPSG[code] = geojson.NewFeatureCollection()
			}
			byEPSG[code].Append(f)
			if frac, ok := f.Properties[PropWaterFraction].(float64); ok {
				fractions = append(fractions, frac)
			}
		}
	}

	if err := os.MkdirAll(fp.GeoJSONDir, 0755); err != nil {
		return nil, err
	}
	codes := make([]int, 0, len(byEPSG))
	for code := range byEPSG {
		codes = append(codes, code)
	}
	sort.Ints(codes)

	var files []string
	for _, code := range codes {
		data, err := byEPSG[code].MarshalJSON()
		if err != nil {
			return files, err
		}
		path := filepath.Join(fp.GeoJSONDir, fmt.Sprintf("%s_EPSG_%d.geojson", fp.Config.OutputFilename, code))
		if err := os.WriteFile(path, data, 0644); err != nil {
			return files, err
		}
		files = append(files, path)
	}

	if len(fractions) > 0 {
		log.Info("FractionPipeline: water fraction summary",
			zap.Int("count", len(fractions)),
			zap.Float64("mean", stat.Mean(fractions, nil)),
			zap.Float64("std", stat.StdDev(fractions, nil)),
			zap.Float64("min", floats.Min(fractions)),
			zap.Float64("max", floats.Max(fractions)))
	}
	return files, nil
}
