package main

/* gem-process runs the patch pipelines described by the pipeline.yaml
   files found under the config directory:
   catalog    records, per patch, the acquisitions available in a collection
   download   fetches every patch as a grid of tiles and joins them
   processing computes water fractions and merges them per CRS
   Patches and their bboxes are registered in the catalog database. */

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nci/gridjoin/catalog"
	"github.com/nci/gridjoin/crawl"
	"github.com/nci/gridjoin/log"
	"github.com/nci/gridjoin/metrics"
	proc "github.com/nci/gridjoin/processor"
	"github.com/nci/gridjoin/storage"
	"github.com/nci/gridjoin/utils"
	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"
)

var (
	configDir      = flag.String("conf_dir", utils.EtcDir, "Pipeline config directory.")
	namespace      = flag.String("namespace", "", "Only run the config of this namespace.")
	logDir         = flag.String("log_dir", "", "Metrics log directory, '-' for stdout. Overrides metrics.log_dir.")
	pattern        = flag.String("pattern", "", "Patch filter expression over name and path, e.g. \"name =~ '^eopatch-1'\".")
	registerList   = flag.String("register", "", "Register the patches of a YAML patch list in the catalog and exit.")
	scenesFile     = flag.String("import_scenes", "", "Import a STAC item collection into the catalog collection and exit.")
	validateConfig = flag.Bool("check_conf", false, "Validate pipeline config files.")
	every          = flag.Duration("every", 0, "Run the pipelines repeatedly at this interval. Configs reload on SIGHUP.")
	verbose        = flag.Bool("v", false, "Verbose mode for more outputs.")
)

func newMetricsLogger(conf *utils.Config) (metrics.Logger, func(), error) {
	dir := conf.Metrics.LogDir
	if *logDir != "" {
		dir = *logDir
	}
	switch dir {
	case "":
		return nil, func() {}, nil
	case "-":
		return metrics.NewStdoutLogger(), func() {}, nil
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(conf.Storage.Root, dir)
	}
	fl, err := metrics.NewFileLogger(dir, conf.Metrics.MaxLogFileSize, conf.Metrics.MaxLogFiles, *verbose)
	if err != nil {
		return nil, nil, err
	}
	return fl, fl.Close, nil
}

func openStore(conf *utils.Config, key string) (*storage.Store, error) {
	dir, err := conf.Storage.Folder(key)
	if err != nil {
		return nil, err
	}
	return storage.NewStore(dir)
}

func openCatalog(conf *utils.Config) (*catalog.Catalog, error) {
	cc := conf.Catalog
	if cc.DSN == "" && cc.Driver == catalog.DriverSQLite {
		cc.DSN = filepath.Join(conf.Storage.Root, "catalog.db")
	}
	return catalog.OpenConfig(&cc)
}

func timeInterval(conf *utils.Config) (proc.TimeInterval, error) {
	var ti proc.TimeInterval
	if len(conf.Download.TimeInterval) != 2 {
		return ti, nil
	}
	var err error
	if ti.Start, err = utils.ParseTime(conf.Download.TimeInterval[0]); err != nil {
		return ti, err
	}
	ti.End, err = utils.ParseTime(conf.Download.TimeInterval[1])
	return ti, err
}

func runDownload(ctx context.Context, conf *utils.Config, cat *catalog.Catalog, logger metrics.Logger) error {
	d := conf.Download
	tiles, err := openStore(conf, d.InputFolderKey)
	if err != nil {
		return err
	}
	output, err := openStore(conf, d.OutputFolderKey)
	if err != nil {
		return err
	}
	interval, err := timeInterval(conf)
	if err != nil {
		return err
	}
	reqs, err := cat.Patches(ctx, interval, conf.Patches...)
	if err != nil {
		return err
	}
	if d.CatalogFolderKey != "" {
		catalogStore, err := openStore(conf, d.CatalogFolderKey)
		if err != nil {
			return err
		}
		if reqs, err = proc.FilterNewTimePeriods(reqs, catalogStore, output); err != nil {
			return err
		}
	}

	dp, err := proc.NewDownloadPipeline(proc.NewFolderSource(tiles, d.Features...), output, &d, conf.Workers, logger)
	if err != nil {
		return err
	}
	_, failed := dp.Run(ctx, reqs)
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d patches failed", len(failed), len(reqs))
	}
	return nil
}

func runProcessing(ctx context.Context, conf *utils.Config, logger metrics.Logger) error {
	p := conf.Processing
	input, err := openStore(conf, p.InputFolderKey)
	if err != nil {
		return err
	}
	output, err := openStore(conf, p.OutputFolderKey)
	if err != nil {
		return err
	}
	geojsonDir, err := conf.Storage.Folder(p.OutputFolderKeyGeoJSON)
	if err != nil {
		return err
	}

	names := conf.Patches
	if len(names) == 0 {
		if names, err = crawl.PatchNames(input.Root, conf.Workers, *pattern); err != nil {
			return err
		}
	}

	fp, err := proc.NewFractionPipeline(input, output, geojsonDir, &p, conf.Workers, logger)
	if err != nil {
		return err
	}
	_, failed, err := fp.Run(ctx, names)
	if err != nil {
		return err
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d patches failed", len(failed), len(names))
	}
	return nil
}

func runCatalog(ctx context.Context, conf *utils.Config, cat *catalog.Catalog, logger metrics.Logger) error {
	store, err := openStore(conf, conf.Catalog.FolderKey)
	if err != nil {
		return err
	}
	reqs, err := cat.Patches(ctx, proc.TimeInterval{}, conf.Patches...)
	if err != nil {
		return err
	}
	cp, err := proc.NewCatalogPipeline(cat, store, &conf.Catalog, conf.Workers, logger)
	if err != nil {
		return err
	}
	_, failed := cp.Run(ctx, reqs)
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d patches failed", len(failed), len(reqs))
	}
	return nil
}

func runConfig(ctx context.Context, ns string, conf *utils.Config) (err error) {
	if err := log.SetLevel(conf.LogLevel); err != nil {
		log.Warn("invalid log level", zap.String("level", conf.LogLevel), zap.Error(err))
	}
	log.SetVerbose(*verbose)

	logger, closeLogger, err := newMetricsLogger(conf)
	if err != nil {
		return err
	}
	defer closeLogger()

	start := time.Now()
	log.Info("Running pipeline", zap.String("namespace", ns), zap.String("pipeline", conf.Pipeline))
	defer func() {
		log.Info("Pipeline done", zap.String("namespace", ns), zap.Duration("elapsed", time.Since(start)), zap.Error(err))
	}()

	if conf.Pipeline == utils.PipelineProcessing {
		return runProcessing(ctx, conf, logger)
	}

	cat, err := openCatalog(conf)
	if err != nil {
		return err
	}
	defer cat.Close()

	switch conf.Pipeline {
	case utils.PipelineDownload:
		return runDownload(ctx, conf, cat, logger)
	case utils.PipelineCatalog:
		return runCatalog(ctx, conf, cat, logger)
	}
	return fmt.Errorf("%w: %q", utils.ErrUnknownPipeline, conf.Pipeline)
}

func runAll(ctx context.Context, configMap *utils.ConfigMap) int {
	failures := 0
	for _, ns := range configMap.Namespaces() {
		if *namespace != "" && ns != *namespace {
			continue
		}
		conf, _ := configMap.Get(ns)
		if err := runConfig(ctx, ns, conf); err != nil {
			log.Error("Pipeline failed", zap.String("namespace", ns), zap.Error(err))
			failures++
		}
	}
	return failures
}

// ingest handles the -register and -import_scenes modes against the
// catalog of the selected namespace.
func ingest(ctx context.Context, configMap *utils.ConfigMap) error {
	ns := *namespace
	if ns == "" {
		namespaces := configMap.Namespaces()
		if len(namespaces) != 1 {
			return fmt.Errorf("-namespace is required with %d configs", len(namespaces))
		}
		ns = namespaces[0]
	}
	conf, ok := configMap.Get(ns)
	if !ok {
		return fmt.Errorf("unknown namespace %q", ns)
	}
	cat, err := openCatalog(conf)
	if err != nil {
		return err
	}
	defer cat.Close()

	if *registerList != "" {
		entries, err := catalog.LoadPatchList(*registerList)
		if err != nil {
			return err
		}
		if err := cat.RegisterPatches(ctx, entries); err != nil {
			return err
		}
	}
	if *scenesFile != "" {
		data, err := os.ReadFile(*scenesFile)
		if err != nil {
			return err
		}
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return err
		}
		if _, err := cat.ImportScenes(ctx, conf.Catalog.Collection, fc); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	flag.Parse()
	defer log.Sync()
	log.SetVerbose(*verbose)
	utils.EtcDir = *configDir

	confMap, err := utils.LoadAllConfigFiles(utils.EtcDir)
	if err != nil {
		log.Fatal("Error in loading config files", zap.Error(err))
	}
	if *validateConfig {
		os.Exit(0)
	}
	configMap := utils.NewConfigMap(confMap)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *registerList != "" || *scenesFile != "" {
		if err := ingest(ctx, configMap); err != nil {
			log.Fatal("Catalog ingest failed", zap.Error(err))
		}
		return
	}

	if *every <= 0 {
		if failures := runAll(ctx, configMap); failures > 0 {
			log.Sync()
			os.Exit(1)
		}
		return
	}

	stop := utils.WatchConfig(utils.EtcDir, configMap)
	defer stop()
	ticker := time.NewTicker(*every)
	defer ticker.Stop()
	for {
		runAll(ctx, configMap)
		select {
		case <-ctx.Done():
			log.Info("Stopping", zap.Error(ctx.Err()))
			return
		case <-ticker.C:
		}
	}
}
