package utils

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nci/gridjoin/log"
	"go.uber.org/zap"
	yaml "gopkg.in/yaml.v2"
)

var EtcDir = "."

const ConfigFileName = "pipeline.yaml"

const (
	PipelineDownload   = "download"
	PipelineProcessing = "processing"
	PipelineCatalog    = "catalog"
)

var (
	ErrInvalidConfig   = errors.New("invalid config")
	ErrUnknownPipeline = errors.New("unknown pipeline")
	ErrUnknownFolder   = errors.New("unknown storage folder key")
	ErrNoConfig        = errors.New("no config file found")
)

// StorageConfig maps folder keys to locations under a common root, so
// pipelines refer to "input_data" rather than to paths.
type StorageConfig struct {
	Root    string            `yaml:"root"`
	Folders map[string]string `yaml:"folders"`
}

func (s *StorageConfig) Folder(key string) (string, error) {
	rel, ok := s.Folders[key]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownFolder, key)
	}
	if filepath.IsAbs(rel) {
		return rel, nil
	}
	return filepath.Join(s.Root, rel), nil
}

type GridConfig struct {
	Rows    int `yaml:"rows"`
	Columns int `yaml:"columns"`
}

type CatalogConfig struct {
	Driver     string   `yaml:"driver"`
	DSN        string   `yaml:"dsn"`
	Memcache   []string `yaml:"memcache"`
	FolderKey  string   `yaml:"folder_key"`
	Collection string   `yaml:"collection"`
	StartTime  string   `yaml:"start_time"`
	Fields     []string `yaml:"fields"`
	Filter     string   `yaml:"filter"`
}

type DownloadConfig struct {
	InputFolderKey   string       `yaml:"input_folder_key"`
	OutputFolderKey  string       `yaml:"output_folder_key"`
	CatalogFolderKey string       `yaml:"catalog_folder_key"`
	Grid             GridConfig   `yaml:"download_grid"`
	DataFeature      string       `yaml:"data_feature"`
	Features         []FeatureKey `yaml:"features"`
	RescaleFactor    float64      `yaml:"rescale_factor"`
	RescaleDType     DType        `yaml:"rescale_dtype"`
	TimeInterval     []string     `yaml:"time_interval"`
	ThreadsPerWorker int          `yaml:"threads_per_worker"`
	Overwrite        string       `yaml:"overwrite_permission"`
}

type ProcessingConfig struct {
	InputFolderKey           string     `yaml:"input_folder_key"`
	OutputFolderKey          string     `yaml:"output_folder_key"`
	InputWaterFeature        FeatureKey `yaml:"input_water_feature"`
	InputNominalWaterFeature FeatureKey `yaml:"input_nominal_water_feature"`
	WaterClassValue          float64    `yaml:"water_class_value"`
	WaterThreshold           float64    `yaml:"water_threshold"`
	WaterExpression          string     `yaml:"water_expression"`
	InvalidDataValue         float64    `yaml:"invalid_data_value"`
	OutputFeature            FeatureKey `yaml:"output_feature"`
	OutputFilename           string     `yaml:"output_filename"`
	OutputFolderKeyGeoJSON   string     `yaml:"geojson_folder_key"`
}

type MetricsConfig struct {
	LogDir         string `yaml:"log_dir"`
	MaxLogFileSize int64  `yaml:"max_log_file_size"`
	MaxLogFiles    int    `yaml:"max_log_files"`
}

// Config is a single pipeline.yaml document.
type Config struct {
	Pipeline   string           `yaml:"pipeline"`
	Patches    []string         `yaml:"patch_list"`
	LogLevel   string           `yaml:"log_level"`
	Workers    int              `yaml:"workers"`
	Storage    StorageConfig    `yaml:"storage"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Download   DownloadConfig   `yaml:"download"`
	Processing ProcessingConfig `yaml:"processing"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

const (
	DefaultThreadsPerWorker = 10
	DateFormat              = "2006-01-02"
)

var (
	DefaultCatalogFields = []string{"id", "properties.datetime", "properties.eo:cloud_cover"}
	DefaultTimeInterval  = []string{"2017-01-01", "2020-01-01"}
)

// ParseTime accepts RFC 3339 timestamps as well as plain dates.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Parse(DateFormat, s)
}

// LoadConfigFile reads a pipeline.yaml document, fills in defaults and
// validates the section of the configured pipeline.
func (config *Config) LoadConfigFile(configFile string) error {
	*config = Config{}
	cfg, err := os.ReadFile(configFile)
	if err != nil {
		return fmt.Errorf("Error while reading config file: %s. Error: %v", configFile, err)
	}

	err = yaml.UnmarshalStrict(cfg, config)
	if err != nil {
		return fmt.Errorf("Error at YAML parsing config document: %s. Error: %v", configFile, err)
	}

	if config.Storage.Root == "" {
		config.Storage.Root = filepath.Dir(configFile)
	} else if !filepath.IsAbs(config.Storage.Root) {
		config.Storage.Root = filepath.Join(filepath.Dir(configFile), config.Storage.Root)
	}
	config.setDefaults()
	if err := config.Validate(); err != nil {
		return fmt.Errorf("%s: %w", configFile, err)
	}
	return nil
}

func (config *Config) setDefaults() {
	if config.Workers <= 0 {
		config.Workers = runtime.NumCPU()
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	if config.Catalog.Driver == "" {
		config.Catalog.Driver = "sqlite"
	}
	if len(config.Catalog.Fields) == 0 {
		config.Catalog.Fields = append([]string(nil), DefaultCatalogFields...)
	}
	if config.Download.Grid.Rows == 0 {
		config.Download.Grid.Rows = 1
	}
	if config.Download.Grid.Columns == 0 {
		config.Download.Grid.Columns = 1
	}
	if config.Download.ThreadsPerWorker <= 0 {
		config.Download.ThreadsPerWorker = DefaultThreadsPerWorker
	}
	if len(config.Download.TimeInterval) == 0 {
		config.Download.TimeInterval = append([]string(nil), DefaultTimeInterval...)
	}
	if config.Download.Overwrite == "" {
		config.Download.Overwrite = "overwrite_features"
	}
	if config.Processing.OutputFilename == "" {
		config.Processing.OutputFilename = "water_fractions"
	}
}

func (config *Config) Validate() error {
	switch config.Pipeline {
	case PipelineDownload:
		d := config.Download
		if d.Grid.Rows < 0 || d.Grid.Columns < 0 {
			return fmt.Errorf("%w: %d rows x %d columns", ErrInvalidGrid, d.Grid.Rows, d.Grid.Columns)
		}
		if d.DataFeature == "" {
			return fmt.Errorf("%w: download.data_feature is required", ErrInvalidConfig)
		}
		if len(d.TimeInterval) != 2 {
			return fmt.Errorf("%w: download.time_interval needs a start and an end", ErrInvalidConfig)
		}
		for _, s := range d.TimeInterval {
			if _, err := ParseTime(s); err != nil {
				return fmt.Errorf("%w: download.time_interval: %v", ErrInvalidConfig, err)
			}
		}
		if err := config.requireFolders(d.InputFolderKey, d.OutputFolderKey); err != nil {
			return err
		}
		if d.CatalogFolderKey != "" {
			return config.requireFolders(d.CatalogFolderKey)
		}
	case PipelineProcessing:
		p := config.Processing
		if p.InputWaterFeature.Name == "" || p.InputNominalWaterFeature.Name == "" || p.OutputFeature.Name == "" {
			return fmt.Errorf("%w: processing features are required", ErrInvalidConfig)
		}
		if !p.OutputFeature.Type.IsVector() {
			return fmt.Errorf("%w: processing.output_feature must be a vector feature, got %s", ErrInvalidConfig, p.OutputFeature)
		}
		return config.requireFolders(p.InputFolderKey, p.OutputFolderKey, p.OutputFolderKeyGeoJSON)
	case PipelineCatalog:
		c := config.Catalog
		if c.Collection == "" {
			return fmt.Errorf("%w: catalog.collection is required", ErrInvalidConfig)
		}
		found := false
		for _, f := range c.Fields {
			found = found || f == "properties.datetime"
		}
		if !found {
			return fmt.Errorf("%w: catalog.fields must include 'properties.datetime'", ErrInvalidConfig)
		}
		if c.StartTime != "" {
			if _, err := ParseTime(c.StartTime); err != nil {
				return fmt.Errorf("%w: catalog.start_time: %v", ErrInvalidConfig, err)
			}
		}
		return config.requireFolders(c.FolderKey)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownPipeline, config.Pipeline)
	}
	return nil
}

func (config *Config) requireFolders(keys ...string) error {
	for _, key := range keys {
		if key == "" {
			return fmt.Errorf("%w: missing folder key", ErrInvalidConfig)
		}
		if _, err := config.Storage.Folder(key); err != nil {
			return err
		}
	}
	return nil
}

// LoadAllConfigFiles walks rootDir and loads every pipeline.yaml, keyed by
// its directory relative to rootDir.
func LoadAllConfigFiles(rootDir string) (map[string]*Config, error) {
	configMap := make(map[string]*Config)
	err := filepath.Walk(rootDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if !info.IsDir() && info.Name() == ConfigFileName {
			relPath, _ := filepath.Rel(rootDir, filepath.Dir(path))
			log.Info("Loading config file", zap.String("path", path), zap.String("namespace", relPath))

			config := &Config{}
			e := config.LoadConfigFile(path)
			if e != nil {
				return e
			}

			configMap[relPath] = config
		}
		return nil
	})

	if err == nil && len(configMap) == 0 {
		err = ErrNoConfig
	}

	return configMap, err
}

// ConfigMap is a set of loaded pipeline configs that can be swapped as a
// whole on reload.
type ConfigMap struct {
	mu      sync.RWMutex
	configs map[string]*Config
}

func NewConfigMap(configs map[string]*Config) *ConfigMap {
	return &ConfigMap{configs: configs}
}

func (cm *ConfigMap) Get(namespace string) (*Config, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	c, ok := cm.configs[namespace]
	return c, ok
}

func (cm *ConfigMap) Namespaces() []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make([]string, 0, len(cm.configs))
	for ns := range cm.configs {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

func (cm *ConfigMap) Replace(configs map[string]*Config) {
	cm.mu.Lock()
	cm.configs = configs
	cm.mu.Unlock()
}

// WatchConfig reloads every config under rootDir on SIGHUP. A reload that
// fails keeps the previous configs.
func WatchConfig(rootDir string, configMap *ConfigMap) (stop func()) {
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-sighup:
				log.Info("Caught SIGHUP, reloading config...")
				confMap, err := LoadAllConfigFiles(rootDir)
				if err != nil {
					log.Error("Error in loading config files", zap.Error(err))
					continue
				}
				configMap.Replace(confMap)
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(sighup)
		close(done)
	}
}
