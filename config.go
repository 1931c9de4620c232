package saveme

import (
	"fmt"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/mem"
	"github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"
)

// Config configures an Engine instance. Zero values trigger
// hardware-based auto-detection, so an empty Config with just DataDir
// set is a working configuration.
type Config struct {
	// DataDir is the root directory for all persisted state: the badger
	// store, the shared blob pack, the sealed chain containers, and the
	// metadata key.
	DataDir string `yaml:"data_dir"`

	// Threads is the compression worker count. If < 1, available
	// parallelism minus one is used (minimum one).
	Threads int `yaml:"threads"`

	// MaxMemoryMB bounds the uncompressed bytes in flight during batch
	// compression. If < 1, a budget is derived from installed memory.
	MaxMemoryMB int `yaml:"max_memory_mb"`

	// CompressionLevel pins a zstd level for every input. If 0, the
	// level adapts to input size.
	CompressionLevel int `yaml:"compression_level"`

	// MaxBatchSize caps how many files are read and compressed per
	// round during a backup. If < 1, 256 is used.
	MaxBatchSize int `yaml:"max_batch_size"`

	// MinimumFreeGB is a free-space threshold checked when opening the
	// store. Zero disables the check.
	MinimumFreeGB int `yaml:"minimum_free_gb"`

	// Logger is an optional structured logger. If nil, a stderr logger
	// at Info level is used.
	Logger *logrus.Logger `yaml:"-"`
}

// LoadConfig reads a YAML config file. Fields absent from the file keep
// their zero values and auto-detect at New.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var config Config
	if err := yaml.Unmarshal(raw, &config); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return config, nil
}

func defaultLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.InfoLevel)
	return log
}

// autoMemoryBudgetMB sizes the compression memory budget from installed
// RAM: a quarter of the total, clamped to [256MB, 4GB]. Falls back to
// 512MB when the host cannot be inspected.
func autoMemoryBudgetMB() int {
	vm, err := mem.VirtualMemory()
	if err != nil || vm.Total == 0 {
		return 512
	}
	budget := int(vm.Total / (4 * 1024 * 1024))
	if budget < 256 {
		budget = 256
	}
	if budget > 4096 {
		budget = 4096
	}
	return budget
}

func autoThreads() int {
	threads := runtime.NumCPU() - 1
	if threads < 1 {
		threads = 1
	}
	return threads
}

// withDefaults validates the config and fills auto-detected values.
func (c Config) withDefaults() (Config, error) {
	if c.DataDir == "" {
		return Config{}, fmt.Errorf("config: data dir must be set")
	}
	if c.Logger == nil {
		c.Logger = defaultLogger()
	}
	if c.Threads < 1 {
		c.Threads = autoThreads()
	}
	if c.MaxMemoryMB < 1 {
		c.MaxMemoryMB = autoMemoryBudgetMB()
	}
	if c.MaxBatchSize < 1 {
		c.MaxBatchSize = 256
	}
	return c, nil
}
