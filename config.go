package dieselcore

import (
	"os"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// Config holds the context usage preferences. Zero value is not usable;
// start from DefaultConfig.
type Config struct {
	AppName string `yaml:"app_name"`

	// PreferIntegratedGPU flips the device-type scoring preference.
	PreferIntegratedGPU bool `yaml:"prefer_integrated_gpu"`

	// VSync selects fifo-class present modes; off allows immediate.
	VSync bool `yaml:"vsync"`

	// HDR enables HDR10 color-space selection when the surface offers it.
	HDR bool `yaml:"hdr"`

	// PreferredImageCount is clamped to the surface's reported bounds.
	PreferredImageCount uint32 `yaml:"preferred_image_count"`

	// FramesInFlight bounds concurrently progressing frames. Capped by the
	// swapchain image count at initialization.
	FramesInFlight int `yaml:"frames_in_flight"`

	// SecondaryBuffers is the per-slot pool size for worker-thread recording.
	SecondaryBuffers int `yaml:"secondary_buffers"`

	// Debug registers the validation debug callback.
	Debug bool `yaml:"debug"`

	// PipelineCachePath is where the compiled-pipeline blob persists.
	// Empty disables persistence.
	PipelineCachePath string `yaml:"pipeline_cache_path"`
}

// DefaultConfig returns the usage preferences a windowed renderer wants.
func DefaultConfig(appName string) Config {
	return Config{
		AppName:             appName,
		VSync:               true,
		PreferredImageCount: 3,
		FramesInFlight:      2,
		SecondaryBuffers:    0,
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path, appName string) (Config, error) {
	cfg := DefaultConfig(appName)
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "reading config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing config %s", path)
	}
	if cfg.FramesInFlight < 1 {
		cfg.FramesInFlight = 1
	}
	if cfg.PreferredImageCount < 1 {
		cfg.PreferredImageCount = 1
	}
	return cfg, nil
}
