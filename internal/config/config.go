package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Server holds configuration for the vLLM inference server subprocess.
type Server struct {
	// Launch configuration
	Model                string  `yaml:"model"`
	MaxModelLen          int     `yaml:"max_model_len"`
	GPUMemoryUtilization float64 `yaml:"gpu_memory_utilization"`
	Port                 int     `yaml:"port"`

	// Readiness probing
	InitialDelay  time.Duration `yaml:"initial_delay"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	MaxProbes     int           `yaml:"max_probes"`

	// Shutdown configuration
	GracePeriod time.Duration `yaml:"grace_period"`
}

// Worker holds configuration for the batch worker subprocess.
type Worker struct {
	Command []string `yaml:"command"`
}

// Config holds all configuration for the supervisor.
type Config struct {
	Server Server `yaml:"server"`
	Worker Worker `yaml:"worker"`

	// Iteration loop configuration
	MaxIterations  int           `yaml:"max_iterations"`
	IterationPause time.Duration `yaml:"iteration_pause"`
}

// Default returns the configuration the supervisor runs with when no
// overrides are given. The values match the batch OCR deployment: the
// worker skips already-processed files and exits quickly when nothing
// remains, so the iteration count is a safety limit, not a work count.
func Default() Config {
	return Config{
		Server: Server{
			Model:                "allenai/olmOCR-2-7B-1025-FP8",
			MaxModelLen:          16384,
			GPUMemoryUtilization: 0.8,
			Port:                 8000,
			InitialDelay:         60 * time.Second,
			ProbeInterval:        5 * time.Second,
			MaxProbes:            120,
			GracePeriod:          30 * time.Second,
		},
		Worker: Worker{
			Command: []string{"python3", "ocr/run_batch_ocr.py"},
		},
		MaxIterations:  100,
		IterationPause: 30 * time.Second,
	}
}

// Load reads a YAML config file on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	bs, err := os.ReadFile(path) //nolint:gosec // expected operator-supplied path
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(bs, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Server.Model == "" {
		return fmt.Errorf("server model must not be empty")
	}
	if c.Server.MaxModelLen <= 0 {
		return fmt.Errorf("max model length must be positive, got %d", c.Server.MaxModelLen)
	}
	if c.Server.GPUMemoryUtilization <= 0 || c.Server.GPUMemoryUtilization > 1 {
		return fmt.Errorf("GPU memory utilization must be in (0,1], got %g", c.Server.GPUMemoryUtilization)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Server.MaxProbes <= 0 {
		return fmt.Errorf("max probes must be positive, got %d", c.Server.MaxProbes)
	}
	if len(c.Worker.Command) == 0 {
		return fmt.Errorf("worker command must not be empty")
	}
	if c.MaxIterations <= 0 {
		return fmt.Errorf("max iterations must be positive, got %d", c.MaxIterations)
	}
	return nil
}
