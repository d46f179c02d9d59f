package runtimeconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/LiangMouse/fe-atlas/internal/auth"
	"github.com/LiangMouse/fe-atlas/internal/paths"
	"github.com/LiangMouse/fe-atlas/internal/questions"
	"github.com/LiangMouse/fe-atlas/internal/runlog"
	"gopkg.in/yaml.v3"
)

const FileName = "config.yaml"

type Config struct {
	Backend   string          `yaml:"backend"`
	Backends  Backends        `yaml:"backends"`
	Runner    RunnerConfig    `yaml:"runner"`
	Server    ServerConfig    `yaml:"server"`
	RunLog    RunLogConfig    `yaml:"runlog"`
	Questions QuestionsConfig `yaml:"questions"`
	OIDC      auth.OIDCConfig `yaml:"oidc"`
}

type Backends struct {
	Local       LocalConfig       `yaml:"local"`
	Docker      DockerConfig      `yaml:"docker"`
	Firecracker FirecrackerConfig `yaml:"firecracker"`
}

type LocalConfig struct {
	BaseDir string `yaml:"base_dir"`
	KeepDir bool   `yaml:"keep_dir"`
}

type DockerConfig struct {
	Image     string  `yaml:"image"`
	Network   string  `yaml:"network"`
	MemoryMiB int64   `yaml:"memory_mib"`
	CPUs      float64 `yaml:"cpus"`
	PidsLimit int64   `yaml:"pids_limit"`
}

type FirecrackerConfig struct {
	BinaryPath    string `yaml:"binary_path"`
	KernelImage   string `yaml:"kernel_image"`
	RootFS        string `yaml:"rootfs"`
	VCPUs         int64  `yaml:"vcpus"`
	MemoryMiB     int64  `yaml:"memory_mib"`
	GuestCID      uint32 `yaml:"guest_cid"`
	GuestPort     uint32 `yaml:"guest_port"`
	LaunchSeconds int64  `yaml:"launch_seconds"` // VM boot/guest-agent readiness timeout
}

type RunnerConfig struct {
	ExecutionTimeout time.Duration `yaml:"execution_timeout"`
	InstallTimeout   time.Duration `yaml:"install_timeout"`
	BootTimeout      time.Duration `yaml:"boot_timeout"`
	SinkTimeout      time.Duration `yaml:"sink_timeout"`
}

type ServerConfig struct {
	Listen          string `yaml:"listen"`
	MaxRunBodyBytes int64  `yaml:"max_run_body_bytes"`
}

type RunLogConfig struct {
	Dir       string              `yaml:"dir"`
	IndexPath string              `yaml:"index_path"`
	MinIO     runlog.MirrorConfig `yaml:"minio"`
}

type QuestionsConfig struct {
	File     string                   `yaml:"file"`
	Postgres questions.PostgresConfig `yaml:"postgres"`
}

func Path() (string, error) {
	dir, err := paths.ConfigBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// Load reads the per-user config file. A missing file is a zero Config.
func Load() (Config, string, error) {
	path, err := Path()
	if err != nil {
		return Config{}, "", err
	}
	cfg, err := LoadFile(path)
	return cfg, path, err
}

func LoadFile(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	cfg := Config{}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Backend = strings.ToLower(strings.TrimSpace(cfg.Backend))
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Backend {
	case "", "local", "docker", "firecracker":
	default:
		return fmt.Errorf("unknown backend %q (expected local, docker or firecracker)", c.Backend)
	}
	for name, d := range map[string]time.Duration{
		"runner.execution_timeout": c.Runner.ExecutionTimeout,
		"runner.install_timeout":   c.Runner.InstallTimeout,
		"runner.boot_timeout":      c.Runner.BootTimeout,
		"runner.sink_timeout":      c.Runner.SinkTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.RunLog.MinIO.Enabled() {
		if err := c.RunLog.MinIO.Validate(); err != nil {
			return fmt.Errorf("runlog.minio: %w", err)
		}
	}
	if c.OIDC.Enabled() {
		if err := c.OIDC.Validate(); err != nil {
			return fmt.Errorf("oidc: %w", err)
		}
	}
	return nil
}

// BackendName falls back to local when no backend is configured.
func (c Config) BackendName() string {
	if c.Backend == "" {
		return "local"
	}
	return c.Backend
}
