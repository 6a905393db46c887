package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultStageTimeout     = 10 * time.Second
	defaultProxyHost        = "127.0.0.1"
	defaultProxyPort        = 2345
	defaultRetryMaxAttempts = 30
	defaultRetryDelay       = time.Second
	defaultLogMaxFiles      = 20
)

// Config stores runtime settings loaded from TOML files.
type Config struct {
	StageTimeout   time.Duration
	ProxyHost      string
	ProxyPort      int
	PatternCatalog string
	Verbose        bool
	Retry          RetryConfig
	Android        AndroidConfig
	IOS            IOSConfig
	OTelEndpoint   string
	LogMaxFiles    int
}

// RetryConfig controls readiness polling for build artifacts and the proxy port.
type RetryConfig struct {
	MaxAttempts int
	Delay       time.Duration
}

// AndroidConfig holds the Android deploy command.
type AndroidConfig struct {
	Command []string
}

// IOSConfig holds the iOS deploy, build, install and proxy commands.
// ProxyReadyPattern, when set, marks the proxy ready on a matching output
// line instead of a connection attempt.
type IOSConfig struct {
	Command           []string
	BuildCommand      []string
	InstallCommand    []string
	ProxyCommand      []string
	ProxyReadyPattern string
}

type fileConfig struct {
	StageTimeout   *string            `toml:"stage_timeout"`
	ProxyHost      *string            `toml:"proxy_host"`
	ProxyPort      *int               `toml:"proxy_port"`
	PatternCatalog *string            `toml:"pattern_catalog"`
	Verbose        *bool              `toml:"verbose"`
	LogMaxFiles    *int               `toml:"log_max_files"`
	Retry          *fileRetryConfig   `toml:"retry"`
	Android        *fileAndroidConfig `toml:"android"`
	IOS            *fileIOSConfig     `toml:"ios"`
	OTel           *fileOTelConfig    `toml:"otel"`
}

type fileRetryConfig struct {
	MaxAttempts *int    `toml:"max_attempts"`
	Delay       *string `toml:"delay"`
}

type fileAndroidConfig struct {
	Command []string `toml:"command"`
}

type fileIOSConfig struct {
	Command        []string `toml:"command"`
	BuildCommand   []string `toml:"build_command"`
	InstallCommand []string `toml:"install_command"`
	ProxyCommand   []string `toml:"proxy_command"`
	ProxyReady     *string  `toml:"proxy_ready_pattern"`
}

type fileOTelConfig struct {
	Endpoint *string `toml:"endpoint"`
}

// Load reads config from ~/.mlaunch/config.toml and overlays a project-local .mlaunch/config.toml.
func Load(ctx context.Context) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	_ = ctx
	return LoadFiles(
		filepath.Join(homeDir, ".mlaunch", "config.toml"),
		filepath.Join(workingDir, ".mlaunch", "config.toml"),
	)
}

// LoadFiles overlays each existing file, in order, onto the defaults.
func LoadFiles(paths ...string) (*Config, error) {
	cfg := defaults()
	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

func defaults() Config {
	return Config{
		StageTimeout: defaultStageTimeout,
		ProxyHost:    defaultProxyHost,
		ProxyPort:    defaultProxyPort,
		Retry: RetryConfig{
			MaxAttempts: defaultRetryMaxAttempts,
			Delay:       defaultRetryDelay,
		},
		Android: AndroidConfig{
			Command: []string{"npx", "react-native", "run-android"},
		},
		IOS: IOSConfig{
			Command:        []string{"npx", "react-native", "run-ios"},
			BuildCommand:   []string{"xcodebuild"},
			InstallCommand: []string{"ios-deploy", "--bundle"},
			ProxyCommand:   []string{"idevicedebugserverproxy"},
		},
		LogMaxFiles: defaultLogMaxFiles,
	}
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	if _, err := toml.DecodeFile(path, &decoded); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}

	if err := applyScalarOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := applyRetryOverrides(cfg, decoded.Retry, path); err != nil {
		return err
	}
	if err := applyCommandOverrides(cfg, decoded, path); err != nil {
		return err
	}
	return nil
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("parse %s in %q: must be > 0", key, path)
	}
	return parsed, nil
}

func applyScalarOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.StageTimeout != nil {
		value, err := parseDuration(*decoded.StageTimeout, "stage_timeout", path)
		if err != nil {
			return err
		}
		cfg.StageTimeout = value
	}
	if decoded.ProxyHost != nil {
		cfg.ProxyHost = strings.TrimSpace(*decoded.ProxyHost)
	}
	if decoded.ProxyPort != nil {
		if *decoded.ProxyPort <= 0 || *decoded.ProxyPort > 65535 {
			return fmt.Errorf("parse proxy_port in %q: must be between 1 and 65535", path)
		}
		cfg.ProxyPort = *decoded.ProxyPort
	}
	if decoded.PatternCatalog != nil {
		catalog := strings.TrimSpace(*decoded.PatternCatalog)
		if catalog != "" && !filepath.IsAbs(catalog) {
			// Relative catalogs resolve against the .mlaunch directory that named them.
			catalog = filepath.Join(filepath.Dir(path), catalog)
		}
		cfg.PatternCatalog = catalog
	}
	if decoded.Verbose != nil {
		cfg.Verbose = *decoded.Verbose
	}
	if decoded.LogMaxFiles != nil {
		if *decoded.LogMaxFiles <= 0 {
			return fmt.Errorf("parse log_max_files in %q: must be > 0", path)
		}
		cfg.LogMaxFiles = *decoded.LogMaxFiles
	}
	if decoded.OTel != nil && decoded.OTel.Endpoint != nil {
		cfg.OTelEndpoint = strings.TrimSpace(*decoded.OTel.Endpoint)
	}
	return nil
}

func applyRetryOverrides(cfg *Config, decoded *fileRetryConfig, path string) error {
	if decoded == nil {
		return nil
	}
	if decoded.MaxAttempts != nil {
		if *decoded.MaxAttempts <= 0 {
			return fmt.Errorf("parse retry.max_attempts in %q: must be > 0", path)
		}
		cfg.Retry.MaxAttempts = *decoded.MaxAttempts
	}
	if decoded.Delay != nil {
		value, err := parseDuration(*decoded.Delay, "retry.delay", path)
		if err != nil {
			return err
		}
		cfg.Retry.Delay = value
	}
	return nil
}

type commandOverride struct {
	key    string
	value  []string
	target *[]string
}

func applyCommandOverrides(cfg *Config, decoded fileConfig, path string) error {
	var overrides []commandOverride
	if decoded.Android != nil {
		overrides = append(overrides, commandOverride{"android.command", decoded.Android.Command, &cfg.Android.Command})
	}
	if decoded.IOS != nil {
		overrides = append(overrides,
			commandOverride{"ios.command", decoded.IOS.Command, &cfg.IOS.Command},
			commandOverride{"ios.build_command", decoded.IOS.BuildCommand, &cfg.IOS.BuildCommand},
			commandOverride{"ios.install_command", decoded.IOS.InstallCommand, &cfg.IOS.InstallCommand},
			commandOverride{"ios.proxy_command", decoded.IOS.ProxyCommand, &cfg.IOS.ProxyCommand},
		)
	}

	if decoded.IOS != nil && decoded.IOS.ProxyReady != nil {
		pattern := strings.TrimSpace(*decoded.IOS.ProxyReady)
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("parse ios.proxy_ready_pattern in %q: %w", path, err)
		}
		cfg.IOS.ProxyReadyPattern = pattern
	}

	for _, override := range overrides {
		if override.value == nil {
			continue
		}
		command, err := normalizeCommand(override.value, override.key, path)
		if err != nil {
			return err
		}
		*override.target = command
	}
	return nil
}

func normalizeCommand(value []string, key, path string) ([]string, error) {
	command := make([]string, 0, len(value))
	for _, part := range value {
		if part = strings.TrimSpace(part); part != "" {
			command = append(command, part)
		}
	}
	if len(command) == 0 {
		return nil, fmt.Errorf("parse %s in %q: command must not be empty", key, path)
	}
	return command, nil
}
