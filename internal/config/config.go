// Package config loads rebase-migrations settings.
//
// Values are layered by spf13/viper: built-in defaults, then an optional
// project file, then REBASE_MIGRATIONS_* environment variables. Command-line
// flags are applied on top by the CLI.
//
// The project file is looked up at the scan root as .rebase-migrations.jsonc,
// .rebase-migrations.json, .rebase-migrations.yaml or .rebase-migrations.yml.
// JSON files may contain comments and trailing commas; they are stripped
// with github.com/tidwall/jsonc before viper reads them.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"github.com/tidwall/jsonc"

	"github.com/shinji-kodama/rebase-migrations/internal/model"
)

const (
	// EnvPrefix is the prefix of environment variables read by Load.
	EnvPrefix = "REBASE_MIGRATIONS"

	// FileBaseName is the project config file name without extension.
	FileBaseName = ".rebase-migrations"
)

// fileExtensions lists the project file extensions in lookup order.
var fileExtensions = []string{".jsonc", ".json", ".yaml", ".yml"}

// Config holds every setting of a run.
type Config struct {
	// MigrationsDir is the folder name that marks a module.
	MigrationsDir string `mapstructure:"migrations_dir" json:"migrations_dir"`

	// TrackingFile is the file inside MigrationsDir naming the highest
	// migration.
	TrackingFile string `mapstructure:"tracking_file" json:"tracking_file"`

	// SkipDirs are directory base names pruned during discovery.
	SkipDirs []string `mapstructure:"skip_dirs" json:"skip_dirs"`

	// AllDirs disables SkipDirs.
	AllDirs bool `mapstructure:"all_dirs" json:"all_dirs"`

	// Reanchor redirects the first local migration onto the head migration.
	Reanchor bool `mapstructure:"reanchor" json:"reanchor"`

	// Concurrency bounds per-module planning tasks. 0 means GOMAXPROCS.
	Concurrency int `mapstructure:"concurrency" json:"concurrency"`

	// Manifest is the path of the YAML apply manifest. Empty disables it.
	Manifest string `mapstructure:"manifest" json:"manifest"`
}

// LoadOptions selects where configuration comes from.
type LoadOptions struct {
	// Root is the scan root searched for a project file.
	Root string

	// ConfigFilePath forces a specific file. It must exist.
	ConfigFilePath string
}

// DefaultSkipDirs returns the directories discovery prunes by default:
// VCS metadata, virtualenvs, caches, JavaScript tooling, build output, IDE
// folders, collected static and media files, and documentation.
func DefaultSkipDirs() []string {
	return []string{
		".git", ".svn", ".hg",
		"venv", "env", ".venv", ".env", "virtualenv",
		"__pycache__", ".pytest_cache", ".tox",
		"node_modules", ".npm", ".yarn",
		"build", "dist", ".cache", "target", ".mypy_cache", ".coverage", "htmlcov",
		".vscode", ".idea",
		"static", "staticdirs", "staticfiles", "static_collected", "media",
		".docker",
		"_build", "docs",
	}
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() *Config {
	return &Config{
		MigrationsDir: model.MigrationsDirName,
		TrackingFile:  model.TrackingFileName,
		SkipDirs:      DefaultSkipDirs(),
		Reanchor:      true,
	}
}

// Load resolves the configuration. It returns the config, the path of the
// file that was read (empty when none), and an error. Every error is a
// *model.CLIError with ExitInvalidConfig.
func Load(ctx context.Context, opts LoadOptions) (*Config, string, error) {
	select {
	case <-ctx.Done():
		return nil, "", fmt.Errorf("load config canceled: %w", ctx.Err())
	default:
	}

	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("migrations_dir", defaults.MigrationsDir)
	v.SetDefault("tracking_file", defaults.TrackingFile)
	v.SetDefault("skip_dirs", defaults.SkipDirs)
	v.SetDefault("all_dirs", defaults.AllDirs)
	v.SetDefault("reanchor", defaults.Reanchor)
	v.SetDefault("concurrency", defaults.Concurrency)
	v.SetDefault("manifest", defaults.Manifest)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path, err := resolvePath(opts)
	if err != nil {
		return nil, "", err
	}
	if path != "" {
		if err := readInto(v, path); err != nil {
			return nil, "", model.WrapCLIError(model.ExitInvalidConfig,
				fmt.Sprintf("invalid config file %s", path), err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", model.WrapCLIError(model.ExitInvalidConfig, "failed to decode configuration", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", model.WrapCLIError(model.ExitInvalidConfig, "invalid configuration", err)
	}
	return &cfg, path, nil
}

// resolvePath returns the explicit config file, or the first project file
// found at the root, or "".
func resolvePath(opts LoadOptions) (string, error) {
	if opts.ConfigFilePath != "" {
		if _, err := os.Stat(opts.ConfigFilePath); err != nil {
			return "", model.WrapCLIError(model.ExitInvalidConfig,
				fmt.Sprintf("config file not found: %s", opts.ConfigFilePath), err)
		}
		return opts.ConfigFilePath, nil
	}
	if opts.Root == "" {
		return "", nil
	}
	for _, ext := range fileExtensions {
		candidate := filepath.Join(opts.Root, FileBaseName+ext)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", nil
}

// readInto merges one config file into v. The format is chosen by
// extension; unknown extensions are read as YAML, which also accepts JSON.
func readInto(v *viper.Viper, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		v.SetConfigType("json")
		data = jsonc.ToJSON(data)
	default:
		v.SetConfigType("yaml")
	}

	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// Validate checks values viper cannot type-check.
func (c *Config) Validate() error {
	var errs []error
	if c.MigrationsDir == "" {
		errs = append(errs, errors.New("migrations_dir must not be empty"))
	} else if strings.ContainsAny(c.MigrationsDir, `/\`) {
		errs = append(errs, fmt.Errorf("migrations_dir must be a folder name, got %q", c.MigrationsDir))
	}
	if c.TrackingFile == "" {
		errs = append(errs, errors.New("tracking_file must not be empty"))
	} else if strings.ContainsAny(c.TrackingFile, `/\`) {
		errs = append(errs, fmt.Errorf("tracking_file must be a file name, got %q", c.TrackingFile))
	}
	if c.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("concurrency must be >= 0, got %d", c.Concurrency))
	}
	return errors.Join(errs...)
}
