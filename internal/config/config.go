package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"shotlog-service/internal/domain/shot"
	"shotlog-service/internal/motors"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type HTTPConfig struct {
	Listen     string `mapstructure:"listen"`
	AuthSecret string `mapstructure:"auth_secret"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type PathsConfig struct {
	RawRoot   string `mapstructure:"raw_root"`
	CleanRoot string `mapstructure:"clean_root"`
}

type EngineConfig struct {
	FullWindowS       float64  `mapstructure:"full_window_s"`
	TimeoutS          float64  `mapstructure:"timeout_s"`
	TriggerKeyword    string   `mapstructure:"trigger_keyword"`
	ApplyKeywordToAll bool     `mapstructure:"apply_keyword_to_all"`
	TestKeywords      []string `mapstructure:"test_keywords"`
}

type SpecConfig struct {
	Keyword    string   `mapstructure:"keyword"`
	Extensions []string `mapstructure:"extensions"`
}

type FolderEntry struct {
	Name     string       `mapstructure:"name"`
	Expected bool         `mapstructure:"expected"`
	Trigger  bool         `mapstructure:"trigger"`
	Specs    []SpecConfig `mapstructure:"specs"`
}

type MotorsConfig struct {
	InitialCSV     string                `mapstructure:"initial_csv"`
	HistoryCSV     string                `mapstructure:"history_csv"`
	OutputCSV      string                `mapstructure:"output_csv"`
	InitialColumns motors.InitialColumns `mapstructure:"initial_columns"`
	HistoryColumns motors.HistoryColumns `mapstructure:"history_columns"`
}

type Config struct {
	HTTP     HTTPConfig     `mapstructure:"http"`
	Database DatabaseConfig `mapstructure:"database"`
	Paths    PathsConfig    `mapstructure:"paths"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Folders  []FolderEntry  `mapstructure:"folders"`
	Motors   MotorsConfig   `mapstructure:"motors"`
}

// Load reads the configuration file, applies defaults and environment
// overrides (SHOTLOG_*) and validates the result. Configuration errors
// are rejected here and never reach the engine.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SHOTLOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("http.listen", ":8080")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "shotlog.db")
	v.SetDefault("engine.full_window_s", 10.0)
	v.SetDefault("engine.timeout_s", 20.0)
	v.SetDefault("engine.trigger_keyword", "shot")
	v.SetDefault("engine.test_keywords", []string{"test", "align"})
	v.SetDefault("motors.initial_columns.motor", "motor")
	v.SetDefault("motors.initial_columns.axis", "axis")
	v.SetDefault("motors.initial_columns.position", "position")
	v.SetDefault("motors.history_columns.time", "time")
	v.SetDefault("motors.history_columns.motor", "axis")
	v.SetDefault("motors.history_columns.old_pos", "old")
	v.SetDefault("motors.history_columns.new_pos", "new")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Paths.RawRoot == "" {
		return fmt.Errorf("%w: paths.raw_root is required", ErrInvalidConfig)
	}
	if c.Paths.CleanRoot == "" {
		return fmt.Errorf("%w: paths.clean_root is required", ErrInvalidConfig)
	}
	if len(c.Folders) == 0 {
		return fmt.Errorf("%w: at least one folder must be configured", ErrInvalidConfig)
	}
	seen := make(map[string]struct{}, len(c.Folders))
	for _, f := range c.Folders {
		if f.Name == "" {
			return fmt.Errorf("%w: folder with empty name", ErrInvalidConfig)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("%w: duplicate folder name %q", ErrInvalidConfig, f.Name)
		}
		seen[f.Name] = struct{}{}
	}
	if c.Engine.FullWindowS <= 0 || c.Engine.TimeoutS <= 0 {
		return fmt.Errorf("%w: engine.full_window_s and engine.timeout_s must be positive", ErrInvalidConfig)
	}
	if c.Motors.InitialCSV != "" || c.Motors.HistoryCSV != "" {
		mc := c.Motors
		if mc.InitialCSV == "" || mc.HistoryCSV == "" || mc.OutputCSV == "" {
			return fmt.Errorf("%w: motors requires initial_csv, history_csv and output_csv together", ErrInvalidConfig)
		}
		if mc.InitialColumns.Motor == "" || mc.InitialColumns.Position == "" {
			return fmt.Errorf("%w: motors.initial_columns.motor and .position are required", ErrInvalidConfig)
		}
		if mc.HistoryColumns.Time == "" || mc.HistoryColumns.Motor == "" || mc.HistoryColumns.NewPos == "" {
			return fmt.Errorf("%w: motors.history_columns.time, .motor and .new_pos are required", ErrInvalidConfig)
		}
	}
	return nil
}

// ShotConfig builds the immutable snapshot handed to the engine.
func (c *Config) ShotConfig() shot.Config {
	folders := make([]shot.FolderConfig, 0, len(c.Folders))
	for _, f := range c.Folders {
		specs := make([]shot.FolderSpec, 0, len(f.Specs))
		for _, s := range f.Specs {
			specs = append(specs, shot.FolderSpec{Keyword: s.Keyword, Extensions: s.Extensions})
		}
		if len(specs) == 0 {
			specs = []shot.FolderSpec{{}}
		}
		folders = append(folders, shot.FolderConfig{
			Name:     f.Name,
			Expected: f.Expected,
			Trigger:  f.Trigger,
			Specs:    specs,
		})
	}
	return shot.Config{
		Folders: folders,
		Global: shot.GlobalConfig{
			TriggerKeyword:    c.Engine.TriggerKeyword,
			ApplyKeywordToAll: c.Engine.ApplyKeywordToAll,
			FullWindow:        time.Duration(c.Engine.FullWindowS * float64(time.Second)),
			Timeout:           time.Duration(c.Engine.TimeoutS * float64(time.Second)),
			TestKeywords:      c.Engine.TestKeywords,
		},
	}
}
