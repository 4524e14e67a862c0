package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. CONNECTOME_OUT_DIR.
const EnvPrefix = "CONNECTOME"

// ErrConfig is returned for unusable settings.
var ErrConfig = errors.New("config: invalid setting")

// Config holds every pipeline setting.
type Config struct {
	RootDir      string `mapstructure:"root_dir"`
	OutDir       string `mapstructure:"out_dir"`
	AtlasDir     string `mapstructure:"atlas_dir"`
	AtlasSource  string `mapstructure:"atlas_source"`
	MetadataFile string `mapstructure:"metadata_file"`

	Workers        int      `mapstructure:"workers"`
	Dry            bool     `mapstructure:"dry"`
	Parcellation   string   `mapstructure:"parcellation"`
	Space          string   `mapstructure:"space"`
	ConnectomeType string   `mapstructure:"connectome_type"`
	Measures       []string `mapstructure:"measures"`

	ExpectedMatrices int  `mapstructure:"expected_matrices"`
	Regions          int  `mapstructure:"regions"`
	WriteNpy         bool `mapstructure:"write_npy"`

	AtlasSpace        string `mapstructure:"atlas_space"`
	AtlasParcellation string `mapstructure:"atlas_parcellation"`
	AtlasMapType      string `mapstructure:"atlas_maptype"`

	LogLevel string `mapstructure:"log_level"`
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("root_dir", ".")
	v.SetDefault("out_dir", "bids")
	v.SetDefault("atlas_dir", "atlas")
	v.SetDefault("atlas_source", "")
	v.SetDefault("metadata_file", "relmat_sidecar.json")
	v.SetDefault("workers", 12)
	v.SetDefault("dry", false)
	v.SetDefault("parcellation", "JulichBrain207")
	v.SetDefault("space", "MNI152")
	v.SetDefault("connectome_type", "connectome")
	v.SetDefault("measures", []string{"density", "sift2"})
	v.SetDefault("expected_matrices", 0)
	v.SetDefault("regions", 0)
	v.SetDefault("write_npy", false)
	v.SetDefault("atlas_space", "mni152")
	v.SetDefault("atlas_parcellation", "julich 3")
	v.SetDefault("atlas_maptype", "labelled")
	v.SetDefault("log_level", "info")
}

// New returns a viper instance with defaults and environment overrides.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads file into v, when given, and decodes the result.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", file, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects settings no pipeline can run with.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be positive, got %d: %w", c.Workers, ErrConfig)
	}
	if c.ExpectedMatrices < 0 {
		return fmt.Errorf("expected_matrices must not be negative, got %d: %w", c.ExpectedMatrices, ErrConfig)
	}
	if c.Regions < 0 {
		return fmt.Errorf("regions must not be negative, got %d: %w", c.Regions, ErrConfig)
	}
	if len(c.Measures) == 0 {
		return fmt.Errorf("measures must not be empty: %w", ErrConfig)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %v: %w", err, ErrConfig)
	}
	return nil
}
