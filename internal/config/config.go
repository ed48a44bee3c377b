package config

import (
	"github.com/spf13/viper"
)

// Config holds engine tunables. Host-provided, per-operation values live in
// EnvironmentSettings and OperationSettings instead.
type Config struct {
	// Reporting channel ceilings. MaxStatusBytes is the hard limit the host
	// enforces; StatusTargetBytes is the internal target that leaves headroom
	// so re-serialization never crosses the hard limit.
	MaxStatusBytes    int `mapstructure:"max_status_bytes"`
	StatusTargetBytes int `mapstructure:"status_target_bytes"`

	TruncationEnabled      bool `mapstructure:"truncation_enabled"`
	MinAssessmentPatches   int  `mapstructure:"min_assessment_patches"`
	MinInstallationPatches int  `mapstructure:"min_installation_patches"`

	InstallRetryCount int `mapstructure:"install_retry_count"`
	ReconcileInterval int `mapstructure:"reconcile_interval"`

	FileRetryCount   int `mapstructure:"file_retry_count"`
	FileRetryDelayMS int `mapstructure:"file_retry_delay_ms"`

	RebootBufferMinutes          int `mapstructure:"reboot_buffer_minutes"`
	PackageInstallCeilingMinutes int `mapstructure:"package_install_ceiling_minutes"`
	RebootDelayMinutes           int `mapstructure:"reboot_delay_minutes"`
	RebootTimeoutMinutes         int `mapstructure:"reboot_timeout_minutes"`

	// MaxRunMinutes bounds how long a previous invocation may be waited on.
	MaxRunMinutes int `mapstructure:"max_run_minutes"`

	LogFormat     string `mapstructure:"log_format"`
	LogLevel      string `mapstructure:"log_level"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`
}

func Default() *Config {
	return &Config{
		MaxStatusBytes:               128 * 1024,
		StatusTargetBytes:            126 * 1024,
		TruncationEnabled:            true,
		MinAssessmentPatches:         5,
		MinInstallationPatches:       5,
		InstallRetryCount:            3,
		ReconcileInterval:            10,
		FileRetryCount:               5,
		FileRetryDelayMS:             200,
		RebootBufferMinutes:          15,
		PackageInstallCeilingMinutes: 5,
		RebootDelayMinutes:           5,
		RebootTimeoutMinutes:         5,
		MaxRunMinutes:                180,
		LogFormat:                    "text",
		LogLevel:                     "info",
		LogMaxSizeMB:                 10,
		LogMaxBackups:                3,
	}
}

// Load reads the optional engine config file, layering it over defaults.
// A missing file is not an error; most hosts never ship one.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("patch-engine")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/patch-engine")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("PATCH_ENGINE")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
