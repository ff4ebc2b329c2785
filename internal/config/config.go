package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds all configuration for a conversion run.
type Config struct {
	Log        LogConfig
	Input      InputConfig
	Output     OutputConfig
	Storage    StorageConfig
	Selection  SelectionConfig
	Conversion ConversionConfig
	Ledger     LedgerConfig
	Metrics    MetricsConfig
}

type LogConfig struct {
	Level  string
	Format string
}

type InputConfig struct {
	Path string // ASDM directory
}

type OutputConfig struct {
	Path            string // directory or key prefix the stores are written under
	Name            string // store base name; <name>.ms and <name>-wvr-corrected.ms
	Backend         string // local, s3, azure
	Compression     string
	UseDictionary   bool
	WriteStatistics bool
	DataPageVersion string
	MaxRowsPerFile  int
}

type StorageConfig struct {
	// S3/MinIO configuration
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string // or AWS_ACCESS_KEY_ID
	S3SecretKey string // or AWS_SECRET_ACCESS_KEY
	S3UseSSL    bool
	S3PathStyle bool
	// Azure Blob Storage
	AzureConnectionString   string
	AzureAccountName        string
	AzureAccountKey         string
	AzureSASToken           string
	AzureContainer          string
	AzureEndpoint           string
	AzureUseManagedIdentity bool
	// Retries for object stores
	MaxRetries int
}

type SelectionConfig struct {
	CorrelationModes    string // "ao co ca"
	SpectralResolutions string // "fr ca bw"
	TimeSamplings       string // "i si"
	Scans               string // "[eb:]scans[;...]"
	WVRCorrectedData    string // no, yes, both
	InputAPC            string
}

type ConversionConfig struct {
	BDFSliceSize  int64 // bytes of binary payload per slice
	DryRun        bool
	Lazy          bool
	UVWOrdering   string // bdf, natural
	AutoPlacement string // trailing, interleaved
}

type LedgerConfig struct {
	Enabled bool
	DBPath  string
}

type MetricsConfig struct {
	Textfile string // Prometheus textfile path, empty disables export
}

// flagKeys maps command line flag names to configuration keys.
var flagKeys = map[string]string{
	"log-level":          "log.level",
	"log-format":         "log.format",
	"input":              "input.path",
	"output":             "output.path",
	"name":               "output.name",
	"backend":            "output.backend",
	"compression":        "output.compression",
	"max-rows-per-file":  "output.max_rows_per_file",
	"ocm":                "selection.correlation_modes",
	"srt":                "selection.spectral_resolutions",
	"its":                "selection.time_samplings",
	"scans":              "selection.scans",
	"wvr-corrected-data": "selection.wvr_corrected_data",
	"apc":                "selection.input_apc",
	"bdf-slice-size":     "conversion.bdf_slice_size",
	"dry-run":            "conversion.dry_run",
	"lazy":               "conversion.lazy",
	"uvw-ordering":       "conversion.uvw_ordering",
	"auto-placement":     "conversion.auto_placement",
	"ledger":             "ledger.enabled",
	"ledger-db":          "ledger.db_path",
	"metrics-textfile":   "metrics.textfile",
}

// Load builds the configuration from defaults, an optional asdm2ms.toml,
// ASDM2MS_* environment variables and flags, in increasing precedence.
// flags may be nil; only flags present in the set are bound.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ASDM2MS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("asdm2ms")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/asdm2ms/")
	v.AddConfigPath("$HOME/.asdm2ms/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	sliceSize, err := ParseSize(v.GetString("conversion.bdf_slice_size"))
	if err != nil {
		return nil, fmt.Errorf("invalid conversion.bdf_slice_size: %w", err)
	}

	cfg := &Config{
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Input: InputConfig{
			Path: v.GetString("input.path"),
		},
		Output: OutputConfig{
			Path:            v.GetString("output.path"),
			Name:            v.GetString("output.name"),
			Backend:         v.GetString("output.backend"),
			Compression:     v.GetString("output.compression"),
			UseDictionary:   v.GetBool("output.use_dictionary"),
			WriteStatistics: v.GetBool("output.write_statistics"),
			DataPageVersion: v.GetString("output.data_page_version"),
			MaxRowsPerFile:  v.GetInt("output.max_rows_per_file"),
		},
		Storage: StorageConfig{
			S3Bucket:                v.GetString("storage.s3_bucket"),
			S3Region:                v.GetString("storage.s3_region"),
			S3Endpoint:              v.GetString("storage.s3_endpoint"),
			S3AccessKey:             v.GetString("storage.s3_access_key"),
			S3SecretKey:             v.GetString("storage.s3_secret_key"),
			S3UseSSL:                v.GetBool("storage.s3_use_ssl"),
			S3PathStyle:             v.GetBool("storage.s3_path_style"),
			AzureConnectionString:   v.GetString("storage.azure_connection_string"),
			AzureAccountName:        v.GetString("storage.azure_account_name"),
			AzureAccountKey:         v.GetString("storage.azure_account_key"),
			AzureSASToken:           v.GetString("storage.azure_sas_token"),
			AzureContainer:          v.GetString("storage.azure_container"),
			AzureEndpoint:           v.GetString("storage.azure_endpoint"),
			AzureUseManagedIdentity: v.GetBool("storage.azure_use_managed_identity"),
			MaxRetries:              v.GetInt("storage.max_retries"),
		},
		Selection: SelectionConfig{
			CorrelationModes:    v.GetString("selection.correlation_modes"),
			SpectralResolutions: v.GetString("selection.spectral_resolutions"),
			TimeSamplings:       v.GetString("selection.time_samplings"),
			Scans:               v.GetString("selection.scans"),
			WVRCorrectedData:    v.GetString("selection.wvr_corrected_data"),
			InputAPC:            v.GetString("selection.input_apc"),
		},
		Conversion: ConversionConfig{
			BDFSliceSize:  sliceSize,
			DryRun:        v.GetBool("conversion.dry_run"),
			Lazy:          v.GetBool("conversion.lazy"),
			UVWOrdering:   v.GetString("conversion.uvw_ordering"),
			AutoPlacement: v.GetString("conversion.auto_placement"),
		},
		Ledger: LedgerConfig{
			Enabled: v.GetBool("ledger.enabled"),
			DBPath:  v.GetString("ledger.db_path"),
		},
		Metrics: MetricsConfig{
			Textfile: v.GetString("metrics.textfile"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	// Output defaults
	v.SetDefault("output.path", ".")
	v.SetDefault("output.name", "output")
	v.SetDefault("output.backend", "local")
	v.SetDefault("output.compression", "snappy")
	v.SetDefault("output.use_dictionary", true)
	v.SetDefault("output.write_statistics", true)
	v.SetDefault("output.data_page_version", "2.0")
	v.SetDefault("output.max_rows_per_file", 1_000_000)

	// Storage defaults
	v.SetDefault("storage.s3_region", "us-east-1")
	v.SetDefault("storage.s3_use_ssl", true)
	v.SetDefault("storage.s3_path_style", false) // set true for MinIO
	v.SetDefault("storage.max_retries", 3)

	// Selection defaults: everything, uncorrected data only
	v.SetDefault("selection.correlation_modes", "ao co ca")
	v.SetDefault("selection.spectral_resolutions", "fr ca bw")
	v.SetDefault("selection.time_samplings", "i si")
	v.SetDefault("selection.scans", "")
	v.SetDefault("selection.wvr_corrected_data", "no")
	v.SetDefault("selection.input_apc", "")

	// Conversion defaults
	v.SetDefault("conversion.bdf_slice_size", "512MB")
	v.SetDefault("conversion.dry_run", false)
	v.SetDefault("conversion.lazy", false)
	v.SetDefault("conversion.uvw_ordering", "bdf")
	v.SetDefault("conversion.auto_placement", "trailing")

	// Ledger defaults
	v.SetDefault("ledger.enabled", false)
	v.SetDefault("ledger.db_path", "./asdm2ms-ledger.db")

	v.SetDefault("metrics.textfile", "")
}

// Validate checks settings that can be rejected before any input is read.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Output.Backend) {
	case "local", "s3", "minio", "azure", "azblob":
	default:
		return fmt.Errorf("invalid output.backend %q (want local, s3 or azure)", c.Output.Backend)
	}
	switch strings.ToLower(c.Output.Compression) {
	case "snappy", "gzip", "zstd", "none", "uncompressed":
	default:
		return fmt.Errorf("invalid output.compression %q (want snappy, gzip, zstd or none)", c.Output.Compression)
	}
	if c.Output.DataPageVersion != "1.0" && c.Output.DataPageVersion != "2.0" {
		return fmt.Errorf("invalid output.data_page_version %q (want 1.0 or 2.0)", c.Output.DataPageVersion)
	}
	if c.Output.MaxRowsPerFile <= 0 {
		return fmt.Errorf("output.max_rows_per_file must be positive, got %d", c.Output.MaxRowsPerFile)
	}
	if c.Conversion.BDFSliceSize <= 0 {
		return fmt.Errorf("conversion.bdf_slice_size must be positive")
	}
	if _, err := ParseScanSelection(c.Selection.Scans); err != nil {
		return err
	}
	if c.Ledger.Enabled && c.Ledger.DBPath == "" {
		return fmt.Errorf("ledger.db_path is required when the ledger is enabled")
	}
	return nil
}

// ParseSize parses a size string like "512MB", "1GB", "100KB" or a bare
// byte count.
func ParseSize(sizeStr string) (int64, error) {
	sizeStr = strings.TrimSpace(strings.ToUpper(sizeStr))
	if sizeStr == "" {
		return 0, fmt.Errorf("empty size string")
	}

	units := []struct {
		suffix     string
		multiplier int64
	}{
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	}

	for _, unit := range units {
		if strings.HasSuffix(sizeStr, unit.suffix) {
			return parseSizeNumber(strings.TrimSpace(strings.TrimSuffix(sizeStr, unit.suffix)), sizeStr, unit.multiplier)
		}
	}
	return parseSizeNumber(sizeStr, sizeStr, 1)
}

func parseSizeNumber(numStr, sizeStr string, multiplier int64) (int64, error) {
	var num float64
	var trailing string
	n, _ := fmt.Sscanf(numStr, "%f%s", &num, &trailing)
	if n == 0 {
		return 0, fmt.Errorf("invalid size number: %s", numStr)
	}
	if trailing != "" {
		return 0, fmt.Errorf("invalid size format: %s (use e.g., '1GB', '500MB', '100KB')", sizeStr)
	}
	if num < 0 {
		return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
	}
	return int64(num * float64(multiplier)), nil
}
