package checkpoint

// CompressionAlgorithm selects the on-disk compression for stored
// checkpoints. Compressed payloads are self-describing via magic bytes,
// so Algorithm only governs the write path; load always sniffs.
type CompressionAlgorithm string

const (
	CompressionNone CompressionAlgorithm = "none"
	CompressionZstd CompressionAlgorithm = "zstd"
	CompressionGzip CompressionAlgorithm = "gzip"
)

// Config configures a CheckpointStorage + CheckpointManager pair.
type Config struct {
	Enabled          bool                  `yaml:"enabled" mapstructure:"enabled"`
	StoragePath      string                `yaml:"storage_path" mapstructure:"storage_path"`
	Compression      CompressionAlgorithm  `yaml:"compression" mapstructure:"compression"`
	CompressionLevel int                   `yaml:"compression_level" mapstructure:"compression_level"`
	IntervalSeconds  uint64                `yaml:"interval_seconds" mapstructure:"interval_seconds"`
	RetentionDays    uint32                `yaml:"retention_days" mapstructure:"retention_days"`
	TaskLevelEnabled bool                  `yaml:"task_level_enabled" mapstructure:"task_level_enabled"`
}

// DefaultConfig returns sane defaults for local, single-user operation.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		StoragePath:      "./checkpoints",
		Compression:      CompressionZstd,
		CompressionLevel: 3,
		IntervalSeconds:  60,
		RetentionDays:    30,
		TaskLevelEnabled: true,
	}
}
