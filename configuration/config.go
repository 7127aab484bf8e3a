// Package configuration defines the runtime settings of the crash pipeline.
// There are no package-level mutable settings: a Config is built once at
// process start and passed down explicitly.
package configuration

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Storage selects where a received core ends up.
type Storage int

const (
	StorageNone Storage = iota
	StorageExternal
	StorageJournal
)

var storageNames = map[Storage]string{
	StorageNone:     "none",
	StorageExternal: "external",
	StorageJournal:  "journal",
}

func (s Storage) String() string {
	if n, ok := storageNames[s]; ok {
		return n
	}
	return fmt.Sprintf("storage(%d)", int(s))
}

func (s *Storage) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	for k, n := range storageNames {
		if n == raw {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("failed to parse storage setting %q", raw)
}

func (s Storage) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

// Compression selects the streaming codec for external storage.
type Compression string

const (
	CompressionNone   Compression = "none"
	CompressionZstd   Compression = "zstd"
	CompressionSnappy Compression = "snappy"
)

// Default size ceilings, mirroring the limits the pipeline has always
// shipped with.
const (
	DefaultProcessSizeMax  = 2 << 30        // 2 GiB
	DefaultExternalSizeMax = 2 << 30        // 2 GiB
	DefaultJournalSizeMax  = 767 << 20      // 767 MiB
	Unlimited              = int64(1) << 62 // effectively no quota
)

type Config struct {
	// Storage policy.
	Storage         Storage     `yaml:"storage"`
	Compress        bool        `yaml:"compress"`
	Compression     Compression `yaml:"compression"`
	ProcessSizeMax  int64       `yaml:"process_size_max"`
	ExternalSizeMax int64       `yaml:"external_size_max"`
	JournalSizeMax  int64       `yaml:"journal_size_max"`

	// Quota of the storage directory. KeepFree of 0 disables the
	// free-space requirement; MaxUse of Unlimited disables the usage cap.
	KeepFree int64 `yaml:"keep_free"`
	MaxUse   int64 `yaml:"max_use"`

	// Paths.
	StoreRoot  string `yaml:"store_root"`
	SocketPath string `yaml:"socket_path"`
	LogFile    string `yaml:"log_file"`
}

// Default returns the configuration used when nothing is provided.
func Default() *Config {
	return &Config{
		Storage:         StorageExternal,
		Compress:        true,
		Compression:     CompressionZstd,
		ProcessSizeMax:  DefaultProcessSizeMax,
		ExternalSizeMax: DefaultExternalSizeMax,
		JournalSizeMax:  DefaultJournalSizeMax,
		KeepFree:        0,
		MaxUse:          Unlimited,
		StoreRoot:       "/var/lib/coredumpd",
		SocketPath:      "/run/coredumpd/socket",
		LogFile:         "/var/log/coredumpd.log",
	}
}

// Parse decodes YAML on top of the defaults.
func Parse(body []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(body, cfg); err != nil {
		return nil, err
	}
	if cfg.ProcessSizeMax < 0 || cfg.ExternalSizeMax < 0 || cfg.JournalSizeMax < 0 {
		return nil, fmt.Errorf("size limits must not be negative")
	}
	if cfg.Compression == "" {
		cfg.Compression = CompressionZstd
	}
	return cfg, nil
}
