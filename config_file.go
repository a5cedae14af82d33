package lethe

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// FileConfig is the on-disk form of an engine and adapter configuration.
// Every key can be overridden from the environment with the LETHE_ prefix,
// for example LETHE_BLOCK_SIZE.
type FileConfig struct {
	Hash                 string   `mapstructure:"hash"`
	Cipher               string   `mapstructure:"cipher"`
	SystemFanouts        []uint64 `mapstructure:"system_fanouts"`
	ObjectFanouts        []uint64 `mapstructure:"object_fanouts"`
	MemoryLimit          int      `mapstructure:"memory_limit"`
	KeyCacheSize         int      `mapstructure:"key_cache_size"`
	SpeculationCacheSize int      `mapstructure:"speculation_cache_size"`
	ForestCacheSize      int      `mapstructure:"forest_cache_size"`

	SectorSize int `mapstructure:"sector_size"`
	BlockSize  int `mapstructure:"block_size"`
	ChunkSize  int `mapstructure:"chunk_size"`

	Parallel           bool `mapstructure:"parallel"`
	MaxWorkers         int  `mapstructure:"max_workers"`
	MinSectorsParallel int  `mapstructure:"min_sectors_parallel"`
}

// Settings is a loaded configuration, split by the component it configures.
type Settings struct {
	Engine   *Config
	Geometry Geometry
	Parallel ParallelConfig
}

// LoadConfig reads the configuration file at path, or searches for
// lethe.yaml in the working directory, ./config and /etc/lethe when path is
// empty. A missing file is not an error; defaults and the environment
// still apply.
func LoadConfig(path string) (*Settings, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("lethe")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/lethe")
	}

	par := DefaultParallelConfig()
	v.SetDefault("hash", HashBlake2b.String())
	v.SetDefault("cipher", CipherChaCha20.String())
	v.SetDefault("system_fanouts", DefaultFanouts())
	v.SetDefault("object_fanouts", DefaultFanouts())
	v.SetDefault("memory_limit", DefaultMemoryLimit)
	v.SetDefault("key_cache_size", DefaultKeyCacheLimit)
	v.SetDefault("speculation_cache_size", DefaultSpeculationCacheLimit)
	v.SetDefault("forest_cache_size", DefaultForestCacheSize)
	v.SetDefault("sector_size", DefaultSectorSize)
	v.SetDefault("block_size", DefaultBlockSize)
	v.SetDefault("chunk_size", DefaultSpeculationChunk)
	v.SetDefault("parallel", par.Enabled)
	v.SetDefault("max_workers", par.MaxWorkers)
	v.SetDefault("min_sectors_parallel", par.MinSectorsForParallel)

	v.SetEnvPrefix("LETHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return fc.Settings()
}

// Settings converts the file form into validated component configurations.
func (fc FileConfig) Settings() (*Settings, error) {
	hash, err := ParseHashSuite(fc.Hash)
	if err != nil {
		return nil, err
	}
	cipher, err := ParseCipherSuite(fc.Cipher)
	if err != nil {
		return nil, err
	}
	s := &Settings{
		Engine: &Config{
			Hash:                 hash,
			Cipher:               cipher,
			SystemFanouts:        fc.SystemFanouts,
			ObjectFanouts:        fc.ObjectFanouts,
			MemoryLimit:          fc.MemoryLimit,
			KeyCacheSize:         fc.KeyCacheSize,
			SpeculationCacheSize: fc.SpeculationCacheSize,
			ForestCacheSize:      fc.ForestCacheSize,
		},
		Geometry: Geometry{
			SectorSize: fc.SectorSize,
			BlockSize:  fc.BlockSize,
			ChunkSize:  fc.ChunkSize,
		},
		Parallel: ParallelConfig{
			Enabled:               fc.Parallel,
			MaxWorkers:            fc.MaxWorkers,
			MinSectorsForParallel: fc.MinSectorsParallel,
		},
	}
	if err := s.Engine.Validate(); err != nil {
		return nil, err
	}
	s.Geometry.setDefaults()
	if err := s.Geometry.Validate(); err != nil {
		return nil, err
	}
	if err := s.Parallel.Validate(); err != nil {
		return nil, NewValidationError("Parallel", s.Parallel, err.Error())
	}
	return s, nil
}

// ParseHashSuite maps a hash name, as printed by HashSuite.String, to its suite.
func ParseHashSuite(name string) (HashSuite, error) {
	for _, h := range []HashSuite{HashAuto, HashBlake2b, HashSHA3, HashHMACSHA256} {
		if strings.EqualFold(name, h.String()) {
			return h, nil
		}
	}
	if name == "" {
		return HashAuto, nil
	}
	return HashAuto, &ValidationError{Field: "hash", Value: name, Message: "unknown hash suite", Err: ErrUnsupportedHash}
}

// ParseCipherSuite maps a cipher name, as printed by CipherSuite.String, to its suite.
func ParseCipherSuite(name string) (CipherSuite, error) {
	for _, c := range []CipherSuite{CipherAuto, CipherAES256CTR, CipherChaCha20} {
		if strings.EqualFold(name, c.String()) {
			return c, nil
		}
	}
	if name == "" {
		return CipherAuto, nil
	}
	return CipherAuto, &ValidationError{Field: "cipher", Value: name, Message: "unknown cipher suite", Err: ErrUnsupportedCipher}
}
