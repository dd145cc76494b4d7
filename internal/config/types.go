package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Duration accepts both Go duration strings ("30s", "5m") and plain seconds.
type Duration time.Duration

// UnmarshalText lets viper decode values such as "30s", "5m" or "45".
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue returns the underlying time.Duration.
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// ByteSize is a capacity in bytes. Text values may carry a unit suffix
// ("4MiB", "200MB", "512K"); bare numbers are bytes.
type ByteSize int64

// UnmarshalText parses sizes with an optional unit suffix.
func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := parseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

// Bytes returns the size as int64.
func (b ByteSize) Bytes() int64 {
	return int64(b)
}

var byteUnits = []struct {
	suffix string
	scale  int64
}{
	// longest suffixes first so "MiB" is not matched as "B"
	{"KiB", 1 << 10},
	{"MiB", 1 << 20},
	{"GiB", 1 << 30},
	{"KB", 1000},
	{"MB", 1000 * 1000},
	{"GB", 1000 * 1000 * 1000},
	{"K", 1 << 10},
	{"M", 1 << 20},
	{"G", 1 << 30},
	{"B", 1},
}

func parseByteSize(raw string) (int64, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return 0, nil
	}
	scale := int64(1)
	upper := strings.ToUpper(value)
	for _, unit := range byteUnits {
		if strings.HasSuffix(upper, strings.ToUpper(unit.suffix)) {
			scale = unit.scale
			value = strings.TrimSpace(value[:len(value)-len(unit.suffix)])
			break
		}
	}
	n, err := parseInt(value)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size value: %s", raw)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative byte size: %s", raw)
	}
	if n > math.MaxInt64/scale {
		return 0, fmt.Errorf("byte size overflows int64: %s", raw)
	}
	return n * scale, nil
}

// parseInt accepts decimal or 0x-prefixed hexadecimal strings.
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig controls process level behaviour: logging, networking and the
// optional HTTP facade.
type GlobalConfig struct {
	ListenPort     int      `mapstructure:"ListenPort"`
	LogLevel       string   `mapstructure:"LogLevel"`
	LogFilePath    string   `mapstructure:"LogFilePath"`
	LogMaxSize     int      `mapstructure:"LogMaxSize"`
	LogMaxBackups  int      `mapstructure:"LogMaxBackups"`
	LogCompress    bool     `mapstructure:"LogCompress"`
	RequestTimeout Duration `mapstructure:"RequestTimeout"`
}

// CacheConfig is the budget of the resource store plus the engine worker pool.
type CacheConfig struct {
	StoragePath       string   `mapstructure:"StoragePath"`
	MemoryCapacity    ByteSize `mapstructure:"MemoryCapacity"`
	DiskCapacity      ByteSize `mapstructure:"DiskCapacity"`
	AdmissionFraction float64  `mapstructure:"AdmissionFraction"`
	Workers           int      `mapstructure:"Workers"`
}

// Config is the decoded TOML file. Both sections use flat keys.
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Cache  CacheConfig  `mapstructure:",squash"`
}
