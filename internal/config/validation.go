package config

import (
	"errors"
	"strings"
)

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "must be within 1-65535")
	}
	if g.RequestTimeout.DurationValue() <= 0 {
		return newFieldError("Global.RequestTimeout", "must be greater than 0")
	}
	if g.LogMaxSize < 0 {
		return newFieldError("Global.LogMaxSize", "must not be negative")
	}
	if g.LogMaxBackups < 0 {
		return newFieldError("Global.LogMaxBackups", "must not be negative")
	}

	cc := c.Cache
	if strings.TrimSpace(cc.StoragePath) == "" {
		return newFieldError("Cache.StoragePath", "must not be empty")
	}
	if cc.MemoryCapacity <= 0 {
		return newFieldError("Cache.MemoryCapacity", "must be greater than 0")
	}
	if cc.DiskCapacity <= 0 {
		return newFieldError("Cache.DiskCapacity", "must be greater than 0")
	}
	if cc.AdmissionFraction <= 0 || cc.AdmissionFraction > 1 {
		return newFieldError("Cache.AdmissionFraction", "must be within (0, 1]")
	}
	if cc.Workers <= 0 {
		return newFieldError("Cache.Workers", "must be greater than 0")
	}
	return nil
}
