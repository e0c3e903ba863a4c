package config

import (
	"reflect"
	"strings"

	logx "hyperisle/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (digest telegram token) are never
// included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 12)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Island, newCfg.Island) {
		changed = append(changed, "island")
		attrs = append(attrs,
			logx.Int("island.capacity", newCfg.Island.Capacity),
			logx.String("island.eviction", newCfg.Island.Eviction),
			logx.String("island.preset", newCfg.Island.Preset),
			logx.Int("island.app_count", len(newCfg.Island.Apps)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Bridge, newCfg.Bridge) {
		changed = append(changed, "bridge")
		attrs = append(attrs, logx.Bool("bridge.enabled", newCfg.Bridge.Enabled))
	}

	if !storageEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if newCfg.Storage != nil {
			attrs = append(attrs, logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)))
		}
	}

	if !digestEqual(oldCfg.Digest, newCfg.Digest) {
		changed = append(changed, "digest")
		if newCfg.Digest != nil {
			attrs = append(attrs,
				logx.Bool("digest.enabled", newCfg.Digest.Enabled),
				logx.Bool("digest.telegram_set", newCfg.Digest.Telegram != nil),
			)
		}
	}

	return changed, attrs
}

func storageEqual(a, b *StorageConfig) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}

func digestEqual(a, b *DigestConfig) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	if (a.Telegram == nil) != (b.Telegram == nil) {
		return false
	}
	ac, bc := *a, *b
	ac.Telegram, bc.Telegram = nil, nil
	if ac != bc {
		return false
	}
	return a.Telegram == nil || *a.Telegram == *b.Telegram
}
