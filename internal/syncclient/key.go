package syncclient

import (
	"context"

	"github.com/MarcoPoloResearchLab/dtc/internal/database"
)

// SettingReader reads device-local settings.
type SettingReader interface {
	Setting(ctx context.Context, key string) (string, bool, error)
}

// StoredKey returns a key source that prefers the sync key saved on this device and falls back
// to the configured key.
func StoredKey(settings SettingReader, configured string) func(ctx context.Context) string {
	return func(ctx context.Context) string {
		if settings != nil {
			if value, found, err := settings.Setting(ctx, database.SettingSyncKey); err == nil && found && value != "" {
				return value
			}
		}
		return configured
	}
}
