package desk

import (
	"context"
	"strings"

	"github.com/MarcoPoloResearchLab/dtc/internal/database"
)

// SetSyncKey stores the key this device presents to the server, overriding the configured one.
// An empty key clears it.
func (s *Service) SetSyncKey(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return s.ClearSyncKey(ctx)
	}
	if err := s.store.PutSetting(ctx, database.SettingSyncKey, key); err != nil {
		return err
	}
	s.logger.Info("sync key saved on this device")
	return nil
}

// ClearSyncKey removes the device key so the configured key applies again.
func (s *Service) ClearSyncKey(ctx context.Context) error {
	if err := s.store.DeleteSetting(ctx, database.SettingSyncKey); err != nil {
		return err
	}
	s.logger.Info("sync key cleared on this device")
	return nil
}
