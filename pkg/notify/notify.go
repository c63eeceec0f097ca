// Package notify persists device push tokens against user profiles.
// Actual push delivery is an external concern; this core only records the
// token so a delivery service can look it up.
package notify

import (
	"chatsync/pkg/logger"
	"chatsync/pkg/store"
)

// Registrar stores device tokens on user profile records.
type Registrar struct {
	st *store.Store
}

// NewRegistrar wires the registrar to the store.
func NewRegistrar(st *store.Store) *Registrar {
	return &Registrar{st: st}
}

// RegisterDeviceToken persists the latest push token for the user,
// replacing any previous one.
func (r *Registrar) RegisterDeviceToken(userID, token string) error {
	if err := r.st.SetDeviceToken(userID, token); err != nil {
		logger.Error("device_token_update_failed", "user", userID, "error", err)
		return err
	}
	logger.Info("device_token_updated", "user", userID)
	return nil
}
