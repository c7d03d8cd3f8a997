package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/patrickmn/go-cache"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/acl"
	"github.com/getpup/pupstore/es/store"
)

const settingsCacheKey = "system-settings"

// SystemSettings returns the latest system settings, or the built-in
// defaults when none were written.
func (e *Engine) SystemSettings(ctx context.Context) (acl.SystemSettings, error) {
	if err := e.begin(); err != nil {
		return acl.SystemSettings{}, err
	}
	defer e.mu.Unlock()

	return e.loadSettings(ctx, e.dbtx())
}

// SetSystemSettings appends a settings event to the $settings stream.
// Writes are last-writer-wins and require write access to $settings.
func (e *Engine) SetSystemSettings(ctx context.Context, settings acl.SystemSettings, creds *es.UserCredentials) (store.WriteResult, error) {
	for _, a := range []*acl.StreamACL{settings.UserStreamACL, settings.SystemStreamACL} {
		if a == nil {
			continue
		}
		if err := validateRoles(*a); err != nil {
			return store.WriteResult{}, err
		}
	}

	data, err := json.Marshal(settings)
	if err != nil {
		return store.WriteResult{}, fmt.Errorf("failed to encode system settings: %w", err)
	}

	event := es.NewEventData(es.SettingsEventType, true, data, nil)
	result, err := e.AppendToStream(ctx, es.SettingsStream, es.Any(), []es.EventData{event}, creds)
	if err != nil {
		return store.WriteResult{}, err
	}

	if e.config.Logger != nil {
		e.config.Logger.Info(ctx, "system settings updated", "version", result.NextExpectedVersion)
	}
	return result, nil
}

// loadSettings reads system settings through the cache. Callers must hold e.mu.
func (e *Engine) loadSettings(ctx context.Context, db es.DBTX) (acl.SystemSettings, error) {
	if cached, ok := e.settings.Get(settingsCacheKey); ok {
		return cached.(acl.SystemSettings), nil
	}

	event, found, err := e.readLastByName(ctx, db, es.SettingsStream)
	if err != nil {
		return acl.SystemSettings{}, err
	}

	settings := acl.DefaultSystemSettings()
	if found {
		settings, err = acl.DecodeSystemSettings(event.Data)
		if err != nil {
			return acl.SystemSettings{}, err
		}
	}

	e.settings.Set(settingsCacheKey, settings, cache.DefaultExpiration)
	return settings, nil
}

// invalidateSettings drops cached settings after a write to $settings.
func (e *Engine) invalidateSettings(stream string) {
	if stream == es.SettingsStream {
		e.settings.Delete(settingsCacheKey)
	}
}
