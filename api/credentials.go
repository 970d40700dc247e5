package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"

	"github.com/brettboylen/reddit-scheduler/db"
)

// DefaultKeyringService is the keyring service name passwords are stored under
const DefaultKeyringService = "reddit-scheduler"

// ErrNoCredentials is returned when neither the keyring nor the fallback holds credentials
var ErrNoCredentials = errors.New("no reddit credentials stored, log in first")

// SettingsStore is the key/value storage the username lives in
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
	RemoveSetting(ctx context.Context, key string) error
}

var (
	keyringSet    = keyring.Set
	keyringGet    = keyring.Get
	keyringDelete = keyring.Delete
)

// KeyringCredentials keeps the username in local settings and the password
// in the OS keyring. Static fallback credentials (from the environment) are
// used when nothing has been stored.
type KeyringCredentials struct {
	service          string
	settings         SettingsStore
	fallbackUsername string
	fallbackPassword string
}

// NewKeyringCredentials creates a credentials provider
func NewKeyringCredentials(service string, settings SettingsStore, fallbackUsername, fallbackPassword string) *KeyringCredentials {
	if service == "" {
		service = DefaultKeyringService
	}
	return &KeyringCredentials{
		service:          service,
		settings:         settings,
		fallbackUsername: fallbackUsername,
		fallbackPassword: fallbackPassword,
	}
}

// Credentials returns the stored username and password
func (k *KeyringCredentials) Credentials(ctx context.Context) (string, string, error) {
	username, ok, err := k.settings.GetSetting(ctx, db.SettingUsername)
	if err != nil {
		return "", "", err
	}
	if ok && username != "" {
		password, err := keyringGet(k.service, username)
		if err == nil {
			return username, password, nil
		}
		if !errors.Is(err, keyring.ErrNotFound) {
			return "", "", fmt.Errorf("failed to read password for %s: %w", username, err)
		}
	}

	if k.fallbackUsername != "" && k.fallbackPassword != "" {
		return k.fallbackUsername, k.fallbackPassword, nil
	}
	return "", "", ErrNoCredentials
}

// Save stores username and password for later logins
func (k *KeyringCredentials) Save(ctx context.Context, username, password string) error {
	if err := keyringSet(k.service, username, password); err != nil {
		return fmt.Errorf("failed to store password for %s: %w", username, err)
	}
	return k.settings.SetSetting(ctx, db.SettingUsername, username)
}

// Forget removes the stored username and password
func (k *KeyringCredentials) Forget(ctx context.Context) error {
	username, ok, err := k.settings.GetSetting(ctx, db.SettingUsername)
	if err != nil {
		return err
	}
	if ok && username != "" {
		if err := keyringDelete(k.service, username); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("failed to delete password for %s: %w", username, err)
		}
	}
	return k.settings.RemoveSetting(ctx, db.SettingUsername)
}
