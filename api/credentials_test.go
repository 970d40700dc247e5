package api

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/brettboylen/reddit-scheduler/db"
)

type memorySettings map[string]string

func (m memorySettings) GetSetting(_ context.Context, key string) (string, bool, error) {
	v, ok := m[key]
	return v, ok, nil
}

func (m memorySettings) SetSetting(_ context.Context, key, value string) error {
	m[key] = value
	return nil
}

func (m memorySettings) RemoveSetting(_ context.Context, key string) error {
	delete(m, key)
	return nil
}

func TestKeyringCredentials(t *testing.T) {
	keyring.MockInit()
	ctx := context.Background()
	settings := memorySettings{}

	creds := NewKeyringCredentials("", settings, "", "")

	_, _, err := creds.Credentials(ctx)
	assert.True(t, errors.Is(err, ErrNoCredentials))

	require.NoError(t, creds.Save(ctx, "spez", "hunter2"))
	assert.Equal(t, "spez", settings[db.SettingUsername])

	username, password, err := creds.Credentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, "spez", username)
	assert.Equal(t, "hunter2", password)

	require.NoError(t, creds.Forget(ctx))
	_, ok := settings[db.SettingUsername]
	assert.False(t, ok)

	_, _, err = creds.Credentials(ctx)
	assert.True(t, errors.Is(err, ErrNoCredentials))

	// forgetting twice is fine
	assert.NoError(t, creds.Forget(ctx))
}

func TestKeyringCredentialsFallback(t *testing.T) {
	keyring.MockInit()
	ctx := context.Background()

	creds := NewKeyringCredentials(DefaultKeyringService, memorySettings{}, "envuser", "envpass")

	username, password, err := creds.Credentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, "envuser", username)
	assert.Equal(t, "envpass", password)

	// stored credentials win over the fallback
	require.NoError(t, creds.Save(ctx, "spez", "hunter2"))
	username, _, err = creds.Credentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, "spez", username)
}
