package drm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/italolelis/offline_vault/internal/content"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient implements Client for testing.
type fakeClient struct {
	requestFunc  func(ctx context.Context, keySystem string, initData []byte, persistent bool) (*content.License, error)
	releaseFunc  func(ctx context.Context, sessionKey string) error
	requested    int
	releasedKeys []string
}

func (c *fakeClient) Request(ctx context.Context, keySystem string, initData []byte, persistent bool) (*content.License, error) {
	c.requested++
	if c.requestFunc != nil {
		return c.requestFunc(ctx, keySystem, initData, persistent)
	}

	return &content.License{SessionKey: "sess-1", KeySystem: keySystem, Persistent: persistent}, nil
}

func (c *fakeClient) Release(ctx context.Context, sessionKey string) error {
	c.releasedKeys = append(c.releasedKeys, sessionKey)
	if c.releaseFunc != nil {
		return c.releaseFunc(ctx, sessionKey)
	}

	return nil
}

// fakeLicenseStore implements store.LicenseRepository in memory.
type fakeLicenseStore struct {
	licenses map[string]*content.License
	putErr   error
}

func newFakeLicenseStore() *fakeLicenseStore {
	return &fakeLicenseStore{licenses: make(map[string]*content.License)}
}

func (s *fakeLicenseStore) PutLicense(_ context.Context, lic *content.License) error {
	if s.putErr != nil {
		return s.putErr
	}

	s.licenses[lic.SessionKey] = lic

	return nil
}

func (s *fakeLicenseStore) GetLicense(_ context.Context, sessionKey string) (*content.License, error) {
	lic, ok := s.licenses[sessionKey]
	if !ok {
		return nil, content.ErrNotFound
	}

	return lic, nil
}

func (s *fakeLicenseStore) DeleteLicense(_ context.Context, sessionKey string) error {
	delete(s.licenses, sessionKey)

	return nil
}

func (s *fakeLicenseStore) ListExpiredLicenses(_ context.Context, now time.Time) ([]*content.License, error) {
	var expired []*content.License
	for _, lic := range s.licenses {
		if lic.Expired(now) {
			expired = append(expired, lic)
		}
	}

	return expired, nil
}

func (s *fakeLicenseStore) DetachLicense(_ context.Context, _ string) error {
	return nil
}

func TestManager_AcquireUnsupported(t *testing.T) {
	tests := []struct {
		name       string
		caps       map[string]bool
		keySystem  string
		persistent bool
	}{
		{
			name:      "unknown key system",
			caps:      map[string]bool{"com.widevine.alpha": true},
			keySystem: "com.example.unknown",
		},
		{
			name:       "persistent requested without persistent state",
			caps:       map[string]bool{"com.widevine.alpha": false},
			keySystem:  "com.widevine.alpha",
			persistent: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeClient{}
			manager := NewManager(NewStaticOracle(tt.caps), client, newFakeLicenseStore(), nil)

			_, err := manager.Acquire(context.Background(), tt.keySystem, []byte("init"), tt.persistent)
			require.ErrorIs(t, err, content.ErrLicenseUnsupported)

			// Support is settled before any license server traffic.
			assert.Zero(t, client.requested)
		})
	}
}

func TestManager_AcquireTemporary(t *testing.T) {
	client := &fakeClient{}
	licenses := newFakeLicenseStore()
	manager := NewManager(NewStaticOracle(map[string]bool{"com.widevine.alpha": true}), client, licenses, nil)

	lic, err := manager.Acquire(context.Background(), "com.widevine.alpha", []byte("init"), false)
	require.NoError(t, err)
	assert.False(t, lic.Persistent)

	// Temporary sessions are never written through.
	assert.Empty(t, licenses.licenses)
}

func TestManager_AcquirePersistentStoresBeforeReturn(t *testing.T) {
	client := &fakeClient{}
	licenses := newFakeLicenseStore()
	manager := NewManager(NewStaticOracle(map[string]bool{"com.widevine.alpha": true}), client, licenses, nil)

	lic, err := manager.Acquire(context.Background(), "com.widevine.alpha", []byte("init"), true)
	require.NoError(t, err)
	assert.True(t, lic.Persistent)

	stored, err := licenses.GetLicense(context.Background(), lic.SessionKey)
	require.NoError(t, err)
	assert.Equal(t, lic.SessionKey, stored.SessionKey)
}

func TestManager_AcquirePersistentStoreFailureReleases(t *testing.T) {
	client := &fakeClient{}
	licenses := newFakeLicenseStore()
	licenses.putErr = errors.New("disk full")
	manager := NewManager(NewStaticOracle(map[string]bool{"com.widevine.alpha": true}), client, licenses, nil)

	_, err := manager.Acquire(context.Background(), "com.widevine.alpha", []byte("init"), true)
	require.Error(t, err)

	// The session the server created must not leak when we cannot record it.
	assert.Equal(t, []string{"sess-1"}, client.releasedKeys)
}

func TestManager_AcquireServerFailure(t *testing.T) {
	client := &fakeClient{
		requestFunc: func(context.Context, string, []byte, bool) (*content.License, error) {
			return nil, errors.New("license server down")
		},
	}
	manager := NewManager(NewStaticOracle(map[string]bool{"com.widevine.alpha": true}), client, newFakeLicenseStore(), nil)

	_, err := manager.Acquire(context.Background(), "com.widevine.alpha", []byte("init"), false)
	require.Error(t, err)

	var acqErr *content.LicenseAcquisitionError
	require.ErrorAs(t, err, &acqErr)
	assert.Equal(t, "acquire", acqErr.Operation)
}

func TestManager_ReleasePersistentDeletesStoredSession(t *testing.T) {
	client := &fakeClient{}
	licenses := newFakeLicenseStore()
	manager := NewManager(NewStaticOracle(map[string]bool{"com.widevine.alpha": true}), client, licenses, nil)

	lic, err := manager.Acquire(context.Background(), "com.widevine.alpha", []byte("init"), true)
	require.NoError(t, err)

	require.NoError(t, manager.Release(context.Background(), lic))
	assert.Contains(t, client.releasedKeys, lic.SessionKey)

	_, err = licenses.GetLicense(context.Background(), lic.SessionKey)
	assert.ErrorIs(t, err, content.ErrNotFound)
}

func TestManager_ReleaseByKey(t *testing.T) {
	client := &fakeClient{}
	licenses := newFakeLicenseStore()
	manager := NewManager(NewStaticOracle(map[string]bool{"com.widevine.alpha": true}), client, licenses, nil)

	lic, err := manager.Acquire(context.Background(), "com.widevine.alpha", []byte("init"), true)
	require.NoError(t, err)

	require.NoError(t, manager.ReleaseByKey(context.Background(), lic.SessionKey))

	// A key that is no longer stored counts as already released.
	require.NoError(t, manager.ReleaseByKey(context.Background(), lic.SessionKey))
	assert.Len(t, client.releasedKeys, 1)
}
