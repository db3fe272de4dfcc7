package apikey

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/doingodswork/vortex-stremio/pkg/cachestore"
)

const testKey = "4b45b6f9-4a72-4b53-9c1e-6a4b2c8d9e0f"

func storeWithRecord(t *testing.T, rec record) cachestore.Store {
	t.Helper()
	store := cachestore.NewMemory()
	recBytes, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, store.Set(context.Background(), "api_key:"+testKey, recBytes, 0))
	return store
}

func TestCheckValidKey(t *testing.T) {
	store := storeWithRecord(t, record{
		IsActive:       true,
		ExpirationDate: time.Now().Add(time.Hour).Unix(),
		Name:           "alice",
	})
	validator := NewStoreValidator(store, zap.NewNop())

	require.NoError(t, validator.Check(context.Background(), testKey))

	// The usage counters must have been bumped.
	recBytes, found, err := store.Get(context.Background(), "api_key:"+testKey)
	require.NoError(t, err)
	require.True(t, found)
	var rec record
	require.NoError(t, json.Unmarshal(recBytes, &rec))
	assert.Equal(t, int64(1), rec.TotalQueries)
	assert.NotZero(t, rec.LatestQueryDate)
}

func TestCheckNeverExpire(t *testing.T) {
	store := storeWithRecord(t, record{
		IsActive:       true,
		NeverExpire:    true,
		ExpirationDate: time.Now().Add(-time.Hour).Unix(),
	})
	validator := NewStoreValidator(store, zap.NewNop())

	require.NoError(t, validator.Check(context.Background(), testKey))
}

func TestCheckRejections(t *testing.T) {
	for name, rec := range map[string]record{
		"deactivated": {IsActive: false, NeverExpire: true},
		"expired":     {IsActive: true, ExpirationDate: time.Now().Add(-time.Hour).Unix()},
	} {
		t.Run(name, func(t *testing.T) {
			validator := NewStoreValidator(storeWithRecord(t, rec), zap.NewNop())
			err := validator.Check(context.Background(), testKey)
			require.ErrorIs(t, err, ErrUnauthorized)
		})
	}
}

func TestCheckUnknownAndEmptyKey(t *testing.T) {
	validator := NewStoreValidator(cachestore.NewMemory(), zap.NewNop())

	require.ErrorIs(t, validator.Check(context.Background(), testKey), ErrUnauthorized)
	require.ErrorIs(t, validator.Check(context.Background(), ""), ErrUnauthorized)
}

func TestCheckCorruptRecord(t *testing.T) {
	store := cachestore.NewMemory()
	require.NoError(t, store.Set(context.Background(), "api_key:"+testKey, []byte("not json"), 0))
	validator := NewStoreValidator(store, zap.NewNop())

	err := validator.Check(context.Background(), testKey)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnauthorized)
}

func TestProxiedLinks(t *testing.T) {
	store := storeWithRecord(t, record{
		IsActive:     true,
		NeverExpire:  true,
		ProxiedLinks: true,
	})
	validator := NewStoreValidator(store, zap.NewNop())

	assert.True(t, validator.ProxiedLinks(context.Background(), testKey))
	assert.False(t, validator.ProxiedLinks(context.Background(), "unknown"))
	assert.False(t, validator.ProxiedLinks(context.Background(), ""))
}

func TestNoop(t *testing.T) {
	require.NoError(t, Noop{}.Check(context.Background(), ""))
}
