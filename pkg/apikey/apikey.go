// Package apikey validates the API keys that gate stream search and
// playback. Key records are written by an external management service;
// this package reads them and keeps per-key usage counters fresh.
package apikey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/doingodswork/vortex-stremio/pkg/cachestore"
)

// Key records live under this prefix in the shared store.
const keyPrefix = "api_key:"

// ErrUnauthorized is returned for keys that are unknown, deactivated or
// expired. Handlers turn it into a 401 response.
var ErrUnauthorized = errors.New("API key rejected")

// Validator checks API keys.
type Validator interface {
	Check(ctx context.Context, key string) error
}

// record mirrors the JSON the key management service writes.
type record struct {
	IsActive        bool   `json:"is_active"`
	NeverExpire     bool   `json:"never_expire"`
	ExpirationDate  int64  `json:"expiration_date"`
	LatestQueryDate int64  `json:"latest_query_date"`
	TotalQueries    int64  `json:"total_queries"`
	Name            string `json:"name"`
	ProxiedLinks    bool   `json:"proxied_links"`
}

var _ Validator = (*StoreValidator)(nil)

// StoreValidator validates keys against the records in the shared store.
// In multi-instance deployments that's the same Redis the key management
// service writes to.
type StoreValidator struct {
	store  cachestore.Store
	logger *zap.Logger
}

func NewStoreValidator(store cachestore.Store, logger *zap.Logger) *StoreValidator {
	return &StoreValidator{
		store:  store,
		logger: logger,
	}
}

// Check implements Validator.
// Store errors are returned as is, so that handlers can distinguish a
// rejected key (401) from an unavailable store (500).
func (v *StoreValidator) Check(ctx context.Context, key string) error {
	if key == "" {
		return ErrUnauthorized
	}

	recBytes, found, err := v.store.Get(ctx, keyPrefix+key)
	if err != nil {
		return fmt.Errorf("Couldn't read API key record: %v", err)
	}
	if !found {
		return ErrUnauthorized
	}
	var rec record
	if err = json.Unmarshal(recBytes, &rec); err != nil {
		return fmt.Errorf("Couldn't decode API key record: %v", err)
	}

	if !rec.IsActive {
		return ErrUnauthorized
	}
	if !rec.NeverExpire && rec.ExpirationDate <= time.Now().Unix() {
		return ErrUnauthorized
	}

	v.recordQuery(ctx, key, rec)
	return nil
}

// ProxiedLinks reports whether the key's record asks for stream links to be
// proxied through the addon instead of redirected to. Unknown keys and store
// errors report false, so proxying stays opt-in.
func (v *StoreValidator) ProxiedLinks(ctx context.Context, key string) bool {
	if key == "" {
		return false
	}
	recBytes, found, err := v.store.Get(ctx, keyPrefix+key)
	if err != nil {
		v.logger.Error("Couldn't read API key record", zap.Error(err))
		return false
	}
	if !found {
		return false
	}
	var rec record
	if err = json.Unmarshal(recBytes, &rec); err != nil {
		v.logger.Error("Couldn't decode API key record", zap.Error(err))
		return false
	}
	return rec.ProxiedLinks
}

// recordQuery updates the per-key usage counters. Failures are only logged.
func (v *StoreValidator) recordQuery(ctx context.Context, key string, rec record) {
	rec.LatestQueryDate = time.Now().Unix()
	rec.TotalQueries++
	recBytes, err := json.Marshal(rec)
	if err != nil {
		v.logger.Error("Couldn't encode API key record", zap.Error(err), zap.String("keyName", rec.Name))
		return
	}
	if err = v.store.Set(ctx, keyPrefix+key, recBytes, 0); err != nil {
		v.logger.Error("Couldn't update API key usage counters", zap.Error(err), zap.String("keyName", rec.Name))
	}
}

var _ Validator = Noop{}

// Noop accepts every key, including the empty one. It serves deployments
// that don't do key management.
type Noop struct{}

// Check implements Validator.
func (Noop) Check(ctx context.Context, key string) error {
	return nil
}
