package main

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDecodeUserData(t *testing.T) {
	logger := zap.NewNop()

	// The configuration webpage does `btoa(JSON.stringify(data))`, which is
	// the standard base64 alphabet with padding.
	configJSON := `{
		"apiKey": "0ca3eeaf-42f9-4d03-90d0-e18e7250b7a0",
		"service": ["Real-Debrid", "AllDebrid"],
		"RDToken": "some-rd-token",
		"ADToken": {"access_token": "some-ad-token", "expires_in": 3600},
		"debridDownloader": "Real-Debrid",
		"stremthru_enabled": true,
		"languages": ["fr", "multi"],
		"minCachedResults": 5,
		"maxResults": 30,
		"resultsPerQuality": 3,
		"sort": "qualitythensize",
		"addonHost": "https://addon.example.com",
		"torrenting": true,
		"cache": true,
		"yggflix": true,
		"zilean": true
	}`
	encoded := base64.StdEncoding.EncodeToString([]byte(configJSON))

	ud, err := decodeUserData(encoded, logger)
	require.NoError(t, err)
	require.Equal(t, "0ca3eeaf-42f9-4d03-90d0-e18e7250b7a0", ud.APIkey)
	require.Equal(t, []string{"Real-Debrid", "AllDebrid"}, ud.Services)
	require.Equal(t, token("some-rd-token"), ud.RDtoken)
	// OAuth2 token objects only contribute their access token.
	require.Equal(t, token("some-ad-token"), ud.ADtoken)
	require.Equal(t, "Real-Debrid", ud.DebridDownloader)
	require.True(t, ud.stremThruOn())
	require.Equal(t, []string{"fr", "multi"}, ud.Languages)
	require.Equal(t, 5, ud.MinCachedResults)
	require.Equal(t, 30, ud.MaxResults)
	require.Equal(t, 3, ud.ResultsPerQuality)
	require.Equal(t, "qualitythensize", ud.Sort)
	require.Equal(t, "https://addon.example.com", ud.AddonHost)
	require.True(t, ud.Torrenting)
	require.True(t, ud.Cache)
	require.True(t, ud.YggFlix)
	require.True(t, ud.Zilean)
	require.False(t, ud.Sharewood)
}

func TestDecodeUserDataRoundTrip(t *testing.T) {
	logger := zap.NewNop()

	ud := userData{
		Services:  []string{"realdebrid"},
		RDtoken:   "some-rd-token",
		StremThru: true,
		Sort:      "quality",
	}
	encoded, err := ud.encode()
	require.NoError(t, err)

	decoded, err := decodeUserData(encoded, logger)
	require.NoError(t, err)
	require.Equal(t, ud, decoded)
	require.True(t, decoded.stremThruOn())
}

func TestDecodeUserDataLegacyToken(t *testing.T) {
	logger := zap.NewNop()

	// RD API tokens are 52 chars long.
	legacyToken := "ABCDEFGHIJKLMNOPQRSTUVWXYZABCDEFGHIJKLMNOPQRSTUVWXYZ"
	require.Len(t, legacyToken, 52)

	ud, err := decodeUserData(legacyToken, logger)
	require.NoError(t, err)
	require.Equal(t, token(legacyToken), ud.RDtoken)
	require.Equal(t, []string{"realdebrid"}, ud.Services)
}

func TestDecodeUserDataInvalid(t *testing.T) {
	logger := zap.NewNop()

	_, err := decodeUserData("%%%not-base64%%%", logger)
	require.Error(t, err)

	// Valid base64, but no JSON inside.
	_, err = decodeUserData(base64.StdEncoding.EncodeToString([]byte("no JSON")), logger)
	require.Error(t, err)
}

func TestStoreToken(t *testing.T) {
	ud := userData{
		RDtoken: "rd",
		ADtoken: "ad",
		PMtoken: "pm",
		TBtoken: "tb",
	}
	assert.Equal(t, "rd", ud.storeToken("realdebrid"))
	assert.Equal(t, "ad", ud.storeToken("alldebrid"))
	assert.Equal(t, "pm", ud.storeToken("premiumize"))
	assert.Equal(t, "tb", ud.storeToken("torbox"))
	assert.Equal(t, "", ud.storeToken("stremthru"))
}

func TestNormalizeService(t *testing.T) {
	assert.Equal(t, "realdebrid", normalizeService("Real-Debrid"))
	assert.Equal(t, "realdebrid", normalizeService("RealDebrid"))
	assert.Equal(t, "alldebrid", normalizeService("AllDebrid"))
	assert.Equal(t, "torbox", normalizeService("Torbox"))
	assert.Equal(t, "torbox", normalizeService("TorBox"))
	assert.Equal(t, "premiumize", normalizeService("Premiumize"))
	assert.Equal(t, "stremthru", normalizeService("StremThru"))
}
