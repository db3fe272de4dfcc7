package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// token is a debrid credential as it appears in the user data. The
// configuration webpage stores a plain string, but configs created by other
// tools sometimes carry a whole OAuth2 token object instead, in which case
// only its "access_token" matters.
type token string

func (t *token) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*t = token(s)
		return nil
	}
	if access := gjson.GetBytes(data, "access_token"); access.Exists() {
		*t = token(access.String())
		return nil
	}
	return errors.New("token must be a string or an object with an \"access_token\" field")
}

type userData struct {
	APIkey   string   `json:"apiKey,omitempty"`
	Services []string `json:"service,omitempty"`

	RDtoken token `json:"RDToken,omitempty"`
	ADtoken token `json:"ADToken,omitempty"`
	PMtoken token `json:"PMToken,omitempty"`
	TBtoken token `json:"TBToken,omitempty"`
	// Encrypted OAuth2 tokens, set by the install handlers.
	RDoauth2 string `json:"rdOAUTH2,omitempty"`
	PMoauth2 string `json:"pmOAUTH2,omitempty"`

	// DebridDownloader picks the service that starts downloads for uncached
	// torrents. Empty is fine as long as only one service is configured.
	DebridDownloader string `json:"debridDownloader,omitempty"`

	// Two keys for the same flag, because an older version of the
	// configuration webpage wrote "stremthru_enabled" while the backend read
	// "stremthru". Both appear in the wild now.
	StremThru        bool   `json:"stremthru,omitempty"`
	StremThruEnabled bool   `json:"stremthru_enabled,omitempty"`
	StremThruURL     string `json:"stremthru_url,omitempty"`

	Jackett   bool `json:"jackett,omitempty"`
	Cache     bool `json:"cache,omitempty"`
	Zilean    bool `json:"zilean,omitempty"`
	YggFlix   bool `json:"yggflix,omitempty"`
	Sharewood bool `json:"sharewood,omitempty"`

	MetadataProvider  string   `json:"metadataProvider,omitempty"`
	Languages         []string `json:"languages,omitempty"`
	MinCachedResults  int      `json:"minCachedResults,omitempty"`
	MaxResults        int      `json:"maxResults,omitempty"`
	ResultsPerQuality int      `json:"resultsPerQuality,omitempty"`
	Sort              string   `json:"sort,omitempty"`
	AddonHost         string   `json:"addonHost,omitempty"`
	Torrenting        bool     `json:"torrenting,omitempty"`
}

func (ud userData) encode() (string, error) {
	data, err := json.Marshal(ud)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(data), nil
}

// stremThruOn reports whether the user's debrid requests should go through a
// StremThru instance instead of the stores' own APIs.
func (ud userData) stremThruOn() bool {
	return ud.StremThru || ud.StremThruEnabled
}

// storeToken returns the user's credential for a canonical store name.
func (ud userData) storeToken(store string) string {
	switch store {
	case "realdebrid":
		return string(ud.RDtoken)
	case "alldebrid":
		return string(ud.ADtoken)
	case "premiumize":
		return string(ud.PMtoken)
	case "torbox":
		return string(ud.TBtoken)
	}
	return ""
}

// normalizeService maps the service names the configuration webpage uses
// ("RealDebrid", "Real-Debrid", "Torbox") to canonical lowercase store names
// ("realdebrid", "torbox").
func normalizeService(name string) string {
	name = strings.ReplaceAll(name, "-", "")
	name = strings.ReplaceAll(name, " ", "")
	return strings.ToLower(name)
}

func decodeUserData(data string, logger *zap.Logger) (userData, error) {
	logger.Debug("Decoding user data", zap.String("userData", data))

	if unescaped, err := url.PathUnescape(data); err == nil {
		data = unescaped
	}

	// Legacy user data (plain RealDebrid API token).
	// - RD API tokens always seem to be 52 chars long
	// - Base64 encoded JSON starts with "eyJ" or "eyI"
	if len(data) == 52 && !strings.HasPrefix(data, "eyJ") && !strings.HasPrefix(data, "eyI") {
		logger.Warn("A legacy API token is being used")
		return userData{
			Services: []string{"realdebrid"},
			RDtoken:  token(data),
		}, nil
	}

	// The configuration webpage encodes with `btoa(...)` (standard alphabet,
	// with padding), while our own `encode` uses the URL-safe alphabet
	// without padding. Accept both.
	userDataDecoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		userDataDecoded, err = base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(strings.TrimRight(data, "="))
	}
	if err != nil {
		// We use WARN instead of ERROR because it's most likely an *encoding* error on the client side
		logger.Warn("Couldn't decode user data", zap.Error(err))
		return userData{}, err
	}

	ud := userData{}
	if err := json.Unmarshal(userDataDecoded, &ud); err != nil {
		logger.Warn("Couldn't unmarshal user data", zap.Error(err))
		return userData{}, err
	}
	return ud, nil
}
