package schemas

import (
	"fmt"
	"strings"
)

// -- Load States --

// LoadState names a page lifecycle milestone a caller can wait for.
type LoadState string

const (
	LoadStateLoad             LoadState = "load"
	LoadStateDOMContentLoaded LoadState = "domcontentloaded"
	LoadStateNetworkIdle      LoadState = "networkidle"
	LoadStateCommit           LoadState = "commit"
)

// ParseLoadState accepts the canonical lower case names and a few common aliases.
// The empty string maps to LoadStateLoad.
func ParseLoadState(s string) (LoadState, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "load":
		return LoadStateLoad, nil
	case "domcontentloaded", "dom", "domready":
		return LoadStateDOMContentLoaded, nil
	case "networkidle", "idle":
		return LoadStateNetworkIdle, nil
	case "commit", "committed":
		return LoadStateCommit, nil
	default:
		return "", fmt.Errorf("unknown load state %q (want load, domcontentloaded, networkidle or commit)", s)
	}
}

// -- Storage State --

// CookieSameSite defines the SameSite attribute for cookies.
type CookieSameSite string

const (
	CookieSameSiteStrict CookieSameSite = "Strict"
	CookieSameSiteLax    CookieSameSite = "Lax"
	CookieSameSiteNone   CookieSameSite = "None"
)

// Cookie represents a browser cookie. Expires is seconds since the epoch, -1 for session cookies.
type Cookie struct {
	Name     string         `json:"name"`
	Value    string         `json:"value"`
	Domain   string         `json:"domain"`
	Path     string         `json:"path"`
	Expires  float64        `json:"expires"`
	HTTPOnly bool           `json:"httpOnly"`
	Secure   bool           `json:"secure"`
	SameSite CookieSameSite `json:"sameSite,omitempty"`
}

// NameValue is a single web storage entry.
type NameValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// OriginState holds the web storage of one origin.
type OriginState struct {
	Origin         string      `json:"origin"`
	LocalStorage   []NameValue `json:"localStorage"`
	SessionStorage []NameValue `json:"sessionStorage,omitempty"`
}

// StorageState captures cookies and per origin web storage at a point in time.
// The JSON shape is interchangeable with the storage state files other automation tools write.
type StorageState struct {
	Cookies []Cookie      `json:"cookies"`
	Origins []OriginState `json:"origins"`
}

// Origin returns the entry for origin, or nil.
func (s *StorageState) Origin(origin string) *OriginState {
	for i := range s.Origins {
		if s.Origins[i].Origin == origin {
			return &s.Origins[i]
		}
	}
	return nil
}
