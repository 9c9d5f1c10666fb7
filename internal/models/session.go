package models

import (
	"encoding/json"
	"time"
)

// Session is a named, persisted browser state reused across jobs.
// Version starts at 1 on first save and increments on every successful save.
type Session struct {
	ID         string    `json:"id"`
	State      []byte    `json:"state,omitempty"`
	Version    uint64    `json:"version"`
	LastUsedAt time.Time `json:"last_used_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// Cookie mirrors the cookie fields needed to restore a browser session
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"` // seconds since epoch, 0 = session cookie
	HTTPOnly bool    `json:"http_only,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"same_site,omitempty"` // Strict, Lax, None
}

// OriginStorage is the localStorage content of one origin
type OriginStorage struct {
	Origin       string            `json:"origin"`
	LocalStorage map[string]string `json:"local_storage"`
}

// BrowserState is the serialized form of a session's state blob
type BrowserState struct {
	Cookies []Cookie        `json:"cookies"`
	Origins []OriginStorage `json:"origins,omitempty"`
}

// DecodeBrowserState parses a state blob. An empty blob is an empty state.
func DecodeBrowserState(blob []byte) (*BrowserState, error) {
	state := &BrowserState{}
	if len(blob) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(blob, state); err != nil {
		return nil, err
	}
	return state, nil
}

// Encode serializes the state
func (s *BrowserState) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// SetOrigin replaces (or adds) the storage of one origin
func (s *BrowserState) SetOrigin(origin string, items map[string]string) {
	for i := range s.Origins {
		if s.Origins[i].Origin == origin {
			s.Origins[i].LocalStorage = items
			return
		}
	}
	s.Origins = append(s.Origins, OriginStorage{Origin: origin, LocalStorage: items})
}
