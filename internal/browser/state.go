package browser

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/ternarybob/drover/internal/models"
)

// cookieParams converts stored cookies to CDP parameters. Expired cookies are
// dropped; a leading dot on the domain is removed.
func cookieParams(cookies []models.Cookie, now time.Time) []*network.CookieParam {
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		var expires *cdp.TimeSinceEpoch
		if c.Expires > 0 {
			expiresTime := time.Unix(int64(c.Expires), 0)
			if !expiresTime.After(now) {
				continue
			}
			timestamp := cdp.TimeSinceEpoch(expiresTime)
			expires = &timestamp
		}

		path := c.Path
		if path == "" {
			path = "/"
		}

		param := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   strings.TrimPrefix(c.Domain, "."),
			Path:     path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			Expires:  expires,
		}

		switch strings.ToLower(c.SameSite) {
		case "strict":
			param.SameSite = network.CookieSameSiteStrict
		case "lax":
			param.SameSite = network.CookieSameSiteLax
		case "none":
			param.SameSite = network.CookieSameSiteNone
		}

		params = append(params, param)
	}
	return params
}

// fromNetworkCookies converts cookies read from the browser
func fromNetworkCookies(cookies []*network.Cookie) []models.Cookie {
	out := make([]models.Cookie, 0, len(cookies))
	for _, c := range cookies {
		if c == nil {
			continue
		}
		cookie := models.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: c.SameSite.String(),
		}
		if !c.Session && c.Expires > 0 {
			cookie.Expires = c.Expires
		}
		out = append(out, cookie)
	}
	return out
}

// seedScript returns a script that restores saved localStorage once per tab
// for whichever saved origin the new document belongs to
func seedScript(origins []models.OriginStorage) (string, error) {
	if len(origins) == 0 {
		return "", nil
	}
	byOrigin := make(map[string]map[string]string, len(origins))
	for _, o := range origins {
		if len(o.LocalStorage) > 0 {
			byOrigin[o.Origin] = o.LocalStorage
		}
	}
	if len(byOrigin) == 0 {
		return "", nil
	}
	data, err := json.Marshal(byOrigin)
	if err != nil {
		return "", fmt.Errorf("failed to encode local storage: %w", err)
	}
	return fmt.Sprintf(`(() => {
  const saved = %s;
  const items = saved[window.location.origin];
  if (!items) return;
  try {
    if (window.sessionStorage.getItem("__drover_seeded")) return;
    for (const [k, v] of Object.entries(items)) window.localStorage.setItem(k, v);
    window.sessionStorage.setItem("__drover_seeded", "1");
  } catch (e) {}
})();`, data), nil
}

// captureStorageScript reads the current origin and its localStorage
const captureStorageScript = `(() => {
  try {
    const items = {};
    for (let i = 0; i < window.localStorage.length; i++) {
      const k = window.localStorage.key(i);
      items[k] = window.localStorage.getItem(k);
    }
    return { origin: window.location.origin, items: items };
  } catch (e) {
    return { origin: window.location.origin, items: null };
  }
})()`

type capturedStorage struct {
	Origin string            `json:"origin"`
	Items  map[string]string `json:"items"`
}

// mergeCaptured folds the storage read from the live page into state.
// Opaque origins (about:blank, data:) are ignored.
func mergeCaptured(state *models.BrowserState, captured capturedStorage) {
	if captured.Items == nil || captured.Origin == "" || captured.Origin == "null" {
		return
	}
	if !strings.HasPrefix(captured.Origin, "http://") && !strings.HasPrefix(captured.Origin, "https://") {
		return
	}
	state.SetOrigin(captured.Origin, captured.Items)
}
