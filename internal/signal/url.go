package signal

import (
	"fmt"
	"net/url"
	"strings"
)

// URL builds the relay endpoint <base>/signaling?token=<token>. An http or
// https base maps to ws or wss; a base without scheme uses wss when secure
// is set, mirroring how a page picks its socket scheme from its own origin.
func URL(base string, secure bool, token string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("relay base is empty")
	}
	if !strings.Contains(base, "://") {
		scheme := "ws"
		if secure {
			scheme = "wss"
		}
		base = scheme + "://" + base
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse relay base: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported relay scheme %q", u.Scheme)
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/signaling"
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
