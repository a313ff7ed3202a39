// Package origin validates the configured API server origin.
package origin

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidOrigin is returned when a string is not a bare origin.
var ErrInvalidOrigin = errors.New("invalid origin")

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
	"ws":    "80",
	"wss":   "443",
}

// Of computes the origin (scheme://host[:port]) of an absolute URL.
func Of(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: cannot parse %q: %v", ErrInvalidOrigin, raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: %q is not an absolute URL", ErrInvalidOrigin, raw)
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port := u.Port(); port != "" && port != defaultPorts[scheme] {
		host += ":" + port
	}
	return scheme + "://" + host, nil
}

// Validate returns origin unchanged when it is exactly an origin. Paths,
// query strings, user info, trailing slashes and non-canonical casing are
// rejected.
func Validate(origin string) (string, error) {
	computed, err := Of(origin)
	if err != nil {
		return "", err
	}
	if computed != origin {
		return "", fmt.Errorf("%w: calculated origin %s does not match input %s", ErrInvalidOrigin, computed, origin)
	}
	return computed, nil
}

// Join appends a route path to a validated origin.
func Join(origin, path string) string {
	if path == "" {
		return origin
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return origin + path
}
