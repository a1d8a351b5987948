package stream

import (
	"fmt"
	"net/url"
)

const (
	DefaultPath    = "/api/v25/ws/omniscience"
	DefaultDevHost = "localhost:8090"
)

// Endpoint выводит адрес сокета из origin страницы: http→ws, https→wss.
// Для локальной разработки хост подменяется на devHost (там крутится бэкенд).
func Endpoint(origin, devHost, path string) (string, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("stream: parse origin %q: %w", origin, err)
	}

	var scheme string
	switch u.Scheme {
	case "http", "ws":
		scheme = "ws"
	case "https", "wss":
		scheme = "wss"
	default:
		return "", fmt.Errorf("stream: unsupported origin scheme %q", u.Scheme)
	}

	host := u.Host
	if host == "" {
		return "", fmt.Errorf("stream: origin %q has no host", origin)
	}
	if devHost != "" && isLocalHost(u.Hostname()) {
		host = devHost
	}
	if path == "" {
		path = DefaultPath
	}

	return (&url.URL{Scheme: scheme, Host: host, Path: path}).String(), nil
}

func isLocalHost(h string) bool {
	switch h {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
