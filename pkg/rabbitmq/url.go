package rabbitmq

import (
	"fmt"
	"net/url"
	"strings"
)

// normalizeURL cleans an AMQP URL taken from the environment: surrounding quotes and stray
// characters before the scheme are dropped and an empty path becomes the default vhost "/".
func normalizeURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	if idx := strings.Index(strings.ToLower(clean), "amqp"); idx > 0 {
		clean = clean[idx:]
	}
	parsed, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "amqp" && parsed.Scheme != "amqps" {
		return "", fmt.Errorf("invalid AMQP scheme %q: must be amqp:// or amqps://", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("AMQP url has no host")
	}
	if parsed.Path == "" {
		parsed.Path = "/"
	}
	return parsed.String(), nil
}
