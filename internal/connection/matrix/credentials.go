// ABOUTME: Per-session Matrix credentials loaded from TOML
// ABOUTME: Expands ${VAR} references before decoding and validates required fields

package matrix

import (
	"fmt"
	"net/url"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
)

// Credentials identify the Matrix account behind a session.
type Credentials struct {
	Homeserver  string `toml:"homeserver"`
	UserID      string `toml:"user_id"`
	AccessToken string `toml:"access_token"`
	DeviceID    string `toml:"device_id"`
}

var envRef = regexp.MustCompile(`\$\{([^}]+)\}`)

// LoadCredentials reads credentials from path.
func LoadCredentials(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading matrix credentials: %w", err)
	}

	expanded := envRef.ReplaceAllStringFunc(string(data), func(match string) string {
		return os.Getenv(envRef.FindStringSubmatch(match)[1])
	})

	var creds Credentials
	if _, err := toml.Decode(expanded, &creds); err != nil {
		return nil, fmt.Errorf("parsing matrix credentials: %w", err)
	}
	if err := creds.Validate(); err != nil {
		return nil, fmt.Errorf("validating matrix credentials: %w", err)
	}
	return &creds, nil
}

// Validate checks that required fields are present and valid.
func (c *Credentials) Validate() error {
	if c.Homeserver == "" {
		return fmt.Errorf("homeserver is required")
	}
	u, err := url.Parse(c.Homeserver)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("homeserver must be an http or https URL")
	}
	if c.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if c.AccessToken == "" {
		return fmt.Errorf("access_token is required")
	}
	return nil
}
