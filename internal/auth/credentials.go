// Package auth resolves ServiceNow credentials and applies them to outbound
// requests.
package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultCredentialsPath is read when no credentials come from the
// environment.
const DefaultCredentialsPath = "~/.servicenow-mcp/credentials.yaml"

// CredentialSource identifies where credentials were resolved from.
type CredentialSource string

const (
	// CredentialSourceTokenEnv is SERVICENOW_TOKEN.
	CredentialSourceTokenEnv CredentialSource = "servicenow_token"
	// CredentialSourceBasicEnv is SERVICENOW_USERNAME and SERVICENOW_PASSWORD.
	CredentialSourceBasicEnv CredentialSource = "servicenow_basic"
	// CredentialSourceFile is the YAML credentials file.
	CredentialSourceFile CredentialSource = "credentials_file"
)

// ErrNoCredentials is returned when no source provides usable credentials.
var ErrNoCredentials = errors.New("no ServiceNow credentials configured (set SERVICENOW_USERNAME/SERVICENOW_PASSWORD, SERVICENOW_TOKEN, or a credentials file)")

// Credentials authenticate requests against one instance. Token takes
// precedence over basic auth.
type Credentials struct {
	Username string
	Password string
	Token    string
	Source   CredentialSource
}

// Scheme returns "bearer" or "basic".
func (c Credentials) Scheme() string {
	if c.Token != "" {
		return "bearer"
	}
	return "basic"
}

// Apply sets the Authorization header on req.
func (c Credentials) Apply(req *http.Request) {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
		return
	}
	encoded := base64.StdEncoding.EncodeToString([]byte(c.Username + ":" + c.Password))
	req.Header.Set("Authorization", "Basic "+encoded)
}

// CredentialOptions controls credential resolution.
type CredentialOptions struct {
	Username        string
	Password        string
	Token           string
	CredentialsPath string
}

type credentialsFile struct {
	Auth struct {
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		Token    string `yaml:"token"`
	} `yaml:"auth"`
}

// ResolveCredentials resolves credentials using deterministic precedence:
// 1) Token (SERVICENOW_TOKEN)
// 2) Username + Password (SERVICENOW_USERNAME / SERVICENOW_PASSWORD)
// 3) credentials file auth.token, then auth.username/auth.password
func ResolveCredentials(opts CredentialOptions) (Credentials, error) {
	if token := strings.TrimSpace(opts.Token); token != "" {
		return Credentials{Token: token, Source: CredentialSourceTokenEnv}, nil
	}

	username := strings.TrimSpace(opts.Username)
	if username != "" && opts.Password != "" {
		return Credentials{Username: username, Password: opts.Password, Source: CredentialSourceBasicEnv}, nil
	}
	if username != "" {
		return Credentials{}, fmt.Errorf("SERVICENOW_PASSWORD is required when SERVICENOW_USERNAME is set")
	}

	path := expandPath(defaultIfEmpty(strings.TrimSpace(opts.CredentialsPath), DefaultCredentialsPath))
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		return Credentials{}, ErrNoCredentials
	default:
		return Credentials{}, fmt.Errorf("reading credentials file: %w", err)
	}

	var file credentialsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Credentials{}, fmt.Errorf("decoding credentials file: %w", err)
	}

	if token := strings.TrimSpace(file.Auth.Token); token != "" {
		return Credentials{Token: token, Source: CredentialSourceFile}, nil
	}
	if user := strings.TrimSpace(file.Auth.Username); user != "" && file.Auth.Password != "" {
		return Credentials{Username: user, Password: file.Auth.Password, Source: CredentialSourceFile}, nil
	}
	return Credentials{}, ErrNoCredentials
}

func defaultIfEmpty(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func expandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~/"))
	}
	return filepath.Clean(path)
}
