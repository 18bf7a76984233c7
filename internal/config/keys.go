package config

import (
	"net/url"
	"os"
	"strings"
)

// CredentialSource represents where credentials for the database server come from.
type CredentialSource string

const (
	CredentialSourceEnv     CredentialSource = "environment"
	CredentialSourceProfile CredentialSource = "profile"
	CredentialSourceURL     CredentialSource = "url"
	CredentialSourceNone    CredentialSource = "none"
)

// GetCredentialSource reports where the database server's credentials are
// taken from. S3 servers use the AWS environment or a named profile; HTTP
// servers may embed user info in the URL.
func GetCredentialSource(cfg *Config) CredentialSource {
	if cfg == nil || cfg.Database.URL == "" {
		return CredentialSourceNone
	}

	if strings.HasPrefix(cfg.Database.URL, "s3://") {
		if os.Getenv("AWS_ACCESS_KEY_ID") != "" {
			return CredentialSourceEnv
		}
		if cfg.Database.Profile != "" || os.Getenv("AWS_PROFILE") != "" {
			return CredentialSourceProfile
		}
		return CredentialSourceNone
	}

	if u, err := url.Parse(cfg.Database.URL); err == nil && u.User != nil {
		return CredentialSourceURL
	}
	return CredentialSourceNone
}

// MaskURL returns the URL with any password replaced, for display.
func MaskURL(raw string) string {
	if raw == "" {
		return "(not set)"
	}
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}
