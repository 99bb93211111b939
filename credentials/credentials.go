// Package credentials loads marketplace secrets from standard locations.
package credentials

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
)

// ErrInsecurePermissions is returned when credentials file has overly permissive permissions.
var ErrInsecurePermissions = fmt.Errorf("credentials file has insecure permissions")

// Credentials holds the secrets loaded from credentials.toml.
type Credentials struct {
	// Canvas is the bearer token presented to the canvas authority.
	Canvas *Secret `toml:"canvas"`

	// Market holds the privileged token that may adjust balances and
	// force-delete reserved tasks.
	Market *Secret `toml:"market"`
}

// Secret is a single token section.
type Secret struct {
	Token string `toml:"token"`
}

// StandardPaths returns the standard credential file locations in order of priority
func StandardPaths() []string {
	paths := []string{}

	// 1. Current directory
	paths = append(paths, "credentials.toml")

	// 2. ~/.config/pixelmarket/credentials.toml
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "pixelmarket", "credentials.toml"))
	}

	// 3. /etc/pixelmarket/credentials.toml
	paths = append(paths, filepath.Join("/etc", "pixelmarket", "credentials.toml"))

	return paths
}

// Load loads credentials from the first available standard location
func Load() (*Credentials, string, error) {
	for _, path := range StandardPaths() {
		if _, err := os.Stat(path); err == nil {
			creds, err := LoadFile(path)
			if err != nil {
				return nil, path, err
			}
			return creds, path, nil
		}
	}
	return nil, "", nil // No credentials file found (not an error)
}

// LoadFile loads credentials from a specific file.
// Returns ErrInsecurePermissions if file is readable by group or others.
func LoadFile(path string) (*Credentials, error) {
	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		mode := info.Mode().Perm()
		if mode&0077 != 0 {
			return nil, fmt.Errorf("%w: %s has mode %04o (must not be group or world accessible)",
				ErrInsecurePermissions, path, mode)
		}
	}

	var creds Credentials
	if _, err := toml.DecodeFile(path, &creds); err != nil {
		return nil, err
	}
	return &creds, nil
}

// CanvasToken returns the canvas token.
// Priority: [canvas] section > PIXELMARKET_CANVAS_TOKEN
func (c *Credentials) CanvasToken() string {
	if c != nil && c.Canvas != nil && c.Canvas.Token != "" {
		return strings.TrimSpace(c.Canvas.Token)
	}
	return strings.TrimSpace(os.Getenv(envVar("canvas")))
}

// PrivilegedToken returns the privileged marketplace token.
// Priority: [market] section > PIXELMARKET_MARKET_TOKEN
func (c *Credentials) PrivilegedToken() string {
	if c != nil && c.Market != nil && c.Market.Token != "" {
		return strings.TrimSpace(c.Market.Token)
	}
	return strings.TrimSpace(os.Getenv(envVar("market")))
}

func envVar(section string) string {
	return "PIXELMARKET_" + strings.ToUpper(section) + "_TOKEN"
}
