package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Credentials is what `fnbox login` saves for later CLI calls.
type Credentials struct {
	API       string `json:"api"`
	Token     string `json:"token"`
	CreatedAt int64  `json:"created_at"`
}

// CredentialStore keeps CLI credentials in the user's config directory.
type CredentialStore struct {
	configDir string
}

// NewCredentialStore uses dir, or ~/.config/fnbox when dir is empty.
func NewCredentialStore(dir string) (*CredentialStore, error) {
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".config", "fnbox")
	}
	return &CredentialStore{configDir: dir}, nil
}

func (c *CredentialStore) credentialsPath() string {
	return filepath.Join(c.configDir, "credentials.json")
}

// Load returns the saved credentials, or nil when none are saved.
func (c *CredentialStore) Load() (*Credentials, error) {
	data, err := os.ReadFile(c.credentialsPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return &creds, nil
}

// Save stores credentials with owner-only permissions.
func (c *CredentialStore) Save(api, token string) error {
	if err := os.MkdirAll(c.configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	creds := Credentials{API: api, Token: token, CreatedAt: time.Now().Unix()}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.credentialsPath(), data, 0600)
}

// Clear removes saved credentials.
func (c *CredentialStore) Clear() error {
	err := os.Remove(c.credentialsPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
