package models

import (
	"fmt"
	"strings"
)

// Environment variable names restic reads B2 credentials from.
const (
	EnvB2AccountID  = "B2_ACCOUNT_ID"
	EnvB2AccountKey = "B2_ACCOUNT_KEY"
)

// Backup is a named backup definition.
type Backup struct {
	Name       string     `json:"name"`
	Repository Repository `json:"repository"`
	Password   string     `json:"password"`
	KeyID      string     `json:"key_id,omitempty"`     // b2 only
	KeySecret  string     `json:"key_secret,omitempty"` // b2 only
	Include    []string   `json:"include"`
	Exclude    []string   `json:"exclude"`
}

// Environment returns the backend credentials that restic expects as
// environment variables. Only b2 repositories carry any.
func (b Backup) Environment() map[string]string {
	env := map[string]string{}
	if b.Repository.Kind != RepositoryB2 {
		return env
	}
	if b.KeyID != "" {
		env[EnvB2AccountID] = b.KeyID
	}
	if b.KeySecret != "" {
		env[EnvB2AccountKey] = b.KeySecret
	}
	return env
}

// ValidateName checks that name can be used as a single path component.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("backup name is required")
	case name == "." || name == "..":
		return fmt.Errorf("backup name %q is reserved", name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("backup name %q must not contain path separators", name)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("backup name %q must not start with a dot", name)
	case strings.ContainsRune(name, 0):
		return fmt.Errorf("backup name must not contain NUL bytes")
	}
	return nil
}
