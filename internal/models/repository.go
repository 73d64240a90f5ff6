package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedRepository is returned when a repository string cannot be parsed.
var ErrMalformedRepository = errors.New("malformed repository")

// RepositoryKind identifies the storage backend of a repository.
type RepositoryKind string

// Supported repository kinds.
const (
	RepositoryLocal RepositoryKind = "local"
	RepositorySFTP  RepositoryKind = "sftp"
	RepositoryB2    RepositoryKind = "b2"
)

// RepositoryKinds lists every supported kind.
var RepositoryKinds = []RepositoryKind{RepositoryLocal, RepositorySFTP, RepositoryB2}

// ParseRepositoryKind parses a lowercase kind name.
func ParseRepositoryKind(s string) (RepositoryKind, error) {
	for _, k := range RepositoryKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: unknown kind %q", ErrMalformedRepository, s)
}

// UnmarshalJSON rejects unknown kinds instead of carrying them around.
func (k *RepositoryKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	kind, err := ParseRepositoryKind(s)
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// HumanReadable returns the display name of the kind.
func (k RepositoryKind) HumanReadable() string {
	switch k {
	case RepositoryLocal:
		return "Local"
	case RepositorySFTP:
		return "SFTP"
	case RepositoryB2:
		return "Backblaze B2"
	default:
		return string(k)
	}
}

// Repository describes where a backup is stored.
type Repository struct {
	Kind       RepositoryKind `json:"kind"`
	Identifier string         `json:"identifier"`
	Path       string         `json:"path"`
}

// String returns the restic repository string. Local repositories serialize
// to their path only.
func (r Repository) String() string {
	if r.Kind == RepositoryLocal {
		return r.Path
	}
	return fmt.Sprintf("%s:%s:%s", r.Kind, r.Identifier, r.Path)
}

// ParseRepository is the inverse of Repository.String.
func ParseRepository(s string) (Repository, error) {
	if strings.HasPrefix(s, "/") {
		return Repository{Kind: RepositoryLocal, Path: s}, nil
	}

	fields := strings.Split(s, ":")
	if len(fields) != 3 {
		return Repository{}, fmt.Errorf("%w: %q has %d fields, expected 3", ErrMalformedRepository, s, len(fields))
	}

	kind, err := ParseRepositoryKind(fields[0])
	if err != nil {
		return Repository{}, err
	}
	if kind == RepositoryLocal {
		return Repository{}, fmt.Errorf("%w: local repository %q must be an absolute path", ErrMalformedRepository, s)
	}

	return Repository{
		Kind:       kind,
		Identifier: fields[1],
		Path:       fields[2],
	}, nil
}

// ValidateRepository checks that r survives a trip through its string form,
// so a stored definition can always be read back. The identifier of a local
// repository is not part of that form and is ignored.
func ValidateRepository(r Repository) error {
	s := r.String()
	if strings.ContainsAny(s, "\r\n") {
		return fmt.Errorf("%w: %q must not contain line breaks", ErrMalformedRepository, s)
	}

	parsed, err := ParseRepository(s)
	if err != nil {
		return err
	}

	want := r
	if want.Kind == RepositoryLocal {
		want.Identifier = ""
	}
	if parsed != want {
		return fmt.Errorf("%w: %q does not read back as %s repository %q:%q",
			ErrMalformedRepository, s, r.Kind, r.Identifier, r.Path)
	}
	return nil
}
