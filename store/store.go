package store

import (
	"strings"

	"github.com/pkg/errors"
)

// Store represents a backend blob store. Blobs live in a single namespace
// addressed by file name.
type Store interface {
	Put(name string, data []byte) error
	Get(name string) ([]byte, error)
	List() ([]string, error)
	Delete(name string) (bool, error)
}

var (
	// ErrNotFound indicates that the requested blob was not found.
	ErrNotFound = errors.New("file not found")

	// ErrInvalidName indicates a blob name that can't be used as a key.
	ErrInvalidName = errors.New("invalid file name")
)

// ValidateName checks that name is a single, non empty path element.
func ValidateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return errors.Wrapf(ErrInvalidName, "%q", name)
	case strings.ContainsAny(name, `/\`), strings.ContainsRune(name, 0):
		return errors.Wrapf(ErrInvalidName, "%q", name)
	}
	return nil
}
