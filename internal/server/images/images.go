// Package images resolves image references to files on the local host.
package images

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var (
	// ErrNotFound is returned when an image cannot be located.
	ErrNotFound = errors.New("images: image not found")
	// ErrInvalidReference rejects ids or locations that escape the image root.
	ErrInvalidReference = errors.New("images: invalid image reference")
	// ErrChecksumMismatch is returned when downloaded content does not match.
	ErrChecksumMismatch = errors.New("images: checksum mismatch")
)

// Manifest references an image. Location is a path relative to the image
// folder or a URL, depending on the resolver. Checksum is an optional
// hex-encoded sha256.
type Manifest struct {
	ID       string
	Location string
	Checksum string
}

// Image is a resolved image file.
type Image struct {
	ID   string
	Path string
}

// Resolver turns manifests into local files.
type Resolver interface {
	FindKernel(ctx context.Context, m Manifest) (Image, error)
	FindRootfs(ctx context.Context, m Manifest) (Image, error)
	FindDisk(ctx context.Context, m Manifest) (Image, error)
}

// location falls back to the id when no explicit location is given.
func (m Manifest) location() string {
	if strings.TrimSpace(m.Location) != "" {
		return m.Location
	}
	return m.ID
}

// within joins rel onto root and refuses results outside root.
func within(root, rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q", ErrInvalidReference, rel)
	}
	joined := filepath.Join(root, rel)
	back, err := filepath.Rel(root, joined)
	if err != nil || back == ".." || strings.HasPrefix(back, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidReference, rel)
	}
	return joined, nil
}

// validID accepts ids usable as a single file name.
func validID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: id %q", ErrInvalidReference, id)
	}
	return nil
}
