package images

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

// Folder resolves images to files below a fixed directory.
type Folder struct {
	Root   string
	Logger *slog.Logger
}

// NewFolder returns a resolver rooted at root.
func NewFolder(root string, logger *slog.Logger) *Folder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Folder{Root: root, Logger: logger.With("component", "images.folder")}
}

func (f *Folder) FindDisk(ctx context.Context, m Manifest) (Image, error) {
	path, err := within(f.Root, m.location())
	if err != nil {
		return Image{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Image{}, fmt.Errorf("%w: %s (%s)", ErrNotFound, m.ID, path)
		}
		return Image{}, fmt.Errorf("images: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return Image{}, fmt.Errorf("%w: %s is a directory", ErrNotFound, path)
	}
	f.Logger.Debug("image resolved", "image_id", m.ID, "path", path)
	return Image{ID: m.ID, Path: path}, nil
}

func (f *Folder) FindKernel(ctx context.Context, m Manifest) (Image, error) {
	return f.FindDisk(ctx, m)
}

func (f *Folder) FindRootfs(ctx context.Context, m Manifest) (Image, error) {
	return f.FindDisk(ctx, m)
}

var _ Resolver = (*Folder)(nil)
