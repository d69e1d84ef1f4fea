package folder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dhcgn/folder-unzip/model"
)

var ErrFolderNotFound = errors.New("folder not found")

// Root selects the well-known folder resolution starts from.
type Root int

const (
	PublicRoot Root = iota
	PrivateRoot
)

func (r Root) String() string {
	if r == PrivateRoot {
		return "private"
	}
	return "public"
}

// Tree is the part of a mail store the resolver walks.
type Tree interface {
	Root(ctx context.Context, root Root) (model.FolderHandle, error)
	// FindChildren returns direct children of parent whose display name
	// equals name exactly, at most limit of them.
	FindChildren(ctx context.Context, parent model.FolderHandle, name string, limit int) ([]model.FolderHandle, error)
}

// Two results are enough to tell "exactly one" from "ambiguous".
const searchLimit = 2

type Resolver struct {
	tree   Tree
	logger *slog.Logger
}

func NewResolver(tree Tree, logger *slog.Logger) *Resolver {
	return &Resolver{tree: tree, logger: logger}
}

// Resolve walks path from root one segment at a time. Any segment that does
// not match exactly one child ends the walk with ErrFolderNotFound.
func (r *Resolver) Resolve(ctx context.Context, path model.FolderPath, root Root) (model.FolderHandle, error) {
	parent, err := r.tree.Root(ctx, root)
	if err != nil {
		return model.FolderHandle{}, fmt.Errorf("bind %s root: %w", root, err)
	}

	for depth, segment := range path {
		matches, err := r.tree.FindChildren(ctx, parent, segment, searchLimit)
		if err != nil {
			return model.FolderHandle{}, fmt.Errorf("search folder %q: %w", segment, err)
		}
		if len(matches) != 1 {
			if r.logger != nil {
				r.logger.Debug("folder segment unresolved", "segment", segment, "depth", depth, "matches", len(matches))
			}
			return model.FolderHandle{}, fmt.Errorf("%w: %s", ErrFolderNotFound, path)
		}
		parent = matches[0]
	}

	if r.logger != nil {
		r.logger.Debug("folder resolved", "path", path.String(), "root", root.String(), "name", parent.Name)
	}
	return parent, nil
}
