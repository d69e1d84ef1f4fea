package folder

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dhcgn/folder-unzip/model"
)

type fakeTree struct {
	children map[string][]string
	searched []string
}

func (f *fakeTree) Root(ctx context.Context, root Root) (model.FolderHandle, error) {
	if root == PrivateRoot {
		return model.FolderHandle{Name: "private:"}, nil
	}
	return model.FolderHandle{Name: "public:"}, nil
}

func (f *fakeTree) FindChildren(ctx context.Context, parent model.FolderHandle, name string, limit int) ([]model.FolderHandle, error) {
	f.searched = append(f.searched, parent.Name+"|"+name)
	var matches []model.FolderHandle
	for _, child := range f.children[parent.Name] {
		if child == name {
			matches = append(matches, model.FolderHandle{Name: parent.Name + "/" + child, Display: child})
			if len(matches) == limit {
				break
			}
		}
	}
	return matches, nil
}

func newTree() *fakeTree {
	return &fakeTree{children: map[string][]string{
		"public:":               {"Reports", "Dupe", "Dupe"},
		"public:/Reports":       {"Daily", "daily"},
		"public:/Reports/Daily": {"Zips"},
		"private:":              {"Inbox"},
		"public:/Dupe":          {"Child"},
	}}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		root     Root
		want     string
		wantErr  bool
		searches int
	}{
		{name: "deepest segment", path: "Reports/Daily/Zips", want: "public:/Reports/Daily/Zips", searches: 3},
		{name: "empty segments dropped", path: "/Reports//Daily/", want: "public:/Reports/Daily", searches: 2},
		{name: "case sensitive", path: "Reports/DAILY", wantErr: true, searches: 2},
		{name: "missing stops walk", path: "Missing/Daily/Zips", wantErr: true, searches: 1},
		{name: "ambiguous stops walk", path: "Dupe/Child", wantErr: true, searches: 1},
		{name: "private root", path: "Inbox", root: PrivateRoot, want: "private:/Inbox", searches: 1},
		{name: "empty path is root", path: "", want: "public:", searches: 0},
		{name: "slash path is root", path: "/", want: "public:", searches: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree := newTree()
			r := NewResolver(tree, nil)

			got, err := r.Resolve(context.Background(), model.ParseFolderPath(tt.path), tt.root)
			if tt.wantErr {
				if !errors.Is(err, ErrFolderNotFound) {
					t.Fatalf("Resolve() error = %v, want ErrFolderNotFound", err)
				}
			} else {
				if err != nil {
					t.Fatalf("Resolve() error = %v", err)
				}
				if got.Name != tt.want {
					t.Errorf("Resolve() = %q, want %q", got.Name, tt.want)
				}
			}
			if len(tree.searched) != tt.searches {
				t.Errorf("searches = %d (%s), want %d", len(tree.searched), strings.Join(tree.searched, ", "), tt.searches)
			}
		})
	}
}

type failingTree struct{ fakeTree }

var errBoom = errors.New("boom")

func (f *failingTree) Root(ctx context.Context, root Root) (model.FolderHandle, error) {
	return model.FolderHandle{}, errBoom
}

func TestResolve_RootError(t *testing.T) {
	r := NewResolver(&failingTree{}, nil)
	_, err := r.Resolve(context.Background(), model.ParseFolderPath("a"), PublicRoot)
	if !errors.Is(err, errBoom) {
		t.Fatalf("Resolve() error = %v, want wrapped root error", err)
	}
	if errors.Is(err, ErrFolderNotFound) {
		t.Fatalf("root errors must not look like a missing folder")
	}
}

func TestParseFolderPath(t *testing.T) {
	got := model.ParseFolderPath("//Folder/subfolder//SubSubfolder/")
	want := []string{"Folder", "subfolder", "SubSubfolder"}
	if len(got) != len(want) {
		t.Fatalf("ParseFolderPath() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("segment %d = %q, want %q", i, got[i], want[i])
		}
	}
	if got.String() != "Folder/subfolder/SubSubfolder" {
		t.Errorf("String() = %q", got.String())
	}
}
