package remotefs

import (
	"cmp"
	"path"
	"slices"
	"time"

	"github.com/docker/go-units"
)

// Descriptor describes one entry of a remote directory listing.
type Descriptor struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	IsDir   bool      `json:"is_dir"`
	Size    uint64    `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// HumanSize renders Size for display; directories render as "-".
func (d Descriptor) HumanSize() string {
	if d.IsDir {
		return "-"
	}
	return units.HumanSize(float64(d.Size))
}

// compareDescriptors orders directories before files, then by name.
func compareDescriptors(a, b Descriptor) int {
	if a.IsDir != b.IsDir {
		if a.IsDir {
			return -1
		}
		return 1
	}
	return cmp.Compare(a.Name, b.Name)
}

// SortDescriptors sorts entries in place into canonical listing order.
func SortDescriptors(entries []Descriptor) {
	slices.SortStableFunc(entries, compareDescriptors)
}

// SameListing reports whether two listings have the same sequence of
// (Name, ModTime) pairs. The comparison is order-sensitive and ignores Size,
// so a same-second size change goes unnoticed.
func SameListing(a, b []Descriptor) bool {
	return slices.EqualFunc(a, b, func(x, y Descriptor) bool {
		return x.Name == y.Name && x.ModTime.Equal(y.ModTime)
	})
}

// Join builds the absolute path of name inside dir.
func Join(dir, name string) string {
	return path.Join(CleanPath(dir), name)
}

// CleanPath normalises a remote path. Relative paths are anchored at "/".
func CleanPath(p string) string {
	if p == "" {
		return "/"
	}
	if !path.IsAbs(p) {
		p = "/" + p
	}
	return path.Clean(p)
}

// Parent returns the directory that contains p.
func Parent(p string) string {
	return path.Dir(CleanPath(p))
}
