package sitefs

import (
	"os"
	"path/filepath"

	"github.com/openfroyo/siteconf/pkg/model"
)

// IsWritable probes a directory by creating and removing a temporary file.
func IsWritable(dir string) bool {
	f, err := os.CreateTemp(dir, ".siteconf-probe-*")
	if err != nil {
		return false
	}
	name := f.Name()
	f.Close()
	return os.Remove(name) == nil
}

// IsProductSite reports whether dir carries the product marker.
func IsProductSite(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ProductMarker))
	return err == nil
}

// IsUpdatable reports whether the site at location may receive installs:
// it must be local and writable.
func IsUpdatable(location string) bool {
	root, ok := localRoot(location)
	if !ok {
		return false
	}
	return IsWritable(root)
}

func localRoot(location string) (string, bool) {
	return model.LocalPath(location)
}
