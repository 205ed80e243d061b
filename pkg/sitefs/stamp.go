package sitefs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ChangeStamp combines the feature and plugin stamps of a local site. It
// changes whenever a feature descriptor or plugin entry is added, removed or
// touched.
func ChangeStamp(root string) (int64, error) {
	features, err := FeatureStamp(root)
	if err != nil {
		return 0, err
	}
	plugins, err := PluginStamp(root)
	if err != nil {
		return 0, err
	}
	return features ^ plugins, nil
}

// FeatureStamp XORs the modification times of every feature descriptor.
func FeatureStamp(root string) (int64, error) {
	entries, err := readDirIfExists(filepath.Join(root, "features"))
	if err != nil {
		return 0, err
	}
	var stamp int64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := os.Stat(filepath.Join(root, "features", e.Name(), FeatureManifest))
		if err != nil {
			continue
		}
		stamp ^= info.ModTime().UnixMilli()
	}
	return stamp, nil
}

// PluginStamp XORs the modification times of every plugin entry.
func PluginStamp(root string) (int64, error) {
	entries, err := readDirIfExists(filepath.Join(root, "plugins"))
	if err != nil {
		return 0, err
	}
	var stamp int64
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		stamp ^= info.ModTime().UnixMilli()
	}
	return stamp, nil
}

// SitesStamp XORs the change stamps of several local sites. Remote
// locations contribute nothing.
func SitesStamp(locations []string) (int64, error) {
	var stamp int64
	for _, loc := range locations {
		root, ok := localRoot(loc)
		if !ok {
			continue
		}
		s, err := ChangeStamp(root)
		if err != nil {
			return 0, fmt.Errorf("failed to stamp %s: %w", loc, err)
		}
		stamp ^= s
	}
	return stamp, nil
}

func readDirIfExists(dir string) ([]os.DirEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	return entries, nil
}
