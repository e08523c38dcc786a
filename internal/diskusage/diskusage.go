// Package diskusage computes the on-disk size of a model store directory
// tree. The walk itself is plain filesystem accounting with no third-party
// equivalent in the retrieval pack worth a dependency for a single recursive
// sum.
package diskusage

import (
	"io/fs"
	"path/filepath"
)

// Size returns the total size in bytes of all regular files under root.
// A missing root is reported as zero bytes, not an error, since an
// not-yet-synced store is a normal state rather than a fault.
func Size(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d == nil {
				// root itself doesn't exist yet.
				return filepath.SkipAll
			}
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}
