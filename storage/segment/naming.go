package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	DataExt  = ".data"
	HintExt  = ".hint"
	MergeExt = ".merge"
	tmpExt   = ".tmp"
)

func DataName(dir string, id uint64) string {
	return fileName(dir, id, DataExt)
}

func HintName(dir string, id uint64) string {
	return fileName(dir, id, HintExt)
}

func MergeName(dir string, id uint64) string {
	return fileName(dir, id, MergeExt)
}

func fileName(dir string, id uint64, ext string) string {
	return filepath.Join(dir, fmt.Sprintf("%020d%s", id, ext))
}

func nameWithoutExtension(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}

// List returns the ids of all data segments in dir in ascending order.
func List(dir string) ([]uint64, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "unable to list segments")
	}

	ids := make([]uint64, 0, len(files))
	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != DataExt {
			continue
		}

		id, err := strconv.ParseUint(nameWithoutExtension(file.Name()), 10, 64)
		if err != nil {
			continue
		}

		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool {
		return ids[i] < ids[j]
	})

	return ids, nil
}

// RemoveStale deletes compaction output and hint files that were never
// committed, and hints whose data file is gone. It returns the removed names.
func RemoveStale(dir string) ([]string, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "unable to list stale files")
	}

	var removed []string
	for _, file := range files {
		name := file.Name()
		if file.IsDir() || !isStale(dir, name) {
			continue
		}

		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			return removed, errors.Wrapf(err, "remove %s", name)
		}
		removed = append(removed, name)
	}

	return removed, nil
}

func isStale(dir, name string) bool {
	switch {
	case strings.HasSuffix(name, MergeExt), strings.HasSuffix(name, tmpExt):
		return true
	case strings.HasSuffix(name, HintExt):
		_, err := os.Stat(filepath.Join(dir, nameWithoutExtension(name)+DataExt))
		return os.IsNotExist(err)
	}
	return false
}
