package fetch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"xenoscan/internal/checkpoint"
	"xenoscan/internal/lightcurve"
)

const datasetFile = "dataset.csv"

// Cache is the on-disk staging area for downloaded segments and the joined
// dataset handed to extraction. Each target owns one directory.
type Cache struct {
	root string
}

func NewCache(root string) (*Cache, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if err := checkpoint.Mkdir(root); err != nil {
		return nil, err
	}
	return &Cache{root: root}, nil
}

func (c *Cache) TargetDir(targetID string) string {
	return filepath.Join(c.root, uniqueFileID(targetID))
}

func (c *Cache) SegmentPath(targetID, segmentID string) string {
	return filepath.Join(c.TargetDir(targetID), "seg_"+uniqueFileID(segmentID)+".csv")
}

func (c *Cache) DatasetPath(targetID string) string {
	return filepath.Join(c.TargetDir(targetID), datasetFile)
}

// ReadSegment returns a previously downloaded segment. A missing file is a
// plain miss; an unreadable one is a *CacheCorruptError.
func (c *Cache) ReadSegment(targetID, segmentID string) (lightcurve.Series, bool, error) {
	path := c.SegmentPath(targetID, segmentID)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return lightcurve.Series{}, false, nil
		}
		return lightcurve.Series{}, false, &CacheCorruptError{TargetID: targetID, Path: path, Err: err}
	}
	s, err := lightcurve.Parse(data)
	if err != nil {
		return lightcurve.Series{}, false, &CacheCorruptError{TargetID: targetID, Path: path, Err: err}
	}
	return s, true, nil
}

func (c *Cache) WriteSegment(targetID, segmentID string, data []byte) error {
	return checkpoint.WriteBytes(c.SegmentPath(targetID, segmentID), data)
}

func (c *Cache) WriteDataset(targetID string, s lightcurve.Series) (string, error) {
	path := c.DatasetPath(targetID)
	if err := checkpoint.WriteBytes(path, lightcurve.Encode(s)); err != nil {
		return "", err
	}
	return path, nil
}

func (c *Cache) Exists(targetID string) bool {
	_, err := os.Stat(c.TargetDir(targetID))
	return err == nil
}

// Remove deletes everything cached for the target. It reports whether there
// was anything to delete.
func (c *Cache) Remove(targetID string) (bool, error) {
	dir := c.TargetDir(targetID)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat cache %s: %w", dir, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("remove cache %s: %w", dir, err)
	}
	return true, nil
}

// uniqueFileID is SafeFileID plus a hash of the raw identifier. The
// readable part alone is not injective: "KIC 1" and "KIC_1" both sanitise
// to KIC_1.
func uniqueFileID(id string) string {
	return fmt.Sprintf("%s-%016x", SafeFileID(id), seedFor(id))
}

// SafeFileID maps an identifier to a single path element.
func SafeFileID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return "_"
	}
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "." || out == ".." {
		return strings.ReplaceAll(out, ".", "_")
	}
	return out
}
