package lode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/justapithecus/lode/lode"
	"go.uber.org/multierr"
)

// ErrBadFilename is returned for archive file names that would escape the
// run's files/ prefix.
var ErrBadFilename = errors.New("archive file name must be a plain base name")

// PutFile writes a log file to the store at the run's Hive path,
// bypassing the Dataset segment/manifest machinery.
func (c *Client) PutFile(ctx context.Context, filename string, data []byte) error {
	if err := checkFilename(filename); err != nil {
		return err
	}
	store, err := c.getOrCreateStore()
	if err != nil {
		return WrapInitError(err, c.config.Dataset)
	}
	path := c.buildFilePath(filename)
	if err := store.Put(ctx, path, bytes.NewReader(data)); err != nil {
		return WrapWriteError(err, path)
	}
	return nil
}

func checkFilename(name string) error {
	if name == "" || name == "." || strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrBadFilename, name)
	}
	return nil
}

// getOrCreateStore lazily initializes the Store from the factory.
func (c *Client) getOrCreateStore() (lode.Store, error) {
	c.storeOnce.Do(func() {
		c.store, c.storeErr = c.storeFactory()
	})
	return c.store, c.storeErr
}

// buildFilePath computes the Hive-partitioned path for a log file.
// Format: datasets/<dataset>/partitions/device=<d>/day=<d>/run_id=<r>/files/<filename>
func (c *Client) buildFilePath(filename string) string {
	return fmt.Sprintf("datasets/%s/partitions/device=%s/day=%s/run_id=%s/files/%s",
		c.config.Dataset,
		c.config.Device,
		c.config.Day,
		c.config.RunID,
		filename,
	)
}

// ArchiveFiles copies each existing file in paths into the archive under
// its base name. Missing files are skipped. It returns the base names it
// stored; failures for single files do not stop the others.
func ArchiveFiles(ctx context.Context, a Archiver, paths []string) ([]string, error) {
	var (
		stored []string
		errs   error
	)
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			errs = multierr.Append(errs, WrapReadError(err, p))
			continue
		}
		name := filepath.Base(p)
		if err := a.PutFile(ctx, name, data); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		stored = append(stored, name)
	}
	return stored, errs
}
