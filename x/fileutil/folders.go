// Package fileutil provides small filesystem helpers shared by the signer
// backends: existence checks and atomic file writes.
package fileutil

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// Vfs is the filesystem used by this package. Tests swap it for an
// in-memory afero.Fs; production code leaves it as the OS filesystem.
var Vfs afero.Fs = afero.NewOsFs()

// FolderExists returns nil if path exists and is a directory.
func FolderExists(path string) error {
	if path == "" {
		return errors.New("invalid parameter: path")
	}
	stat, err := Vfs.Stat(path)
	if err != nil {
		return err
	}
	if !stat.IsDir() {
		return errors.Errorf("not a folder: %q", path)
	}
	return nil
}

// FileExists returns nil if path exists and is a regular file.
func FileExists(path string) error {
	if path == "" {
		return errors.New("invalid parameter: path")
	}
	stat, err := Vfs.Stat(path)
	if err != nil {
		return err
	}
	if stat.IsDir() {
		return errors.Errorf("not a file: %q", path)
	}
	return nil
}

// WriteFileAtomic writes data to path by writing to a temp file in the same
// directory and renaming it over path, so a reader never observes a
// partially written file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := afero.WriteFile(Vfs, tmp, data, perm); err != nil {
		return errors.WithMessagef(err, "write temp file: %s", tmp)
	}
	if err := Vfs.Rename(tmp, path); err != nil {
		_ = Vfs.Remove(tmp)
		return errors.WithMessagef(err, "rename temp file: %s", path)
	}
	return nil
}
