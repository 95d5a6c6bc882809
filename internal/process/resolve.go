package process

import (
	stdErrors "errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bardlex/gominer/pkg/errors"
)

// errFound stops the directory walk once a match is found
var errFound = stdErrors.New("found")

// FindExecutable walks baseDir and returns the first regular file whose name
// contains name. Install layouts differ between releases, so the search is
// recursive and does not require an exact file name.
func FindExecutable(baseDir, name string) (string, error) {
	if name == "" {
		return "", errors.New(errors.ErrorTypeValidation, "find_executable", "executable name is required")
	}

	var found string
	err := filepath.WalkDir(baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// unreadable subtrees are skipped
			if d != nil && d.IsDir() && path != baseDir {
				return fs.SkipDir
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if strings.Contains(d.Name(), name) {
			found = path
			return errFound
		}
		return nil
	})

	if found != "" {
		return found, nil
	}
	if err != nil && !stdErrors.Is(err, fs.ErrNotExist) {
		return "", errors.Wrap(err, errors.ErrorTypeProcess, "find_executable", "failed to search directory").
			WithContext("dir", baseDir)
	}
	return "", errors.NotFound("find_executable", name).WithContext("dir", baseDir)
}

// EnsureDir creates path and any missing parents
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return errors.Wrap(err, errors.ErrorTypeProcess, "ensure_dir", "failed to create directory").
			WithContext("path", path)
	}
	return nil
}

// MakeExecutable sets rwxr-xr-x on path
func MakeExecutable(path string) error {
	if err := os.Chmod(path, 0o755); err != nil {
		return errors.Wrap(err, errors.ErrorTypeProcess, "make_executable", "failed to set permissions").
			WithContext("path", path)
	}
	return nil
}
