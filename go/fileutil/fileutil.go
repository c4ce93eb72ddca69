// Package fileutil contains filesystem helpers.
package fileutil

import (
	"os"

	"go.confighist.org/infra/go/skerr"
)

// EnsureDirExists checks whether the given path to a directory exists and
// creates it if necessary. Returns the path.
func EnsureDirExists(dirPath string) (string, error) {
	return dirPath, skerr.Wrap(os.MkdirAll(dirPath, 0755))
}

// FileExists returns true if the given path exists and is a regular file.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}

// DirExists returns true if the given path exists and is a directory.
func DirExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}
