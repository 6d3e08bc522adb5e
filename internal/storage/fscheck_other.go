//go:build !linux

package storage

// Unknown filesystems are treated as local.
func detectFilesystemType(string) (string, error) {
	return "", nil
}
