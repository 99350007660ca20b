package store

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/Japgutter/keywarden/internal/keypool"
)

// FileKeyStore loads a vendor's credentials from a newline-delimited secrets
// file. The file owns only the secret list; observed state lives in memory,
// so Flush is a no-op.
type FileKeyStore struct {
	path   string
	vendor keypool.Vendor
}

// NewFileKeyStore constructs a FileKeyStore bound to a vendor.
func NewFileKeyStore(path string, vendor keypool.Vendor) *FileKeyStore {
	return &FileKeyStore{path: strings.TrimSpace(path), vendor: vendor}
}

// Load reads one secret per line, skipping blanks and # comments.
func (s *FileKeyStore) Load(_ context.Context) ([]keypool.Key, error) {
	if s == nil || s.path == "" {
		return nil, fmt.Errorf("key store: empty key file path")
	}

	f, errOpen := os.Open(s.path)
	if errOpen != nil {
		return nil, fmt.Errorf("key store: open %s: %w", s.path, errOpen)
	}
	defer func() { _ = f.Close() }()

	var keys []keypool.Key
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keys = append(keys, keypool.NewKey(s.vendor, line))
	}
	if errScan := scanner.Err(); errScan != nil {
		return nil, fmt.Errorf("key store: read %s: %w", s.path, errScan)
	}
	return keys, nil
}

// Flush implements Store as a no-op for file-backed pools.
func (s *FileKeyStore) Flush(_ context.Context, _ []keypool.Key) error {
	return nil
}
