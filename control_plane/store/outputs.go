package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/observability"
)

// PreviewBytes is how much of an externalized output stays inline in the
// durable record as a preview.
const PreviewBytes = 1024

// BlobStore externalizes large evaluation outputs to the filesystem. The
// durable record then carries a reference and a bounded preview instead of
// the full blob.
type BlobStore struct {
	root      string
	threshold int
}

// NewBlobStore creates the output root if needed. threshold is the inline
// size limit in bytes; outputs at or under it are not externalized.
func NewBlobStore(root string, threshold int) (*BlobStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create output store root: %w", err)
	}
	return &BlobStore{root: root, threshold: threshold}, nil
}

// Externalize decides whether data belongs inline or in the blob store.
// It returns the inline value (full data, or a preview when externalized)
// and the blob reference ("" when inline).
func (b *BlobStore) Externalize(id string, stream string, data string) (inline string, ref string, err error) {
	if len(data) <= b.threshold {
		return data, "", nil
	}

	dir := filepath.Join(b.root, sanitizeID(id))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(dir, stream)
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		return "", "", fmt.Errorf("write output blob: %w", err)
	}

	observability.OutputsExternalized.Inc()
	preview := data
	if len(preview) > PreviewBytes {
		preview = preview[:PreviewBytes]
	}
	return preview, path, nil
}

// Read returns the full contents of an externalized output.
func (b *BlobStore) Read(ref string) (string, error) {
	data, err := os.ReadFile(ref)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Remove deletes all externalized outputs for an evaluation. Missing
// directories are not an error (administrative purge is idempotent).
func (b *BlobStore) Remove(id string) error {
	err := os.RemoveAll(filepath.Join(b.root, sanitizeID(id)))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// sanitizeID keeps blob paths inside the root even for hostile ids.
func sanitizeID(id string) string {
	s := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
	// "." and ".." are valid path elements and would resolve outside the
	// per-evaluation directory.
	if strings.Trim(s, ".") == "" {
		return strings.Repeat("_", len(s)+1)
	}
	return s
}
