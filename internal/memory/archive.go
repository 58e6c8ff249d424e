package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/emberhost/ember/internal/logging"
)

// FileArchive stores evicted content as flat files in a directory, one
// file per record, named by a ULID reference. Resolution reads the file
// back byte for byte.
type FileArchive struct {
	dir string
}

// NewFileArchive creates (if needed) and opens an archive directory.
func NewFileArchive(dir string) (*FileArchive, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &FileArchive{dir: dir}, nil
}

// Store writes content to a new archive file and returns its record.
func (a *FileArchive) Store(_ context.Context, content string, tokenCost int) (ArchiveRecord, error) {
	ref := ulid.Make().String()
	path := filepath.Join(a.dir, ref)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return ArchiveRecord{}, fmt.Errorf("write archive file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return ArchiveRecord{}, fmt.Errorf("commit archive file: %w", err)
	}

	logging.Archive().Debug("content archived",
		"reference", ref,
		"bytes", len(content),
		"token_cost", tokenCost)
	return ArchiveRecord{
		Reference:         ref,
		OriginalTokenCost: tokenCost,
		StoredAt:          time.Now().UTC(),
	}, nil
}

// Resolve returns the archived content for a reference.
func (a *FileArchive) Resolve(_ context.Context, reference string) (string, error) {
	// References are ULIDs we generated; reject anything that could
	// escape the archive directory.
	if reference == "" || filepath.Base(reference) != reference {
		return "", fmt.Errorf("invalid archive reference %q", reference)
	}
	data, err := os.ReadFile(filepath.Join(a.dir, reference))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("archive reference %s not found", reference)
		}
		return "", fmt.Errorf("read archive file: %w", err)
	}
	return string(data), nil
}
