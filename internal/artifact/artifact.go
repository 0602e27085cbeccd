package artifact

// File layout:
//   "PVFA" | version (1 byte) | meta length (uvarint) | meta record | module bytes
// The handle checksum covers the whole file.

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/psantana5/pvf-worker/pkg/models"
	"golang.org/x/crypto/blake2b"
)

const (
	// FormatVersion is bumped whenever the layout changes
	FormatVersion byte = 1
	// Ext is the artifact file extension
	Ext = ".pvfa"

	fileMode     = 0444
	maxMetaBytes = 1 << 16
)

var magic = [4]byte{'P', 'V', 'F', 'A'}

// ErrCorrupted means the file is missing, unreadable, or does not match its handle
var ErrCorrupted = errors.New("artifact corrupted")

// Checksum returns the BLAKE2b-256 digest of b
func Checksum(b []byte) [models.ChecksumSize]byte {
	return blake2b.Sum256(b)
}

// Write stores module bytes and metadata under dir and returns the handle.
// The file is written to a temporary name and renamed into place, so a
// reader never observes a partial artifact.
func Write(dir string, module []byte, meta *models.ArtifactMeta) (models.ArtifactHandle, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return models.ArtifactHandle{}, fmt.Errorf("failed to create artifact directory %s: %w", dir, err)
	}

	data := encode(module, meta)
	sum := Checksum(data)
	path := filepath.Join(dir, fmt.Sprintf("%x%s", sum[:16], Ext))

	tmp, err := os.CreateTemp(dir, ".artifact-*")
	if err != nil {
		return models.ArtifactHandle{}, fmt.Errorf("failed to create temporary artifact: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return models.ArtifactHandle{}, fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return models.ArtifactHandle{}, fmt.Errorf("failed to sync artifact: %w", err)
	}
	if err := tmp.Chmod(fileMode); err != nil {
		cleanup()
		return models.ArtifactHandle{}, fmt.Errorf("failed to set artifact mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return models.ArtifactHandle{}, fmt.Errorf("failed to close artifact: %w", err)
	}

	// The name is derived from the content, so replacing an existing entry
	// never changes the bytes behind an earlier handle.
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return models.ArtifactHandle{}, fmt.Errorf("failed to install artifact %s: %w", path, err)
	}

	return models.ArtifactHandle{Path: path, Checksum: sum}, nil
}

// Read loads an artifact and verifies it against its handle
func Read(h models.ArtifactHandle) ([]byte, *models.ArtifactMeta, error) {
	data, err := os.ReadFile(h.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if Checksum(data) != h.Checksum {
		return nil, nil, fmt.Errorf("%w: checksum mismatch for %s", ErrCorrupted, h.Path)
	}
	module, meta, err := decode(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return module, meta, nil
}

func encode(module []byte, meta *models.ArtifactMeta) []byte {
	record := models.MarshalArtifactMeta(meta)

	var buf bytes.Buffer
	buf.Grow(len(magic) + 1 + binary.MaxVarintLen64 + len(record) + len(module))
	buf.Write(magic[:])
	buf.WriteByte(FormatVersion)

	var n [binary.MaxVarintLen64]byte
	buf.Write(n[:binary.PutUvarint(n[:], uint64(len(record)))])
	buf.Write(record)
	buf.Write(module)
	return buf.Bytes()
}

func decode(data []byte) ([]byte, *models.ArtifactMeta, error) {
	r := bufio.NewReader(bytes.NewReader(data))

	var head [5]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, nil, fmt.Errorf("short header")
	}
	if !bytes.Equal(head[:4], magic[:]) {
		return nil, nil, fmt.Errorf("bad magic %q", head[:4])
	}
	if head[4] != FormatVersion {
		return nil, nil, fmt.Errorf("unsupported format version %d", head[4])
	}

	size, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, nil, fmt.Errorf("bad metadata length: %v", err)
	}
	if size > maxMetaBytes {
		return nil, nil, fmt.Errorf("metadata length %d too large", size)
	}
	record := make([]byte, size)
	if _, err := io.ReadFull(r, record); err != nil {
		return nil, nil, fmt.Errorf("truncated metadata")
	}
	meta, err := models.UnmarshalArtifactMeta(record)
	if err != nil {
		return nil, nil, fmt.Errorf("bad metadata: %v", err)
	}

	module, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, err
	}
	if len(module) == 0 {
		return nil, nil, fmt.Errorf("empty module")
	}
	return module, meta, nil
}
