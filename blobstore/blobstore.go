package blobstore

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/mammutfed/mammut/db"
	"github.com/mammutfed/mammut/domain"
	"golang.org/x/crypto/blake2b"
)

var ErrNotFound = errors.New("blob not found")

// Store is a content-addressed file store for media attachments. Files
// are keyed by the blake2b-256 digest of their metadata-stripped bytes,
// so the same image uploaded twice occupies a single file.
type Store struct {
	DB  *db.DB
	Dir string
	log *log.Logger
}

func NewStore(database *db.DB, dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media dir: %w", err)
	}
	return &Store{DB: database, Dir: dir, log: log.WithPrefix("blobstore")}, nil
}

// Put stores content and returns its hash. Identifying metadata is
// stripped before hashing, so two copies of the same image that differ
// only in EXIF data resolve to the same blob. Re-storing an existing
// blob just bumps its reference count.
func (s *Store) Put(content []byte, contentType string) (string, error) {
	cleaned := StripMetadata(content, contentType)

	sum := blake2b.Sum256(cleaned)
	hash := hex.EncodeToString(sum[:])

	path := s.path(hash)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(path, cleaned, 0o644); err != nil {
			return "", fmt.Errorf("failed to write blob: %w", err)
		}
	}

	blob := &domain.Blob{
		Hash:        hash,
		ContentType: contentType,
		Size:        int64(len(cleaned)),
		CreatedAt:   time.Now(),
	}
	if err := s.DB.UpsertBlob(blob); err != nil {
		return "", fmt.Errorf("failed to record blob: %w", err)
	}

	s.log.Info("stored blob", "hash", hash, "size", len(cleaned))
	return hash, nil
}

// Get returns the content and content type for a hash.
func (s *Store) Get(hash string) ([]byte, string, error) {
	err, blob := s.DB.ReadBlob(hash)
	if err != nil || blob == nil {
		return nil, "", ErrNotFound
	}
	content, err := os.ReadFile(s.path(hash))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read blob %s: %w", hash, err)
	}
	return content, blob.ContentType, nil
}

// Release decrements a blob's reference count. The file itself is only
// removed by GC once no references remain.
func (s *Store) Release(hash string) error {
	return s.DB.ReleaseBlob(hash)
}

// GC removes files whose reference count reached zero. Returns the
// number of blobs removed.
func (s *Store) GC() (int, error) {
	err, hashes := s.DB.ReadZeroRefBlobs()
	if err != nil {
		return 0, fmt.Errorf("failed to list unreferenced blobs: %w", err)
	}

	removed := 0
	for _, hash := range hashes {
		if err := os.Remove(s.path(hash)); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Error("failed to remove blob file", "hash", hash, "err", err)
			continue
		}
		if err := s.DB.DeleteBlob(hash); err != nil {
			s.log.Error("failed to delete blob row", "hash", hash, "err", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.log.Info("garbage collected blobs", "count", removed)
	}
	return removed, nil
}

func (s *Store) path(hash string) string {
	return filepath.Join(s.Dir, hash)
}

// StripMetadata removes identifying metadata from known image formats.
// JPEG loses its EXIF and other application segments, PNG its ancillary
// chunks (text, time, etc). Unknown formats pass through untouched.
func StripMetadata(content []byte, contentType string) []byte {
	switch contentType {
	case "image/jpeg":
		return stripJpegSegments(content)
	case "image/png":
		return stripPngChunks(content)
	default:
		return content
	}
}

// stripJpegSegments drops APPn (except APP0/JFIF) and COM segments.
// EXIF lives in APP1, embedded color metadata in APP2 and up.
func stripJpegSegments(content []byte) []byte {
	if len(content) < 4 || content[0] != 0xFF || content[1] != 0xD8 {
		return content
	}

	out := make([]byte, 0, len(content))
	out = append(out, 0xFF, 0xD8)
	i := 2
	for i+4 <= len(content) {
		if content[i] != 0xFF {
			// Lost sync, keep the remainder untouched.
			out = append(out, content[i:]...)
			return out
		}
		marker := content[i+1]
		// Start of scan: everything from here is entropy-coded data.
		if marker == 0xDA {
			out = append(out, content[i:]...)
			return out
		}
		segLen := int(binary.BigEndian.Uint16(content[i+2 : i+4]))
		end := i + 2 + segLen
		if end > len(content) {
			return content
		}
		skip := (marker >= 0xE1 && marker <= 0xEF) || marker == 0xFE
		if !skip {
			out = append(out, content[i:end]...)
		}
		i = end
	}
	return out
}

var pngSignature = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}

// stripPngChunks keeps only critical chunks plus the few ancillary ones
// required for correct rendering.
func stripPngChunks(content []byte) []byte {
	if !bytes.HasPrefix(content, pngSignature) {
		return content
	}

	keep := map[string]bool{
		"IHDR": true, "PLTE": true, "IDAT": true, "IEND": true,
		"tRNS": true, "gAMA": true, "sRGB": true, "acTL": true,
		"fcTL": true, "fdAT": true,
	}

	out := make([]byte, 0, len(content))
	out = append(out, pngSignature...)
	i := len(pngSignature)
	for i+8 <= len(content) {
		chunkLen := int(binary.BigEndian.Uint32(content[i : i+4]))
		chunkType := string(content[i+4 : i+8])
		end := i + 8 + chunkLen + 4 // length + type + data + crc
		if end > len(content) {
			return content
		}
		if keep[chunkType] {
			out = append(out, content[i:end]...)
		}
		i = end
		if chunkType == "IEND" {
			break
		}
	}
	return out
}
