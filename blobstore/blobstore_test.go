package blobstore

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/mammutfed/mammut/db"
)

func newTestStore(t *testing.T) (*Store, *db.DB) {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.RunMigrations(); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	store, err := NewStore(database, filepath.Join(t.TempDir(), "media"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return store, database
}

func TestPutAndGet(t *testing.T) {
	store, _ := newTestStore(t)

	content := []byte("not really an image")
	hash, err := store.Put(content, "application/octet-stream")
	if err != nil {
		t.Fatalf("Failed to store blob: %v", err)
	}
	if len(hash) != 64 {
		t.Errorf("Expected 64-char hex hash, got %q", hash)
	}

	read, contentType, err := store.Get(hash)
	if err != nil {
		t.Fatalf("Failed to read blob: %v", err)
	}
	if !bytes.Equal(read, content) {
		t.Error("Blob content mismatch")
	}
	if contentType != "application/octet-stream" {
		t.Errorf("Unexpected content type: %s", contentType)
	}
}

func TestPutDeduplicates(t *testing.T) {
	store, database := newTestStore(t)

	content := []byte("same bytes")
	first, err := store.Put(content, "application/octet-stream")
	if err != nil {
		t.Fatalf("Failed to store blob: %v", err)
	}
	second, err := store.Put(content, "application/octet-stream")
	if err != nil {
		t.Fatalf("Failed to re-store blob: %v", err)
	}
	if first != second {
		t.Errorf("Expected identical content to share a hash: %s vs %s", first, second)
	}

	err2, blob := database.ReadBlob(first)
	if err2 != nil {
		t.Fatalf("Failed to read blob row: %v", err2)
	}
	if blob.RefCount != 2 {
		t.Errorf("Expected ref count 2, got %d", blob.RefCount)
	}
}

func TestReleaseAndGC(t *testing.T) {
	store, _ := newTestStore(t)

	hash, err := store.Put([]byte("ephemeral"), "application/octet-stream")
	if err != nil {
		t.Fatalf("Failed to store blob: %v", err)
	}

	if err := store.Release(hash); err != nil {
		t.Fatalf("Failed to release blob: %v", err)
	}

	removed, err := store.GC()
	if err != nil {
		t.Fatalf("GC failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 blob removed, got %d", removed)
	}

	if _, _, err := store.Get(hash); err == nil {
		t.Error("Expected collected blob to be gone")
	}
	if _, err := os.Stat(store.path(hash)); !os.IsNotExist(err) {
		t.Error("Expected blob file to be removed")
	}
}

func TestGCKeepsReferencedBlobs(t *testing.T) {
	store, _ := newTestStore(t)

	hash, err := store.Put([]byte("keep me"), "application/octet-stream")
	if err != nil {
		t.Fatalf("Failed to store blob: %v", err)
	}

	removed, err := store.GC()
	if err != nil {
		t.Fatalf("GC failed: %v", err)
	}
	if removed != 0 {
		t.Errorf("Expected no blobs removed, got %d", removed)
	}
	if _, _, err := store.Get(hash); err != nil {
		t.Errorf("Expected referenced blob to survive GC: %v", err)
	}
}

// buildJpeg assembles SOI, the given segments and an SOS tail.
func buildJpeg(segments ...[]byte) []byte {
	out := []byte{0xFF, 0xD8}
	for _, seg := range segments {
		out = append(out, seg...)
	}
	out = append(out, 0xFF, 0xDA, 0x00, 0x02)
	out = append(out, []byte("scan-data")...)
	return out
}

func jpegSegment(marker byte, payload []byte) []byte {
	seg := []byte{0xFF, marker}
	length := make([]byte, 2)
	binary.BigEndian.PutUint16(length, uint16(len(payload)+2))
	seg = append(seg, length...)
	return append(seg, payload...)
}

func TestStripJpegDropsExif(t *testing.T) {
	app0 := jpegSegment(0xE0, []byte("JFIF\x00fake"))
	exif := jpegSegment(0xE1, []byte("Exif\x00\x00gps-coordinates-here"))
	comment := jpegSegment(0xFE, []byte("shot on my phone"))

	withMeta := buildJpeg(app0, exif, comment)
	without := buildJpeg(app0)

	stripped := StripMetadata(withMeta, "image/jpeg")
	if !bytes.Equal(stripped, without) {
		t.Error("Expected EXIF and comment segments to be stripped")
	}
	if bytes.Contains(stripped, []byte("gps-coordinates-here")) {
		t.Error("EXIF payload leaked through stripping")
	}
	if !bytes.Contains(stripped, []byte("scan-data")) {
		t.Error("Image data must survive stripping")
	}

	// Two uploads differing only in metadata hash identically.
	store, _ := newTestStore(t)
	h1, err := store.Put(withMeta, "image/jpeg")
	if err != nil {
		t.Fatalf("Failed to store: %v", err)
	}
	h2, err := store.Put(without, "image/jpeg")
	if err != nil {
		t.Fatalf("Failed to store: %v", err)
	}
	if h1 != h2 {
		t.Error("Expected metadata-only difference to hash identically")
	}
}

func TestStripJpegPassesThroughGarbage(t *testing.T) {
	garbage := []byte("definitely not a jpeg")
	if !bytes.Equal(StripMetadata(garbage, "image/jpeg"), garbage) {
		t.Error("Expected non-JPEG content to pass through untouched")
	}
}

func pngChunk(chunkType string, payload []byte) []byte {
	chunk := make([]byte, 4)
	binary.BigEndian.PutUint32(chunk, uint32(len(payload)))
	chunk = append(chunk, []byte(chunkType)...)
	chunk = append(chunk, payload...)
	return append(chunk, 0, 0, 0, 0) // crc, not validated here
}

func TestStripPngDropsAncillaryChunks(t *testing.T) {
	ihdr := pngChunk("IHDR", make([]byte, 13))
	text := pngChunk("tEXt", []byte("Author\x00someone"))
	exif := pngChunk("eXIf", []byte("camera-serial"))
	idat := pngChunk("IDAT", []byte("pixels"))
	iend := pngChunk("IEND", nil)

	var withMeta []byte
	withMeta = append(withMeta, pngSignature...)
	for _, c := range [][]byte{ihdr, text, exif, idat, iend} {
		withMeta = append(withMeta, c...)
	}

	var without []byte
	without = append(without, pngSignature...)
	for _, c := range [][]byte{ihdr, idat, iend} {
		without = append(without, c...)
	}

	stripped := StripMetadata(withMeta, "image/png")
	if !bytes.Equal(stripped, without) {
		t.Error("Expected ancillary chunks to be stripped")
	}
	if bytes.Contains(stripped, []byte("camera-serial")) {
		t.Error("Metadata chunk leaked through stripping")
	}
}

func TestStripUnknownFormatUntouched(t *testing.T) {
	content := []byte{0x00, 0x01, 0x02}
	if !bytes.Equal(StripMetadata(content, "video/mp4"), content) {
		t.Error("Expected unknown formats to pass through untouched")
	}
}
