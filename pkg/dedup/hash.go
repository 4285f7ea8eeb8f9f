package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/zeebo/xxh3"
)

// DefaultSampleSize is how much of each region QuickHash reads.
const DefaultSampleSize = 1 << 20

var ErrHashMismatch = errors.New("content hash mismatch")

// HashFile returns the hex SHA-256 of the whole file.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// QuickHash fingerprints a file from its size and three samples taken at
// the start, the middle and the end. Files no larger than three samples are
// hashed whole. It is for spotting likely duplicates, not for integrity.
func QuickHash(path string, sample int64) (string, error) {
	if sample <= 0 {
		sample = DefaultSampleSize
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", path, err)
	}
	size := info.Size()

	h := xxh3.New()
	fmt.Fprintf(h, "%d:", size)
	if size <= 3*sample {
		if _, err := io.Copy(h, f); err != nil {
			return "", fmt.Errorf("failed to hash %s: %w", path, err)
		}
		return fmt.Sprintf("%016x", h.Sum64()), nil
	}

	for _, off := range []int64{0, size / 2, size - sample} {
		if _, err := io.Copy(h, io.NewSectionReader(f, off, sample)); err != nil {
			return "", fmt.Errorf("failed to sample %s at %d: %w", path, off, err)
		}
	}
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

// VerifyFile checks a file against an expected SHA-256 hex digest.
func VerifyFile(path, expected string) error {
	got, err := HashFile(path)
	if err != nil {
		return err
	}
	if !strings.EqualFold(got, strings.TrimSpace(expected)) {
		return fmt.Errorf("%w: %s has %s, want %s", ErrHashMismatch, path, got, expected)
	}
	return nil
}
