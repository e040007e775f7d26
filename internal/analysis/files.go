package analysis

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

const timestampLayout = "20060102_150405"

// scanFilename is {YYYYMMDD_HHMMSS}_scan.jpg, with a short random suffix when
// that name is already taken in uploadsDir.
func scanFilename(uploadsDir string, at time.Time) (string, *os.File, error) {
	ts := at.Format(timestampLayout)
	candidates := []string{
		ts + "_scan.jpg",
		ts + "_" + uuid.NewString()[:8] + "_scan.jpg",
	}

	for _, name := range candidates {
		f, err := os.OpenFile(filepath.Join(uploadsDir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", nil, err
		}
		return name, f, nil
	}
	return "", nil, fmt.Errorf("no free filename for %s", ts)
}

func maskFilename(scanName string) string {
	return "mask_" + scanName
}

func writeJPEG(f *os.File, img image.Image) error {
	data, err := encodeJPEG(img)
	if err != nil {
		f.Close()
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// saveScan writes the original and its mask as JPEG files and returns their paths.
// On failure nothing it created is left on disk.
func saveScan(uploadsDir, masksDir string, at time.Time, original, mask image.Image) (originalPath, maskPath string, err error) {
	name, f, err := scanFilename(uploadsDir, at)
	if err != nil {
		return "", "", fmt.Errorf("create scan file: %w", err)
	}
	originalPath = filepath.Join(uploadsDir, name)

	var written []string
	defer func() {
		if err != nil {
			removeFiles(written...)
		}
	}()

	written = append(written, originalPath)
	if err = writeJPEG(f, original); err != nil {
		return "", "", fmt.Errorf("write %s: %w", originalPath, err)
	}

	maskPath = filepath.Join(masksDir, maskFilename(name))
	mf, err := os.OpenFile(maskPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", "", fmt.Errorf("create mask file: %w", err)
	}
	written = append(written, maskPath)
	if err = writeJPEG(mf, mask); err != nil {
		return "", "", fmt.Errorf("write %s: %w", maskPath, err)
	}
	return originalPath, maskPath, nil
}

func removeFiles(paths ...string) {
	for _, p := range paths {
		os.Remove(p)
	}
}
