package marketplace

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// maxBundleFileSize caps a single extracted file to guard against
// decompression bombs.
const maxBundleFileSize = 256 << 20

// extractTarGz streams a .tar.gz archive into destDir.
func extractTarGz(r io.Reader, destDir string) error {
	gzr, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gzr.Close()

	absDest, err := filepath.Abs(destDir)
	if err != nil {
		return fmt.Errorf("resolve dest dir: %w", err)
	}

	tr := tar.NewReader(gzr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		target := filepath.Join(absDest, header.Name)

		// Validate path to prevent directory traversal
		absTarget, err := filepath.Abs(target)
		if err != nil {
			return fmt.Errorf("resolve target path: %w", err)
		}
		if !strings.HasPrefix(absTarget, absDest+string(os.PathSeparator)) && absTarget != absDest {
			return fmt.Errorf("archive entry %q escapes destination directory", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(absTarget, 0o750); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(absTarget), 0o750); err != nil {
				return err
			}
			out, err := os.Create(absTarget)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, io.LimitReader(tr, maxBundleFileSize)); err != nil {
				out.Close()
				return err
			}
			out.Close()
		}
	}
	return nil
}
