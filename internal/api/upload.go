package api

import (
	"fmt"
	"io"
	"mime/multipart"
	"os"
)

// maxUploadBytes caps a single uploaded part. Chapter documents and
// editor images both sit far below this in practice.
const maxUploadBytes int64 = 100 << 20

// writeMultipartFile spools an uploaded part to dst, refusing oversized
// uploads and removing the partial file when the copy fails.
func writeMultipartFile(file *multipart.FileHeader, dst string) error {
	if file.Size > maxUploadBytes {
		return fmt.Errorf("upload %s exceeds %d bytes", file.Filename, maxUploadBytes)
	}
	src, err := file.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	return nil
}
