package api

import (
	"bytes"
	"mime/multipart"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteMultipartFile(t *testing.T) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "章节.docx")
	require.NoError(t, err)
	_, err = part.Write([]byte("content-bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	form, err := multipart.NewReader(&buf, mw.Boundary()).ReadForm(1 << 20)
	require.NoError(t, err)
	defer form.RemoveAll()

	dst := filepath.Join(t.TempDir(), "spooled.docx")
	require.NoError(t, writeMultipartFile(form.File["file"][0], dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "content-bytes", string(data))
}

func TestWriteMultipartFileRejectsOversized(t *testing.T) {
	header := &multipart.FileHeader{Filename: "big.docx", Size: maxUploadBytes + 1}
	err := writeMultipartFile(header, filepath.Join(t.TempDir(), "big.docx"))
	require.ErrorContains(t, err, "exceeds")
}
