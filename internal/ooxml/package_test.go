package ooxml

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"reportdesk/internal/models"
)

func buildZip(t *testing.T, parts map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range parts {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

const testContentTypes = `<?xml version="1.0"?><Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types"/>`

const testRels = `<?xml version="1.0"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
  <Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/image" Target="media/image1.png"/>
  <Relationship Id="rId2" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/image" Target="media/sub/image1.png"/>
  <Relationship Id="rId3" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/styles" Target="styles.xml"/>
</Relationships>`

const testDocument = `<?xml version="1.0"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"
            xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main"
            xmlns:r="http://schemas.openxmlformats.org/officeDocument/2006/relationships">
  <w:body>
    <w:p><w:r><w:t>开头文字</w:t></w:r></w:p>
    <w:p><w:r><w:drawing><a:blip r:embed="rId1"/><a:blip r:embed="rId1"/></w:drawing></w:r></w:p>
    <w:tbl><w:tr><w:tc><w:p><w:r><w:drawing><a:blip r:embed="rId2"/></w:drawing></w:r></w:p></w:tc></w:tr></w:tbl>
    <w:p><w:r><w:drawing><a:blip r:embed="rId2"/></w:drawing><w:drawing><a:blip r:embed="rId9"/></w:drawing></w:r></w:p>
  </w:body>
</w:document>`

func testPackageParts() map[string][]byte {
	return map[string][]byte{
		"word/document.xml":            []byte(testDocument),
		"word/_rels/document.xml.rels": []byte(testRels),
		"[Content_Types].xml":          []byte(testContentTypes),
		"word/media/image1.png":        []byte("png-one"),
		"word/media/sub/image1.png":    []byte("png-two"),
	}
}

func TestValidatePackage(t *testing.T) {
	dir := t.TempDir()

	notZip := filepath.Join(dir, "broken.docx")
	require.NoError(t, os.WriteFile(notZip, []byte("this is not an archive"), 0o644))
	err := ValidatePackage(notZip)
	var malformed *models.MalformedPackageError
	require.ErrorAs(t, err, &malformed)

	incomplete := filepath.Join(dir, "incomplete.docx")
	require.NoError(t, os.WriteFile(incomplete, buildZip(t, map[string][]byte{
		"word/document.xml": []byte(testDocument),
	}), 0o644))
	require.ErrorAs(t, ValidatePackage(incomplete), &malformed)

	good := filepath.Join(dir, "good.docx")
	require.NoError(t, os.WriteFile(good, buildZip(t, testPackageParts()), 0o644))
	require.NoError(t, ValidatePackage(good))
}

func TestFlattenedMediaNames(t *testing.T) {
	pkg, err := OpenBytes(buildZip(t, testPackageParts()))
	require.NoError(t, err)

	names := pkg.FlattenedMediaNames()
	require.Equal(t, "image1.png", names["word/media/image1.png"])
	require.Equal(t, "image1_2.png", names["word/media/sub/image1.png"])
}

func TestMediaRelationshipsFiltersNonMedia(t *testing.T) {
	pkg, err := OpenBytes(buildZip(t, testPackageParts()))
	require.NoError(t, err)

	rels, err := pkg.MediaRelationships()
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"rId1": "word/media/image1.png",
		"rId2": "word/media/sub/image1.png",
	}, rels)
}

func TestParagraphImages(t *testing.T) {
	pkg, err := OpenBytes(buildZip(t, testPackageParts()))
	require.NoError(t, err)

	images, warnings, err := pkg.ParagraphImages()
	require.NoError(t, err)

	// Paragraph 1 embeds rId1 twice; the duplicate collapses.
	require.Equal(t, []string{"image1.png"}, images[1])
	// Paragraph 2 is the one after the table; the table's own picture
	// does not shift body paragraph indexes.
	require.Equal(t, []string{"image1_2.png"}, images[2])
	require.NotContains(t, images, 0)

	require.Len(t, warnings, 1)
	require.Contains(t, warnings[0], "rId9")
}

func TestParagraphImagesCollapsesAliasedRelationships(t *testing.T) {
	rels := `<?xml version="1.0"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
  <Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/image" Target="media/image1.png"/>
  <Relationship Id="rId5" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/image" Target="media/image1.png"/>
</Relationships>`
	doc := `<?xml version="1.0"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"
            xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main"
            xmlns:r="http://schemas.openxmlformats.org/officeDocument/2006/relationships">
  <w:body>
    <w:p><w:r><w:drawing><a:blip r:embed="rId1"/></w:drawing><w:drawing><a:blip r:embed="rId5"/></w:drawing></w:r></w:p>
  </w:body>
</w:document>`
	pkg, err := OpenBytes(buildZip(t, map[string][]byte{
		"word/document.xml":            []byte(doc),
		"word/_rels/document.xml.rels": []byte(rels),
		"[Content_Types].xml":          []byte(testContentTypes),
		"word/media/image1.png":        []byte("png-one"),
	}))
	require.NoError(t, err)

	images, warnings, err := pkg.ParagraphImages()
	require.NoError(t, err)
	require.Empty(t, warnings)

	// Two relationship ids aliasing one media part still count as a
	// single picture in the paragraph.
	require.Equal(t, []string{"image1.png"}, images[0])
}

func TestExtractMedia(t *testing.T) {
	pkg, err := OpenBytes(buildZip(t, testPackageParts()))
	require.NoError(t, err)

	dir := t.TempDir()
	names, err := pkg.ExtractMedia(dir)
	require.NoError(t, err)
	require.Len(t, names, 2)

	one, err := os.ReadFile(filepath.Join(dir, "image1.png"))
	require.NoError(t, err)
	require.Equal(t, "png-one", string(one))
	two, err := os.ReadFile(filepath.Join(dir, "image1_2.png"))
	require.NoError(t, err)
	require.Equal(t, "png-two", string(two))
}
