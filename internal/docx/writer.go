package docx

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"image"
	"path"
	"sort"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

// EMU geometry. 96 dpi pixels convert at 9525 EMU per pixel.
const (
	EMUPerInch  = 914400
	EMUPerPixel = 9525

	// DefaultImageWidth caps inserted images at 6 inches, leaving margin
	// headroom on a letter page.
	DefaultImageWidth = 6 * EMUPerInch

	// PrintableWidth is the usable width of a letter page with one-inch
	// margins.
	PrintableWidth = 6.5 * EMUPerInch
)

// Builder assembles a new document package from paragraphs, tables and
// images.
type Builder struct {
	body     strings.Builder
	media    []mediaPart
	warnings []string
	drawings int
}

type mediaPart struct {
	relID string
	name  string
	data  []byte
}

func NewBuilder() *Builder {
	return &Builder{}
}

// Warnings lists per-artifact problems downgraded during building.
func (b *Builder) Warnings() []string {
	return b.warnings
}

func xmlEscape(s string) string {
	var buf strings.Builder
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

// AddParagraph writes a paragraph, cloning its style reference,
// alignment, first-line indent and run formatting.
func (b *Builder) AddParagraph(p *Paragraph) {
	b.body.WriteString("<w:p>")
	b.writeParagraphProps(p.StyleID, p.Alignment, p.FirstLine, p.FirstLineChars)
	for _, r := range p.Runs {
		b.writeRun(r)
	}
	b.body.WriteString("</w:p>")
}

// AddHeading writes a heading paragraph at the given level.
func (b *Builder) AddHeading(text string, level int) {
	if level < 1 {
		level = 1
	}
	if level > 9 {
		level = 9
	}
	fmt.Fprintf(&b.body, `<w:p><w:pPr><w:pStyle w:val="Heading%d"/></w:pPr>`, level)
	b.writeRun(Run{Text: text})
	b.body.WriteString("</w:p>")
}

func (b *Builder) writeParagraphProps(styleID, alignment, firstLine, firstLineChars string) {
	if styleID == "" && alignment == "" && firstLine == "" && firstLineChars == "" {
		return
	}
	b.body.WriteString("<w:pPr>")
	if styleID != "" {
		fmt.Fprintf(&b.body, `<w:pStyle w:val="%s"/>`, xmlEscape(styleID))
	}
	if firstLine != "" || firstLineChars != "" {
		b.body.WriteString("<w:ind")
		if firstLine != "" {
			fmt.Fprintf(&b.body, ` w:firstLine="%s"`, xmlEscape(firstLine))
		}
		if firstLineChars != "" {
			fmt.Fprintf(&b.body, ` w:firstLineChars="%s"`, xmlEscape(firstLineChars))
		}
		b.body.WriteString("/>")
	}
	if alignment != "" {
		fmt.Fprintf(&b.body, `<w:jc w:val="%s"/>`, xmlEscape(alignment))
	}
	b.body.WriteString("</w:pPr>")
}

func (b *Builder) writeRun(r Run) {
	b.body.WriteString("<w:r>")
	var props strings.Builder
	if r.Bold {
		props.WriteString("<w:b/>")
	}
	if r.Italic {
		props.WriteString("<w:i/>")
	}
	if r.Underline {
		props.WriteString(`<w:u w:val="single"/>`)
	}
	if r.Font != "" {
		fmt.Fprintf(&props, `<w:rFonts w:ascii="%s" w:eastAsia="%s"/>`, xmlEscape(r.Font), xmlEscape(r.Font))
	}
	if r.Color != "" {
		fmt.Fprintf(&props, `<w:color w:val="%s"/>`, xmlEscape(r.Color))
	}
	if r.SizeHalfPoints > 0 {
		fmt.Fprintf(&props, `<w:sz w:val="%d"/><w:szCs w:val="%d"/>`, r.SizeHalfPoints, r.SizeHalfPoints)
	}
	if props.Len() > 0 {
		b.body.WriteString("<w:rPr>")
		b.body.WriteString(props.String())
		b.body.WriteString("</w:rPr>")
	}
	segments := strings.Split(strings.ReplaceAll(r.Text, "\r", ""), "\n")
	for i, segment := range segments {
		if i > 0 {
			b.body.WriteString("<w:br/>")
		}
		fmt.Fprintf(&b.body, `<w:t xml:space="preserve">%s</w:t>`, xmlEscape(segment))
	}
	b.body.WriteString("</w:r>")
}

// AddTable recreates a table from its cell text with plain single-line
// borders.
func (b *Builder) AddTable(t *Table) {
	if len(t.Rows) == 0 {
		return
	}
	b.body.WriteString(`<w:tbl><w:tblPr><w:tblW w:w="0" w:type="auto"/><w:tblBorders>` +
		`<w:top w:val="single" w:sz="4"/><w:left w:val="single" w:sz="4"/>` +
		`<w:bottom w:val="single" w:sz="4"/><w:right w:val="single" w:sz="4"/>` +
		`<w:insideH w:val="single" w:sz="4"/><w:insideV w:val="single" w:sz="4"/>` +
		`</w:tblBorders></w:tblPr>`)
	for _, row := range t.Rows {
		b.body.WriteString("<w:tr>")
		for _, cellText := range row {
			b.body.WriteString("<w:tc>")
			b.writeRunParagraph(cellText)
			b.body.WriteString("</w:tc>")
		}
		b.body.WriteString("</w:tr>")
	}
	b.body.WriteString("</w:tbl>")
}

func (b *Builder) writeRunParagraph(text string) {
	b.body.WriteString("<w:p>")
	if text != "" {
		b.writeRun(Run{Text: text})
	}
	b.body.WriteString("</w:p>")
}

// AddImage inserts an image in its own centered paragraph, scaled down
// to maxWidth EMU when wider. Undecodable dimensions fall back to a
// 4:3 box at maxWidth and leave a warning.
func (b *Builder) AddImage(name string, data []byte, maxWidth int64) {
	if maxWidth <= 0 {
		maxWidth = DefaultImageWidth
	}
	cx, cy, err := imageExtent(data, maxWidth)
	if err != nil {
		b.warnings = append(b.warnings, fmt.Sprintf("image %s: %v, using fallback size", name, err))
	}
	b.drawings++
	relID := fmt.Sprintf("rIdImg%d", b.drawings)
	b.media = append(b.media, mediaPart{relID: relID, name: name, data: data})

	escaped := xmlEscape(name)
	fmt.Fprintf(&b.body,
		`<w:p><w:pPr><w:jc w:val="center"/></w:pPr><w:r><w:drawing>`+
			`<wp:inline distT="0" distB="0" distL="0" distR="0">`+
			`<wp:extent cx="%d" cy="%d"/>`+
			`<wp:docPr id="%d" name="%s"/>`+
			`<a:graphic><a:graphicData uri="http://schemas.openxmlformats.org/drawingml/2006/picture">`+
			`<pic:pic><pic:nvPicPr><pic:cNvPr id="%d" name="%s"/><pic:cNvPicPr/></pic:nvPicPr>`+
			`<pic:blipFill><a:blip r:embed="%s"/><a:stretch><a:fillRect/></a:stretch></pic:blipFill>`+
			`<pic:spPr><a:xfrm><a:off x="0" y="0"/><a:ext cx="%d" cy="%d"/></a:xfrm>`+
			`<a:prstGeom prst="rect"><a:avLst/></a:prstGeom></pic:spPr>`+
			`</pic:pic></a:graphicData></a:graphic></wp:inline></w:drawing></w:r></w:p>`,
		cx, cy, b.drawings, escaped, b.drawings, escaped, relID, cx, cy)
}

// imageExtent computes the EMU extent of an image at 96 dpi, capped to
// maxWidth with the aspect ratio preserved.
func imageExtent(data []byte, maxWidth int64) (cx, cy int64, err error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil || cfg.Width <= 0 || cfg.Height <= 0 {
		if err == nil {
			err = fmt.Errorf("empty image dimensions")
		}
		return maxWidth, maxWidth * 3 / 4, err
	}
	cx = int64(cfg.Width) * EMUPerPixel
	cy = int64(cfg.Height) * EMUPerPixel
	if cx > maxWidth {
		cy = cy * maxWidth / cx
		cx = maxWidth
	}
	return cx, cy, nil
}

const documentNamespaces = `xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main" ` +
	`xmlns:r="http://schemas.openxmlformats.org/officeDocument/2006/relationships" ` +
	`xmlns:wp="http://schemas.openxmlformats.org/drawingml/2006/wordprocessingDrawing" ` +
	`xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main" ` +
	`xmlns:pic="http://schemas.openxmlformats.org/drawingml/2006/picture"`

// Bytes assembles the finished package.
func (b *Builder) Bytes() ([]byte, error) {
	var doc strings.Builder
	doc.WriteString(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>`)
	doc.WriteString("<w:document " + documentNamespaces + "><w:body>")
	doc.WriteString(b.body.String())
	doc.WriteString(`<w:sectPr><w:pgSz w:w="12240" w:h="15840"/><w:pgMar w:top="1440" w:right="1440" w:bottom="1440" w:left="1440"/></w:sectPr>`)
	doc.WriteString("</w:body></w:document>")

	parts := map[string][]byte{
		"[Content_Types].xml":          b.contentTypes(),
		"_rels/.rels":                  []byte(packageRels),
		"word/document.xml":            []byte(doc.String()),
		"word/_rels/document.xml.rels": b.documentRels(),
		"word/styles.xml":              []byte(defaultStyles()),
	}
	for _, m := range b.media {
		parts["word/media/"+m.name] = m.data
	}
	return writePackage(parts)
}

// writePackage serializes parts into a zip archive in a stable order.
func writePackage(parts map[string][]byte) ([]byte, error) {
	names := make([]string, 0, len(parts))
	for name := range parts {
		names = append(names, name)
	}
	sort.Strings(names)
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			return nil, fmt.Errorf("docx_zip_entry: %w", err)
		}
		if _, err := w.Write(parts[name]); err != nil {
			return nil, fmt.Errorf("docx_zip_write: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("docx_close: %w", err)
	}
	return buf.Bytes(), nil
}

const packageRels = `<?xml version="1.0" encoding="UTF-8"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
  <Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument" Target="word/document.xml"/>
</Relationships>`

func (b *Builder) documentRels() []byte {
	var rels strings.Builder
	rels.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	rels.WriteString(`<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">`)
	rels.WriteString(`<Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/styles" Target="styles.xml"/>`)
	for _, m := range b.media {
		fmt.Fprintf(&rels,
			`<Relationship Id="%s" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/image" Target="media/%s"/>`,
			m.relID, xmlEscape(m.name))
	}
	rels.WriteString(`</Relationships>`)
	return []byte(rels.String())
}

// MediaContentType maps an image extension to its part content type.
func MediaContentType(ext string) string {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "png":
		return "image/png"
	case "jpg", "jpeg":
		return "image/jpeg"
	case "gif":
		return "image/gif"
	case "bmp":
		return "image/bmp"
	case "tif", "tiff":
		return "image/tiff"
	case "emf":
		return "image/x-emf"
	case "wmf":
		return "image/x-wmf"
	}
	return "application/octet-stream"
}

func (b *Builder) contentTypes() []byte {
	var types strings.Builder
	types.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	types.WriteString(`<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">`)
	types.WriteString(`<Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/>`)
	types.WriteString(`<Default Extension="xml" ContentType="application/xml"/>`)
	seen := map[string]bool{}
	for _, m := range b.media {
		ext := strings.ToLower(strings.TrimPrefix(path.Ext(m.name), "."))
		if ext == "" || seen[ext] {
			continue
		}
		seen[ext] = true
		fmt.Fprintf(&types, `<Default Extension="%s" ContentType="%s"/>`, ext, MediaContentType(ext))
	}
	types.WriteString(`<Override PartName="/word/document.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/>`)
	types.WriteString(`<Override PartName="/word/styles.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.styles+xml"/>`)
	types.WriteString(`</Types>`)
	return []byte(types.String())
}

var headingSizes = [10]int{0, 48, 36, 32, 28, 26, 24, 24, 22, 22}

// defaultStyles builds word/styles.xml with Normal plus bold headings
// for every level.
func defaultStyles() string {
	var styles strings.Builder
	styles.WriteString(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>`)
	styles.WriteString(`<w:styles xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">`)
	styles.WriteString(`<w:style w:type="paragraph" w:default="1" w:styleId="Normal"><w:name w:val="Normal"/><w:rPr><w:sz w:val="24"/><w:szCs w:val="24"/></w:rPr></w:style>`)
	for level := 1; level <= 9; level++ {
		fmt.Fprintf(&styles,
			`<w:style w:type="paragraph" w:styleId="Heading%d">`+
				`<w:name w:val="heading %d"/><w:basedOn w:val="Normal"/><w:next w:val="Normal"/>`+
				`<w:pPr><w:keepNext/><w:spacing w:before="240" w:after="60"/><w:outlineLvl w:val="%d"/></w:pPr>`+
				`<w:rPr><w:b/><w:sz w:val="%d"/><w:szCs w:val="%d"/></w:rPr></w:style>`,
			level, level, level-1, headingSizes[level], headingSizes[level])
	}
	styles.WriteString(`</w:styles>`)
	return styles.String()
}
