package docx

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	"reportdesk/internal/ooxml"
)

// Composer appends whole documents onto a base package, carrying over
// styles, media relationships and numbering instead of concatenating
// text. The first document keeps its section formatting.
type Composer struct {
	parts     map[string][]byte
	body      string
	relMax    int
	mediaMax  int
	appended  int
	relAdds   []ooxml.Relationship
	styleIDs  map[string]bool
	styleAdds []string
	ctExts    map[string]string
	numbering bool
}

// relTypesCopied are the relationship types whose body references are
// remapped into the merged document. Part-level relationships such as
// styles and settings stay with the base.
var relTypesCopied = map[string]bool{
	"http://schemas.openxmlformats.org/officeDocument/2006/relationships/image":     true,
	"http://schemas.openxmlformats.org/officeDocument/2006/relationships/hyperlink": true,
}

// NewComposer starts a composition from the base package.
func NewComposer(base *ooxml.Package) (*Composer, error) {
	c := &Composer{
		parts:    make(map[string][]byte, len(base.Parts)),
		styleIDs: map[string]bool{},
		ctExts:   map[string]string{},
	}
	for name, data := range base.Parts {
		c.parts[name] = data
	}
	c.body = string(c.parts["word/document.xml"])

	rels, err := base.Relationships()
	if err != nil {
		return nil, err
	}
	for _, rel := range rels {
		if n := relNumber(rel.ID); n > c.relMax {
			c.relMax = n
		}
	}
	for name := range c.parts {
		if strings.HasPrefix(name, "word/media/") {
			if n := mediaNumber(path.Base(name)); n > c.mediaMax {
				c.mediaMax = n
			}
		}
	}
	for id := range parseStyleBlocks(c.parts["word/styles.xml"]) {
		c.styleIDs[id] = true
	}
	return c, nil
}

var (
	relNumberPattern   = regexp.MustCompile(`^rId(\d+)$`)
	mediaNumberPattern = regexp.MustCompile(`^image(\d+)\.`)
)

func relNumber(id string) int {
	m := relNumberPattern.FindStringSubmatch(id)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

func mediaNumber(name string) int {
	m := mediaNumberPattern.FindStringSubmatch(name)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

// Appended reports how many documents were merged onto the base.
func (c *Composer) Appended() int {
	return c.appended
}

// Append merges the next document into the composition.
func (c *Composer) Append(pkg *ooxml.Package) error {
	body, err := bodyContent(string(pkg.Document()))
	if err != nil {
		return err
	}
	rels, err := pkg.Relationships()
	if err != nil {
		return err
	}
	var remaps [][2]string // old id, new id
	for _, rel := range rels {
		if !relTypesCopied[rel.Type] {
			continue
		}
		c.relMax++
		newID := "rId" + strconv.Itoa(c.relMax)
		newRel := ooxml.Relationship{ID: newID, Type: rel.Type, Target: rel.Target}
		if strings.Contains(rel.Target, "media") {
			archivePath := resolveRelTarget(rel.Target)
			data, ok := pkg.Parts[archivePath]
			if !ok {
				// A dangling media relationship; keep the slot but point
				// it nowhere rather than failing the whole merge.
				continue
			}
			c.mediaMax++
			ext := strings.TrimPrefix(path.Ext(archivePath), ".")
			if ext == "" {
				ext = "png"
			}
			newName := fmt.Sprintf("image%d.%s", c.mediaMax, ext)
			c.parts["word/media/"+newName] = data
			newRel.Target = "media/" + newName
			c.ctExts[strings.ToLower(ext)] = MediaContentType(ext)
		}
		c.relAdds = append(c.relAdds, newRel)
		remaps = append(remaps, [2]string{rel.ID, newID})
	}
	// A freshly assigned id can equal a source id that has not been
	// rewritten yet, so each old id goes through a placeholder token
	// before the final ids land. Quote-delimited matching keeps rId12
	// from matching rId1; NUL never occurs in the XML.
	for i, remap := range remaps {
		body = strings.ReplaceAll(body, `"`+remap[0]+`"`, "\x00"+strconv.Itoa(i)+"\x00")
	}
	for i, remap := range remaps {
		body = strings.ReplaceAll(body, "\x00"+strconv.Itoa(i)+"\x00", `"`+remap[1]+`"`)
	}
	c.mergeStyles(pkg.Parts["word/styles.xml"])
	c.adoptNumbering(pkg)

	insert := `<w:p><w:r><w:br w:type="page"/></w:r></w:p>` + body
	c.body = insertBeforeSection(c.body, insert)
	c.appended++
	return nil
}

// bodyContent returns the inner body XML with any trailing body-level
// section properties removed.
func bodyContent(document string) (string, error) {
	start := strings.Index(document, "<w:body")
	if start < 0 {
		return "", fmt.Errorf("document body missing")
	}
	open := strings.Index(document[start:], ">")
	if open < 0 {
		return "", fmt.Errorf("document body malformed")
	}
	start += open + 1
	end := strings.LastIndex(document, "</w:body>")
	if end < 0 || end < start {
		return "", fmt.Errorf("document body unterminated")
	}
	body := document[start:end]
	return stripTrailingSectPr(body), nil
}

// stripTrailingSectPr removes a body-level <w:sectPr> sitting at the end
// of the body. Section properties nested in paragraphs stay.
func stripTrailingSectPr(body string) string {
	trimmed := strings.TrimRight(body, " \t\r\n")
	if strings.HasSuffix(trimmed, "</w:sectPr>") {
		if open := strings.LastIndex(trimmed, "<w:sectPr"); open >= 0 {
			return trimmed[:open]
		}
	}
	if strings.HasSuffix(trimmed, "/>") {
		if open := strings.LastIndex(trimmed, "<w:sectPr"); open >= 0 && !strings.Contains(trimmed[open:], "</w:sectPr>") {
			return trimmed[:open]
		}
	}
	return body
}

// insertBeforeSection places content before the base body's trailing
// section properties so the merged document keeps one section.
func insertBeforeSection(document, content string) string {
	bodyEnd := strings.LastIndex(document, "</w:body>")
	if bodyEnd < 0 {
		return document + content
	}
	sect := strings.LastIndex(document[:bodyEnd], "<w:sectPr")
	at := bodyEnd
	if sect >= 0 {
		at = sect
	}
	return document[:at] + content + document[at:]
}

func resolveRelTarget(target string) string {
	if strings.HasPrefix(target, "/") {
		return strings.TrimPrefix(target, "/")
	}
	return path.Clean("word/" + target)
}

// mergeStyles collects style definitions absent from the base.
func (c *Composer) mergeStyles(stylesXML []byte) {
	for id, block := range parseStyleBlocks(stylesXML) {
		if c.styleIDs[id] {
			continue
		}
		c.styleIDs[id] = true
		c.styleAdds = append(c.styleAdds, block)
	}
}

var styleIDPattern = regexp.MustCompile(`w:styleId="([^"]+)"`)

// parseStyleBlocks returns styleId -> raw <w:style> block. Style
// elements never nest, so flat scanning is enough.
func parseStyleBlocks(stylesXML []byte) map[string]string {
	blocks := make(map[string]string)
	s := string(stylesXML)
	for from := 0; ; {
		open := strings.Index(s[from:], "<w:style ")
		if open < 0 {
			break
		}
		open += from
		closing := strings.Index(s[open:], "</w:style>")
		if closing < 0 {
			break
		}
		end := open + closing + len("</w:style>")
		block := s[open:end]
		if m := styleIDPattern.FindStringSubmatch(block); m != nil {
			blocks[m[1]] = block
		}
		from = end
	}
	return blocks
}

// adoptNumbering carries a numbering part over when the base has none.
// List ids are document-scoped, so a single part is kept.
func (c *Composer) adoptNumbering(pkg *ooxml.Package) {
	const numberingPart = "word/numbering.xml"
	if _, ok := c.parts[numberingPart]; ok {
		return
	}
	data, ok := pkg.Parts[numberingPart]
	if !ok {
		return
	}
	c.parts[numberingPart] = data
	c.relMax++
	c.relAdds = append(c.relAdds, ooxml.Relationship{
		ID:     "rId" + strconv.Itoa(c.relMax),
		Type:   "http://schemas.openxmlformats.org/officeDocument/2006/relationships/numbering",
		Target: "numbering.xml",
	})
	c.numbering = true
}

// Bytes assembles the merged package.
func (c *Composer) Bytes() ([]byte, error) {
	c.parts["word/document.xml"] = []byte(c.body)

	if len(c.relAdds) > 0 {
		rels := string(c.parts["word/_rels/document.xml.rels"])
		end := strings.LastIndex(rels, "</Relationships>")
		if end < 0 {
			return nil, fmt.Errorf("relationship part unterminated")
		}
		var add strings.Builder
		for _, rel := range c.relAdds {
			fmt.Fprintf(&add, `<Relationship Id="%s" Type="%s" Target="%s"/>`,
				rel.ID, rel.Type, xmlEscape(rel.Target))
		}
		c.parts["word/_rels/document.xml.rels"] = []byte(rels[:end] + add.String() + rels[end:])
	}

	if len(c.styleAdds) > 0 {
		styles := string(c.parts["word/styles.xml"])
		end := strings.LastIndex(styles, "</w:styles>")
		if end >= 0 {
			c.parts["word/styles.xml"] = []byte(styles[:end] + strings.Join(c.styleAdds, "") + styles[end:])
		}
	}

	if err := c.mergeContentTypes(); err != nil {
		return nil, err
	}
	return writePackage(c.parts)
}

// mergeContentTypes unions the default extensions the appended media
// introduced and registers the numbering override when adopted.
func (c *Composer) mergeContentTypes() error {
	ct := string(c.parts["[Content_Types].xml"])
	end := strings.LastIndex(ct, "</Types>")
	if end < 0 {
		return fmt.Errorf("content types part unterminated")
	}
	var add strings.Builder
	if c.numbering && !strings.Contains(ct, "/word/numbering.xml") {
		add.WriteString(`<Override PartName="/word/numbering.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.numbering+xml"/>`)
	}
	for ext, contentType := range c.ctExts {
		if strings.Contains(ct, `Extension="`+ext+`"`) {
			continue
		}
		fmt.Fprintf(&add, `<Default Extension="%s" ContentType="%s"/>`, ext, contentType)
	}
	if add.Len() > 0 {
		c.parts["[Content_Types].xml"] = []byte(ct[:end] + add.String() + ct[end:])
	}
	return nil
}
