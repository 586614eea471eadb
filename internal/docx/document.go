// Package docx models WordprocessingML documents at the level the
// splitting and merging pipeline needs: ordered body nodes, run
// formatting, heading structure, and package writing/composition.
package docx

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"reportdesk/internal/ooxml"
)

// Node is a body-level element: *Paragraph or *Table.
type Node interface {
	node()
}

// Run is a formatted text span.
type Run struct {
	Text      string
	Bold      bool
	Italic    bool
	Underline bool
	// SizeHalfPoints is the font size in half points, 0 when inherited.
	SizeHalfPoints int
	Font           string
	Color          string
}

// Paragraph is a body paragraph with the formatting the splitter clones.
type Paragraph struct {
	StyleID   string
	StyleName string
	// Alignment is the w:jc value, empty when inherited.
	Alignment string
	// FirstLine/FirstLineChars are the w:ind first-line indent attributes.
	FirstLine      string
	FirstLineChars string
	Runs           []Run
	// Images are the flattened media names embedded in this paragraph,
	// in document order.
	Images []string
}

func (*Paragraph) node() {}

// Text returns the paragraph's concatenated run text.
func (p *Paragraph) Text() string {
	var b strings.Builder
	for _, r := range p.Runs {
		b.WriteString(r.Text)
	}
	return b.String()
}

// Table is a body table reduced to its cell text.
type Table struct {
	Rows [][]string
}

func (*Table) node() {}

// Document is a parsed document package.
type Document struct {
	// Nodes are the body-level paragraphs and tables in order.
	Nodes []Node
	// Styles maps style ids to style names from word/styles.xml.
	Styles map[string]string
	// Media maps flattened media names to their bytes.
	Media map[string][]byte
	// Warnings carries downgraded per-artifact failures.
	Warnings []string
}

// OpenFile parses a document package from disk.
func OpenFile(filePath string) (*Document, error) {
	pkg, err := ooxml.OpenFile(filePath)
	if err != nil {
		return nil, err
	}
	return Parse(pkg)
}

// Parse builds the document model from an opened package.
func Parse(pkg *ooxml.Package) (*Document, error) {
	doc := &Document{
		Styles: parseStyles(pkg.Parts["word/styles.xml"]),
		Media:  map[string][]byte{},
	}
	for archivePath, name := range pkg.FlattenedMediaNames() {
		doc.Media[name] = pkg.Parts[archivePath]
	}
	images, warnings, err := pkg.ParagraphImages()
	if err != nil {
		return nil, err
	}
	doc.Warnings = warnings
	if err := doc.parseBody(pkg.Document(), images); err != nil {
		return nil, err
	}
	return doc, nil
}

// parseStyles extracts styleId -> name from word/styles.xml. A missing
// or broken part yields an empty map; heading detection then falls back
// to the style ids themselves.
func parseStyles(data []byte) map[string]string {
	styles := make(map[string]string)
	if len(data) == 0 {
		return styles
	}
	dec := xml.NewDecoder(bytes.NewReader(data))
	var styleID string
	for {
		tok, err := dec.Token()
		if err != nil {
			return styles
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "style":
				styleID = attrValue(t, "styleId")
			case "name":
				if styleID != "" {
					if name := attrValue(t, "val"); name != "" {
						styles[styleID] = name
					}
				}
			}
		case xml.EndElement:
			if t.Name.Local == "style" {
				styleID = ""
			}
		}
	}
}

func attrValue(el xml.StartElement, local string) string {
	for _, attr := range el.Attr {
		if attr.Name.Local == local {
			return attr.Value
		}
	}
	return ""
}

// boolVal interprets an OOXML toggle attribute: present without a value
// means on.
func boolVal(el xml.StartElement) bool {
	v := attrValue(el, "val")
	switch strings.ToLower(v) {
	case "", "1", "true", "on":
		return true
	case "0", "false", "none", "off":
		return false
	}
	return true
}

func (d *Document) parseBody(data []byte, images map[int][]string) error {
	dec := xml.NewDecoder(bytes.NewReader(data))
	depth := 0
	paraIdx := -1

	var para *Paragraph
	var run *Run
	inRunProps := false
	inParaProps := false
	inText := false
	preserveSpace := false

	var table *Table
	var row []string
	var cell strings.Builder
	inCell := false
	cellHasParagraph := false

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("docx_decode: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 3 {
				switch t.Name.Local {
				case "p":
					paraIdx++
					para = &Paragraph{Images: images[paraIdx]}
				case "tbl":
					table = &Table{}
				}
				continue
			}
			switch {
			case para != nil:
				switch t.Name.Local {
				case "pPr":
					inParaProps = true
				case "pStyle":
					if inParaProps {
						para.StyleID = attrValue(t, "val")
						para.StyleName = d.Styles[para.StyleID]
					}
				case "jc":
					if inParaProps && !inRunProps {
						para.Alignment = attrValue(t, "val")
					}
				case "ind":
					if inParaProps {
						para.FirstLine = attrValue(t, "firstLine")
						para.FirstLineChars = attrValue(t, "firstLineChars")
					}
				case "r":
					if !inParaProps {
						run = &Run{}
					}
				case "rPr":
					inRunProps = true
				case "b":
					if run != nil && inRunProps {
						run.Bold = boolVal(t)
					}
				case "i":
					if run != nil && inRunProps {
						run.Italic = boolVal(t)
					}
				case "u":
					if run != nil && inRunProps {
						run.Underline = attrValue(t, "val") != "none"
					}
				case "sz":
					if run != nil && inRunProps {
						run.SizeHalfPoints = atoiSafe(attrValue(t, "val"))
					}
				case "color":
					if run != nil && inRunProps {
						run.Color = attrValue(t, "val")
					}
				case "rFonts":
					if run != nil && inRunProps {
						if f := attrValue(t, "ascii"); f != "" {
							run.Font = f
						} else if f := attrValue(t, "eastAsia"); f != "" {
							run.Font = f
						}
					}
				case "t":
					if run != nil {
						inText = true
						preserveSpace = xmlSpacePreserved(t)
					}
				case "br":
					if run != nil {
						run.Text += "\n"
					}
				case "tab":
					if run != nil {
						run.Text += "\t"
					}
				}
			case table != nil:
				switch t.Name.Local {
				case "tr":
					row = nil
				case "tc":
					inCell = true
					cell.Reset()
					cellHasParagraph = false
				case "p":
					if inCell {
						if cellHasParagraph {
							cell.WriteString("\n")
						}
						cellHasParagraph = true
					}
				case "t":
					if inCell {
						inText = true
						preserveSpace = xmlSpacePreserved(t)
					}
				}
			}
		case xml.EndElement:
			if depth == 3 {
				switch {
				case para != nil:
					d.Nodes = append(d.Nodes, para)
					para = nil
				case table != nil:
					d.Nodes = append(d.Nodes, table)
					table = nil
				}
			} else {
				switch t.Name.Local {
				case "pPr":
					inParaProps = false
				case "rPr":
					inRunProps = false
				case "r":
					if run != nil {
						para.Runs = append(para.Runs, *run)
						run = nil
					}
				case "t":
					inText = false
				case "tc":
					if table != nil && inCell {
						row = append(row, cell.String())
						inCell = false
					}
				case "tr":
					if table != nil {
						table.Rows = append(table.Rows, row)
						row = nil
					}
				}
			}
			depth--
		case xml.CharData:
			if !inText {
				continue
			}
			chunk := string(t)
			if !preserveSpace {
				chunk = strings.ReplaceAll(chunk, "\r", "")
			}
			if run != nil {
				run.Text += chunk
			} else if inCell {
				cell.WriteString(chunk)
			}
		}
	}
	return nil
}

func xmlSpacePreserved(el xml.StartElement) bool {
	for _, attr := range el.Attr {
		if attr.Name.Local == "space" && attr.Value == "preserve" {
			return true
		}
	}
	return false
}

func atoiSafe(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}
