package ooxml

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
)

// ParagraphImages maps body paragraph indexes to the flattened names of
// the images embedded in them, in document order. Only direct children
// of the body count as paragraphs, matching how the catalogue addresses
// them; pictures inside table cells are attributed to no paragraph.
// Unresolvable embeds are downgraded to warnings.
func (p *Package) ParagraphImages() (map[int][]string, []string, error) {
	rels, err := p.MediaRelationships()
	if err != nil {
		return nil, nil, err
	}
	names := p.FlattenedMediaNames()

	images := make(map[int][]string)
	var warnings []string
	seen := make(map[string]bool)

	dec := xml.NewDecoder(bytes.NewReader(p.Document()))
	depth := 0
	paraIdx := -1
	inPara := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("parse document: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 3 {
				inPara = t.Name.Local == "p"
				if inPara {
					paraIdx++
					seen = make(map[string]bool)
				}
			}
			if t.Name.Local != "blip" || !inPara || depth < 3 {
				continue
			}
			embed := blipEmbed(t)
			if embed == "" {
				continue
			}
			archivePath, ok := rels[embed]
			if !ok {
				warnings = append(warnings, fmt.Sprintf("paragraph %d references unknown image relationship %s", paraIdx, embed))
				continue
			}
			name, ok := names[archivePath]
			if !ok {
				warnings = append(warnings, fmt.Sprintf("paragraph %d references missing media part %s", paraIdx, archivePath))
				continue
			}
			// Dedup on the flattened name: distinct relationship ids can
			// target the same media part.
			if seen[name] {
				continue
			}
			seen[name] = true
			images[paraIdx] = append(images[paraIdx], name)
		case xml.EndElement:
			if depth == 3 {
				inPara = false
			}
			depth--
		}
	}
	return images, warnings, nil
}

// blipEmbed pulls the relationship id off an a:blip element, accepting
// the linked variant as a fallback.
func blipEmbed(el xml.StartElement) string {
	var link string
	for _, attr := range el.Attr {
		switch attr.Name.Local {
		case "embed":
			return attr.Value
		case "link":
			link = attr.Value
		}
	}
	return link
}
