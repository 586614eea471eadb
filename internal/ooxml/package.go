// Package ooxml reads WordprocessingML packages at the zip-archive
// level: validation, media parts, relationship tables and the mapping
// from body paragraphs to their embedded images.
package ooxml

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"reportdesk/internal/models"
)

// RequiredMembers are the archive entries every usable document
// package must contain.
var RequiredMembers = []string{
	"word/document.xml",
	"[Content_Types].xml",
	"word/_rels/document.xml.rels",
}

// ValidatePackage checks that the file is a zip archive containing the
// required members. Returns *models.MalformedPackageError on failure.
func ValidatePackage(filePath string) error {
	r, err := zip.OpenReader(filePath)
	if err != nil {
		return &models.MalformedPackageError{Reason: "not a valid document archive"}
	}
	defer r.Close()
	have := make(map[string]bool, len(r.File))
	for _, f := range r.File {
		have[f.Name] = true
	}
	for _, name := range RequiredMembers {
		if !have[name] {
			return &models.MalformedPackageError{Reason: "missing required part " + name}
		}
	}
	return nil
}

// Package holds a document archive fully decompressed in memory.
type Package struct {
	// Parts maps archive entry names to their bytes.
	Parts map[string][]byte
}

// OpenFile reads a document package from disk.
func OpenFile(filePath string) (*Package, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("read package: %w", err)
	}
	return OpenBytes(data)
}

// OpenBytes reads a document package from memory.
func OpenBytes(data []byte) (*Package, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, &models.MalformedPackageError{Reason: "not a valid document archive"}
	}
	parts := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open part %s: %w", f.Name, err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read part %s: %w", f.Name, err)
		}
		parts[f.Name] = content
	}
	for _, name := range RequiredMembers {
		if _, ok := parts[name]; !ok {
			return nil, &models.MalformedPackageError{Reason: "missing required part " + name}
		}
	}
	return &Package{Parts: parts}, nil
}

// Document returns the main document part.
func (p *Package) Document() []byte {
	return p.Parts["word/document.xml"]
}

// Relationship is one entry of a relationship part.
type Relationship struct {
	ID     string `xml:"Id,attr"`
	Type   string `xml:"Type,attr"`
	Target string `xml:"Target,attr"`
}

type relationshipsXML struct {
	Relationships []Relationship `xml:"Relationship"`
}

// Relationships parses word/_rels/document.xml.rels.
func (p *Package) Relationships() ([]Relationship, error) {
	var rels relationshipsXML
	if err := xml.Unmarshal(p.Parts["word/_rels/document.xml.rels"], &rels); err != nil {
		return nil, &models.MalformedPackageError{Reason: "unreadable relationship part"}
	}
	return rels.Relationships, nil
}

// MediaRelationships returns the relationship ids whose target points
// into a media folder, mapped to the target's archive path.
func (p *Package) MediaRelationships() (map[string]string, error) {
	rels, err := p.Relationships()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, rel := range rels {
		if !strings.Contains(rel.Target, "media") {
			continue
		}
		out[rel.ID] = resolveTarget(rel.Target)
	}
	return out, nil
}

// resolveTarget turns a relationship target into an archive entry path.
// Targets are relative to word/ unless they start with a slash.
func resolveTarget(target string) string {
	if strings.HasPrefix(target, "/") {
		return strings.TrimPrefix(target, "/")
	}
	return path.Clean("word/" + target)
}

// MediaPaths lists the archive paths of all media parts, sorted so the
// flattened names assigned to them are deterministic.
func (p *Package) MediaPaths() []string {
	var paths []string
	for name := range p.Parts {
		if strings.HasPrefix(name, "word/media/") && len(p.Parts[name]) > 0 {
			paths = append(paths, name)
		}
	}
	sort.Strings(paths)
	return paths
}

// FlattenedMediaNames assigns every media part a flat filename: the
// basename, with _2, _3... inserted before the extension on collision.
func (p *Package) FlattenedMediaNames() map[string]string {
	names := make(map[string]string)
	taken := make(map[string]bool)
	for _, archivePath := range p.MediaPaths() {
		base := path.Base(archivePath)
		name := base
		for n := 2; taken[name]; n++ {
			ext := path.Ext(base)
			name = fmt.Sprintf("%s_%d%s", strings.TrimSuffix(base, ext), n, ext)
		}
		taken[name] = true
		names[archivePath] = name
	}
	return names
}

// ExtractMedia writes every media part into destDir under its flattened
// name and returns archive path -> flattened name.
func (p *Package) ExtractMedia(destDir string) (map[string]string, error) {
	names := p.FlattenedMediaNames()
	if len(names) == 0 {
		return names, nil
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	for archivePath, name := range names {
		dst := destDir + string(os.PathSeparator) + name
		if err := os.WriteFile(dst, p.Parts[archivePath], 0o644); err != nil {
			return nil, fmt.Errorf("write media %s: %w", name, err)
		}
	}
	return names, nil
}
