package htmlconv

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	xhtml "golang.org/x/net/html"
)

// ImageRewriter maps an image source in cached chapter HTML to the
// source the merged view should use, copying the underlying file when
// needed. Returning the input leaves the reference untouched.
type ImageRewriter func(src string) string

// CopyImageRewriter rewrites sources below srcPrefix to dstPrefix and
// copies the image file from srcDir to dstDir so the merged view owns
// its images. Failures fall back to the original source.
func CopyImageRewriter(srcPrefix, srcDir, dstPrefix, dstDir string) ImageRewriter {
	return func(src string) string {
		if !strings.HasPrefix(src, srcPrefix) {
			return src
		}
		encoded := strings.TrimPrefix(src, srcPrefix)
		name, err := url.PathUnescape(encoded)
		if err != nil || strings.Contains(name, "/") || strings.Contains(name, "..") {
			return src
		}
		if err := copyFile(filepath.Join(srcDir, name), filepath.Join(dstDir, name)); err != nil {
			return src
		}
		return dstPrefix + encoded
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// CombineHTML joins cached chapter HTML fragments into one document,
// rewriting every image source through rewrite.
func CombineHTML(fragments []string, rewrite ImageRewriter) (string, error) {
	var out strings.Builder
	for _, fragment := range fragments {
		rewritten, err := RewriteImageSources(fragment, rewrite)
		if err != nil {
			return "", err
		}
		out.WriteString(rewritten)
	}
	return out.String(), nil
}

// RewriteImageSources parses the HTML, applies rewrite to every img
// src, and re-serializes the body content.
func RewriteImageSources(content string, rewrite ImageRewriter) (string, error) {
	if rewrite == nil {
		return content, nil
	}
	root, err := xhtml.Parse(strings.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	var visit func(*xhtml.Node)
	visit = func(n *xhtml.Node) {
		if n.Type == xhtml.ElementNode && n.Data == "img" {
			for i, a := range n.Attr {
				if a.Key == "src" {
					n.Attr[i].Val = rewrite(a.Val)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(root)

	body := findBody(root)
	if body == nil {
		return content, nil
	}
	var out strings.Builder
	for c := body.FirstChild; c != nil; c = c.NextSibling {
		if err := xhtml.Render(&out, c); err != nil {
			return "", fmt.Errorf("render html: %w", err)
		}
	}
	return out.String(), nil
}
