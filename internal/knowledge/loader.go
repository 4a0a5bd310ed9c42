package knowledge

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"
	"golang.org/x/sync/errgroup"
)

// Document is one loaded source file.
type Document struct {
	Source string
	Title  string
	Text   string
}

var supported = map[string]bool{".txt": true, ".md": true, ".html": true, ".htm": true}

// LoadDir reads every supported document under dir. HTML is reduced to its
// readable article text.
func LoadDir(ctx context.Context, dir string, logger *slog.Logger) ([]Document, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && supported[strings.ToLower(filepath.Ext(path))] {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	sort.Strings(paths)

	docs := make([]Document, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			doc, err := loadFile(dir, path)
			if err != nil {
				return err
			}
			docs[i] = doc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := docs[:0]
	for _, d := range docs {
		if strings.TrimSpace(d.Text) == "" {
			logger.Warn("Skipping empty document", "source", d.Source)
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func loadFile(root, path string) (Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read %s: %w", path, err)
	}
	source, err := filepath.Rel(root, path)
	if err != nil {
		source = path
	}
	source = filepath.ToSlash(source)

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".html" && ext != ".htm" {
		return Document{Source: source, Title: titleFromName(path), Text: string(raw)}, nil
	}

	title, text, err := htmlText(raw, path)
	if err != nil {
		return Document{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if title == "" {
		title = titleFromName(path)
	}
	return Document{Source: source, Title: title, Text: text}, nil
}

// htmlText extracts the readable article, falling back to the whole body
// text when readability finds no article.
func htmlText(raw []byte, path string) (string, string, error) {
	pageURL := &url.URL{Scheme: "file", Path: filepath.ToSlash(path)}
	article, err := readability.FromReader(bytes.NewReader(raw), pageURL)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		return strings.TrimSpace(article.Title), article.TextContent, nil
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return "", "", err
	}
	doc.Find("script, style, noscript").Remove()
	return strings.TrimSpace(doc.Find("title").First().Text()), doc.Find("body").Text(), nil
}

func titleFromName(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return strings.TrimSpace(strings.NewReplacer("_", " ", "-", " ").Replace(name))
}

// Chunks splits documents into index chunks.
func Chunks(docs []Document, size, overlap int) []Chunk {
	var out []Chunk
	for _, d := range docs {
		for i, text := range SplitText(d.Text, size, overlap) {
			out = append(out, Chunk{
				ID:     fmt.Sprintf("%s#%d", d.Source, i),
				Source: d.Source,
				Title:  d.Title,
				Text:   text,
			})
		}
	}
	return out
}

// IndexDir loads, chunks and indexes every document under dir and returns
// the number of chunks added.
func IndexDir(ctx context.Context, idx *Index, dir string, size, overlap int, logger *slog.Logger) (int, error) {
	docs, err := LoadDir(ctx, dir, logger)
	if err != nil {
		return 0, err
	}
	chunks := Chunks(docs, size, overlap)
	if err := idx.Add(chunks...); err != nil {
		return 0, err
	}
	if logger != nil {
		logger.Info("Indexed knowledge base", "dir", dir, "documents", len(docs), "chunks", len(chunks))
	}
	return len(chunks), nil
}
