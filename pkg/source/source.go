// Package source enumerates input documents and parses them into raw field
// values. The pipeline never writes to a source.
package source

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrUnsupported is returned for documents of an unknown kind.
var ErrUnsupported = errors.New("unsupported document")

// Kind is the source type of a document.
type Kind string

const (
	KindFindingAid    Kind = "findingaid"
	KindPersonRecords Kind = "person-records"
	KindServices      Kind = "services"
)

// Document is a reference to one input document.
type Document struct {
	Path string `json:"path"`
	Kind Kind   `json:"kind"`
	// Service is the code of the publishing service the document comes from,
	// when the source knows it.
	Service string `json:"service,omitempty"`
}

// Open opens the document for reading.
func (d Document) Open() (io.ReadCloser, error) {
	return os.Open(d.Path)
}

// Hash returns the hex SHA-1 of the document content.
func (d Document) Hash() (string, error) {
	f, err := d.Open()
	if err != nil {
		return "", err
	}
	defer f.Close()
	return hashReader(f)
}

func hashReader(r io.Reader) (string, error) {
	h := sha1.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// KindOf guesses the kind of a document from its file name.
func KindOf(path string) (Kind, bool) {
	name := strings.ToLower(filepath.Base(path))
	switch {
	case strings.HasSuffix(name, ".services.csv"):
		return KindServices, true
	case strings.HasSuffix(name, ".csv"):
		return KindPersonRecords, true
	case strings.HasSuffix(name, ".json"):
		return KindFindingAid, true
	}
	return "", false
}

// Dir is a document source made of files and directory trees.
type Dir struct {
	Roots []string
	// Service overrides the service hint of every document. When empty, the
	// name of a document's parent directory is used for documents found
	// below a root directory.
	Service string
}

// Documents walks the roots and returns the documents they contain, service
// directories first, then sorted by path. Calling it again restarts the
// enumeration.
func (d Dir) Documents() ([]Document, error) {
	var docs []Document
	for _, root := range d.Roots {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("cannot read source %s: %w", root, err)
		}

		if !info.IsDir() {
			kind, ok := KindOf(root)
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnsupported, root)
			}
			docs = append(docs, Document{Path: root, Kind: kind, Service: d.Service})
			continue
		}

		err = filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if entry.IsDir() {
				if path != root && strings.HasPrefix(entry.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			kind, ok := KindOf(path)
			if !ok {
				return nil
			}
			docs = append(docs, Document{Path: path, Kind: kind, Service: d.hint(root, path)})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("cannot walk source %s: %w", root, err)
		}
	}

	sort.SliceStable(docs, func(i, j int) bool {
		if (docs[i].Kind == KindServices) != (docs[j].Kind == KindServices) {
			return docs[i].Kind == KindServices
		}
		return docs[i].Path < docs[j].Path
	})
	return docs, nil
}

func (d Dir) hint(root, path string) string {
	if d.Service != "" {
		return d.Service
	}
	parent := filepath.Dir(path)
	if filepath.Clean(parent) == filepath.Clean(root) {
		return ""
	}
	return filepath.Base(parent)
}
