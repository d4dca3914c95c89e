// Package metalink reads Metalink 4 (RFC 5854) and Metalink 3 documents as
// download lists.
package metalink

import (
	"cmp"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Entry is one downloadable file.
type Entry struct {
	Name     string   // relative output path
	URL      string   // preferred source
	Mirrors  []string // remaining sources, best first
	Size     int64
	Checksum string // "algorithm:hex", empty when no usable hash is listed
}

type document struct {
	XMLName xml.Name `xml:"metalink"`
	Files   []file   `xml:"file"`
	FilesV3 []fileV3 `xml:"files>file"`
}

type file struct {
	Name   string   `xml:"name,attr"`
	Size   int64    `xml:"size"`
	Hashes []hash   `xml:"hash"`
	URLs   []source `xml:"url"`
}

type fileV3 struct {
	Name      string     `xml:"name,attr"`
	Size      int64      `xml:"size"`
	Hashes    []hash     `xml:"verification>hash"`
	Resources []sourceV3 `xml:"resources>url"`
}

type hash struct {
	Type  string `xml:"type,attr"`
	Value string `xml:",chardata"`
}

// source priority runs 1 (best) to 999.
type source struct {
	Priority int    `xml:"priority,attr"`
	URL      string `xml:",chardata"`
}

// sourceV3 preference runs 100 (best) to 1.
type sourceV3 struct {
	Preference int    `xml:"preference,attr"`
	URL        string `xml:",chardata"`
}

// Hash types in order of preference. Metalink 3 spells them without the
// dash, which matches the checksum algorithm names.
var hashPreference = []struct{ metalink, algorithm string }{
	{"sha-512", "sha512"},
	{"sha512", "sha512"},
	{"sha-256", "sha256"},
	{"sha256", "sha256"},
	{"sha-1", "sha1"},
	{"sha1", "sha1"},
	{"md5", "md5"},
}

// IsMetalink reports whether filename has a Metalink extension.
func IsMetalink(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return ext == ".metalink" || ext == ".meta4"
}

// ParseFile reads the document at filename.
func ParseFile(filename string) ([]Entry, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("opening metalink file: %w", err)
	}
	defer f.Close()

	return Parse(f)
}

// Parse decodes a document. Files without a usable source or with a name
// that escapes the output directory are rejected.
func Parse(r io.Reader) ([]Entry, error) {
	var doc document
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("parsing metalink XML: %w", err)
	}

	files := doc.Files
	if len(files) == 0 {
		for _, f := range doc.FilesV3 {
			files = append(files, f.normalize())
		}
	}

	entries := make([]Entry, 0, len(files))
	for _, f := range files {
		e, err := f.entry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (f fileV3) normalize() file {
	out := file{Name: f.Name, Size: f.Size, Hashes: f.Hashes}
	for _, r := range f.Resources {
		out.URLs = append(out.URLs, source{
			Priority: max(101-r.Preference, 1),
			URL:      r.URL,
		})
	}
	return out
}

func (f file) entry() (Entry, error) {
	name := filepath.FromSlash(strings.TrimSpace(f.Name))
	if name == "" || !filepath.IsLocal(name) {
		return Entry{}, fmt.Errorf("metalink file name %q is not a local path", f.Name)
	}

	sources := slices.Clone(f.URLs)
	for i := range sources {
		sources[i].URL = strings.TrimSpace(sources[i].URL)
		if sources[i].Priority == 0 {
			sources[i].Priority = 999
		}
	}
	sources = slices.DeleteFunc(sources, func(s source) bool { return s.URL == "" })
	if len(sources) == 0 {
		return Entry{}, fmt.Errorf("metalink file %q has no URL", f.Name)
	}
	slices.SortStableFunc(sources, func(a, b source) int { return cmp.Compare(a.Priority, b.Priority) })

	e := Entry{
		Name:     name,
		URL:      sources[0].URL,
		Size:     f.Size,
		Checksum: f.checksum(),
	}
	for _, s := range sources[1:] {
		e.Mirrors = append(e.Mirrors, s.URL)
	}
	return e, nil
}

func (f file) checksum() string {
	for _, pref := range hashPreference {
		for _, h := range f.Hashes {
			if strings.EqualFold(h.Type, pref.metalink) {
				return pref.algorithm + ":" + strings.ToLower(strings.TrimSpace(h.Value))
			}
		}
	}
	return ""
}
