package metalink

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

func TestParse_Metalink4(t *testing.T) {
	doc := `<?xml version="1.0" encoding="UTF-8"?>
<metalink xmlns="urn:ietf:params:xml:ns:metalink">
  <file name="example.iso">
    <size>731279360</size>
    <hash type="md5">d41d8cd98f00b204e9800998ecf8427e</hash>
    <hash type="sha-256">E3B0C44298FC1C149AFBF4C8996FB92427AE41E4649B934CA495991B7852B855</hash>
    <url priority="3" location="jp">https://mirror3.example.com/example.iso</url>
    <url priority="1" location="us">https://mirror1.example.com/example.iso</url>
    <url location="de">https://mirror2.example.com/example.iso</url>
  </file>
  <file name="docs/readme.txt">
    <url>ftp://ftp.example.com/readme.txt</url>
  </file>
</metalink>`

	entries, err := Parse(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}

	iso := entries[0]
	if iso.Name != "example.iso" {
		t.Errorf("Name = %q, want %q", iso.Name, "example.iso")
	}
	if iso.Size != 731279360 {
		t.Errorf("Size = %d, want 731279360", iso.Size)
	}
	if iso.URL != "https://mirror1.example.com/example.iso" {
		t.Errorf("URL = %q, want the priority 1 mirror", iso.URL)
	}
	wantMirrors := []string{"https://mirror3.example.com/example.iso", "https://mirror2.example.com/example.iso"}
	if !slices.Equal(iso.Mirrors, wantMirrors) {
		t.Errorf("Mirrors = %v, want %v", iso.Mirrors, wantMirrors)
	}
	if want := "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"; iso.Checksum != want {
		t.Errorf("Checksum = %q, want %q", iso.Checksum, want)
	}

	readme := entries[1]
	if readme.Name != filepath.Join("docs", "readme.txt") {
		t.Errorf("Name = %q", readme.Name)
	}
	if readme.Checksum != "" || len(readme.Mirrors) != 0 {
		t.Errorf("readme = %+v, want no checksum and no mirrors", readme)
	}
}

func TestParse_Metalink3(t *testing.T) {
	doc := `<?xml version="1.0" encoding="UTF-8"?>
<metalink version="3.0" xmlns="http://www.metalinker.org/">
  <files>
    <file name="archive.tar.gz">
      <size>1024</size>
      <verification>
        <hash type="md5">d41d8cd98f00b204e9800998ecf8427e</hash>
        <hash type="sha1">da39a3ee5e6b4b0d3255bfef95601890afd80709</hash>
      </verification>
      <resources>
        <url type="http" preference="50">http://slow.example.com/archive.tar.gz</url>
        <url type="http" preference="100">http://fast.example.com/archive.tar.gz</url>
      </resources>
    </file>
  </files>
</metalink>`

	entries, err := Parse(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}

	e := entries[0]
	if e.URL != "http://fast.example.com/archive.tar.gz" {
		t.Errorf("URL = %q, want the preference 100 source", e.URL)
	}
	if want := "sha1:da39a3ee5e6b4b0d3255bfef95601890afd80709"; e.Checksum != want {
		t.Errorf("Checksum = %q, want %q", e.Checksum, want)
	}
	if e.Size != 1024 {
		t.Errorf("Size = %d, want 1024", e.Size)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not xml", "hello"},
		{"no url", `<metalink><file name="a.bin"><size>1</size></file></metalink>`},
		{"blank url", `<metalink><file name="a.bin"><url>  </url></file></metalink>`},
		{"escaping name", `<metalink><file name="../etc/passwd"><url>http://x/a</url></file></metalink>`},
		{"absolute name", `<metalink><file name="/etc/passwd"><url>http://x/a</url></file></metalink>`},
		{"empty name", `<metalink><file name=""><url>http://x/a</url></file></metalink>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(strings.NewReader(tt.doc)); err == nil {
				t.Error("Parse() expected error")
			}
		})
	}
}

func TestChecksumPreference(t *testing.T) {
	tests := []struct {
		hashes []hash
		want   string
	}{
		{nil, ""},
		{[]hash{{"sha-384", "aa"}}, ""},
		{[]hash{{"md5", "AA"}, {"sha-1", "bb"}}, "sha1:bb"},
		{[]hash{{"SHA-256", "cc"}, {"sha-512", "dd"}}, "sha512:dd"},
		{[]hash{{"md5", " ee\n"}}, "md5:ee"},
	}

	for _, tt := range tests {
		if got := (file{Hashes: tt.hashes}).checksum(); got != tt.want {
			t.Errorf("checksum(%v) = %q, want %q", tt.hashes, got, tt.want)
		}
	}
}

func TestIsMetalink(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"file.metalink", true},
		{"file.meta4", true},
		{"FILE.META4", true},
		{"urls.txt", false},
		{"meta4", false},
	}

	for _, tt := range tests {
		if got := IsMetalink(tt.name); got != tt.want {
			t.Errorf("IsMetalink(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "list.meta4")
	doc := `<metalink xmlns="urn:ietf:params:xml:ns:metalink"><file name="a.bin"><url>https://example.com/a.bin</url></file></metalink>`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	entries, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile() error = %v", err)
	}
	if len(entries) != 1 || entries[0].URL != "https://example.com/a.bin" {
		t.Errorf("entries = %+v", entries)
	}

	if _, err := ParseFile(filepath.Join(t.TempDir(), "missing.meta4")); err == nil {
		t.Error("ParseFile() expected error for a missing file")
	}
}
