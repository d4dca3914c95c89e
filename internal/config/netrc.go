package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// NetrcEntry is one machine (or default) block of a netrc file.
type NetrcEntry struct {
	Machine  string
	Login    string
	Password string
	Account  string
}

// Netrc holds parsed credentials. It satisfies protocol.Credentials.
type Netrc struct {
	entries map[string]*NetrcEntry
	Default *NetrcEntry
}

// NetrcPath returns ~/.netrc, or %USERPROFILE%\_netrc on Windows.
func NetrcPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	if runtime.GOOS == "windows" {
		return filepath.Join(home, "_netrc")
	}
	return filepath.Join(home, ".netrc")
}

// ParseNetrc reads the netrc file at path.
func ParseNetrc(path string) (*Netrc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening netrc file: %w", err)
	}
	return parseNetrc(string(data))
}

// parseNetrc walks the token stream; entries may span several lines and
// macdef bodies run until the next blank line.
func parseNetrc(data string) (*Netrc, error) {
	n := &Netrc{entries: make(map[string]*NetrcEntry)}
	var current *NetrcEntry

	lines := strings.Split(strings.ReplaceAll(data, "\r\n", "\n"), "\n")
	inMacro := false

	var tokens []string
	for _, line := range lines {
		if inMacro {
			if strings.TrimSpace(line) == "" {
				inMacro = false
			}
			continue
		}
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		lineTokens := tokenizeLine(line)
		for i, tok := range lineTokens {
			if strings.ToLower(tok) == "macdef" {
				// The macro name is on this line; the body follows.
				inMacro = true
				lineTokens = lineTokens[:i]
				break
			}
		}
		tokens = append(tokens, lineTokens...)
	}

	for i := 0; i < len(tokens); i++ {
		key := strings.ToLower(tokens[i])
		value := func() (string, error) {
			if i+1 >= len(tokens) {
				return "", fmt.Errorf("netrc: missing value for %q", key)
			}
			i++
			return tokens[i], nil
		}

		switch key {
		case "machine":
			host, err := value()
			if err != nil {
				return nil, err
			}
			current = &NetrcEntry{Machine: host}
			n.entries[strings.ToLower(host)] = current
		case "default":
			current = &NetrcEntry{}
			n.Default = current
		case "login", "password", "account":
			v, err := value()
			if err != nil {
				return nil, err
			}
			if current == nil {
				return nil, fmt.Errorf("netrc: %q before any machine", key)
			}
			switch key {
			case "login":
				current.Login = v
			case "password":
				current.Password = v
			default:
				current.Account = v
			}
		}
	}

	return n, nil
}

// tokenizeLine splits on whitespace, honouring double quotes and
// backslash escapes.
func tokenizeLine(line string) []string {
	var tokens []string
	var current strings.Builder
	inQuote, escaped, hasToken := false, false, false

	for _, r := range line {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
			hasToken = true
		case r == '"':
			inQuote = !inQuote
			hasToken = true
		case (r == ' ' || r == '\t') && !inQuote:
			if hasToken {
				tokens = append(tokens, current.String())
				current.Reset()
				hasToken = false
			}
		default:
			current.WriteRune(r)
			hasToken = true
		}
	}
	if hasToken {
		tokens = append(tokens, current.String())
	}
	return tokens
}

// LoadNetrc parses path, or the default location when path is empty. A
// missing default file yields an empty Netrc.
func LoadNetrc(path string) (*Netrc, error) {
	explicit := path != ""
	if !explicit {
		path = NetrcPath()
	}
	n, err := ParseNetrc(path)
	if err != nil && !explicit && errors.Is(err, os.ErrNotExist) {
		return &Netrc{entries: make(map[string]*NetrcEntry)}, nil
	}
	return n, err
}

// FindEntry returns the entry for host, falling back to default.
func (n *Netrc) FindEntry(host string) *NetrcEntry {
	if n == nil {
		return nil
	}
	if e, ok := n.entries[strings.ToLower(host)]; ok {
		return e
	}
	return n.Default
}

// Credentials returns the login for the host of rawURL. Credentials
// embedded in the URL win.
func (n *Netrc) Credentials(rawURL string) (user, password string, ok bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", false
	}
	if u.User != nil {
		pass, _ := u.User.Password()
		return u.User.Username(), pass, true
	}

	e := n.FindEntry(u.Hostname())
	if e == nil || e.Login == "" {
		return "", "", false
	}
	return e.Login, e.Password, true
}

// Len returns the number of machine entries.
func (n *Netrc) Len() int {
	if n == nil {
		return 0
	}
	return len(n.entries)
}
