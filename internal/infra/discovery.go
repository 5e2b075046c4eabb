package infra

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/cculver78/WireWarden/internal/domain"
)

const configExtension = ".conf"

// maxIdentifierLen is the kernel interface-name limit (IFNAMSIZ minus the
// trailing NUL). wg-quick names the interface after the file stem, so a
// longer stem can never come up.
const maxIdentifierLen = 15

// identifierPattern is the filename-safety gate. Identifiers are passed to
// a privileged subprocess and matched against interface names, so only
// unambiguous characters are allowed.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// DirectoryScanner implements domain.ConfigScanner over a single directory.
type DirectoryScanner struct {
	dir string
}

// NewDirectoryScanner creates a scanner for the given tunnels directory.
func NewDirectoryScanner(dir string) *DirectoryScanner {
	return &DirectoryScanner{dir: dir}
}

// Scan reads the directory and returns valid descriptors ordered
// lexicographically by identifier, plus a report for every rejected file.
// An unreadable directory fails the whole scan; no partial results.
func (s *DirectoryScanner) Scan() ([]domain.TunnelDescriptor, []domain.RejectedFile, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, nil, &domain.DiscoveryError{Dir: s.dir, Err: err}
	}

	var descriptors []domain.TunnelDescriptor
	var rejected []domain.RejectedFile

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if filepath.Ext(name) != configExtension {
			continue
		}

		stem := strings.TrimSuffix(name, configExtension)
		if reason := ValidateIdentifier(stem); reason != "" {
			rejected = append(rejected, domain.RejectedFile{Name: name, Reason: reason})
			continue
		}

		path := filepath.Join(s.dir, name)
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		descriptors = append(descriptors, domain.TunnelDescriptor{
			Identifier: stem,
			Path:       path,
		})
	}

	sort.Slice(descriptors, func(i, j int) bool {
		return descriptors[i].Identifier < descriptors[j].Identifier
	})

	return descriptors, rejected, nil
}

// ValidateIdentifier returns an empty string for a usable identifier, or a
// reason naming what is wrong with it.
func ValidateIdentifier(stem string) string {
	if stem == "" {
		return "file has no name before the extension"
	}
	if len(stem) > maxIdentifierLen {
		return fmt.Sprintf("name exceeds %d characters (interface name limit)", maxIdentifierLen)
	}
	if !identifierPattern.MatchString(stem) {
		for _, r := range stem {
			if !isIdentifierRune(r) {
				return fmt.Sprintf("invalid character %q in name", r)
			}
		}
		return "invalid character in name"
	}
	return ""
}

func isIdentifierRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return true
	case r >= 'A' && r <= 'Z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == '_' || r == '-':
		return true
	}
	return false
}

// Ensure DirectoryScanner implements domain.ConfigScanner.
var _ domain.ConfigScanner = (*DirectoryScanner)(nil)
