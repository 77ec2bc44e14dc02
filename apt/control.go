package apt

import (
	"bufio"
	"io"
	"strings"
)

// Paragraph is one stanza of a Debian control-format file: key/value fields
// with continuation lines. Keys are case-insensitive and stored lower-cased.
//
// Reference: https://www.debian.org/doc/debian-policy/ch-controlfields.html#syntax-of-control-files
type Paragraph map[string]string

// Get looks up a field by its canonical (any-cased) name.
func (p Paragraph) Get(key string) string {
	return p[strings.ToLower(key)]
}

// parseParagraphs scans control-format content into its stanzas. Paragraphs
// are separated by blank lines; a field value continues on lines starting
// with a space or tab (the Description pseudo-field relies on this). PGP
// armor framing, as found in InRelease files, is skipped.
func parseParagraphs(r io.Reader) ([]Paragraph, error) {
	scanner := bufio.NewScanner(r)
	// Packages files contain very long Depends lines.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var paragraphs []Paragraph
	var cur Paragraph
	var curKey string

	for scanner.Scan() {
		line := scanner.Text()

		if line == "-----BEGIN PGP SIGNED MESSAGE-----" {
			// Armor header plus the following hash line and blank line.
			continue
		}
		if line == "-----BEGIN PGP SIGNATURE-----" {
			break
		}
		if strings.HasPrefix(line, "Hash:") && cur == nil {
			continue
		}

		if strings.TrimSpace(line) == "" {
			cur = nil
			curKey = ""
			continue
		}

		if (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")) && curKey != "" {
			cur[curKey] += "\n" + strings.TrimSpace(line)
			continue
		}

		idx := strings.Index(line, ":")
		if idx == -1 {
			// Stray line without a field; tolerated like the previous
			// implementation did.
			continue
		}
		if cur == nil {
			cur = make(Paragraph)
			paragraphs = append(paragraphs, cur)
		}
		curKey = strings.ToLower(strings.TrimSpace(line[:idx]))
		cur[curKey] = strings.TrimSpace(line[idx+1:])
	}
	return paragraphs, scanner.Err()
}
