package eventlog

import (
	"bufio"
	"io"
	"os"
)

// ReadFile parses the log at path into entries in file order. A missing or
// unreadable file yields an empty slice, and lines that do not parse, such
// as a trailing line cut short by a crash, are skipped.
func ReadFile(path string) []Entry {
	f, err := os.Open(path)
	if err != nil {
		return []Entry{}
	}
	defer f.Close()
	return Read(f)
}

// Read parses entries from r, skipping malformed lines.
func Read(r io.Reader) []Entry {
	entries := []Entry{}
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			if e, ok := ParseLine(line); ok {
				entries = append(entries, e)
			}
		}
		if err != nil {
			// io.EOF ends a normal read; any other error leaves us with
			// whatever was readable up to that point.
			return entries
		}
	}
}
