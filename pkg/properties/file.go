package properties

import (
	"bufio"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Encode writes values as sorted "key=value" lines. When keys is non-nil only
// those keys are written; missing ones are skipped.
func Encode(w io.Writer, values map[string]string, keys []string) error {
	selected := slices.Sorted(maps.Keys(values))
	if keys != nil {
		selected = selected[:0]
		for _, k := range slices.Sorted(slices.Values(keys)) {
			if _, ok := values[k]; ok && !slices.Contains(selected, k) {
				selected = append(selected, k)
			}
		}
	}

	bw := bufio.NewWriter(w)
	for _, k := range selected {
		if _, err := fmt.Fprintf(bw, "%s=%s\n", escape(k, true), escape(values[k], false)); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Decode parses a file written by Encode. Blank lines and lines starting with '#' are ignored.
func Decode(r io.Reader) (map[string]string, error) {
	out := make(map[string]string)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if strings.TrimSpace(text) == "" || strings.HasPrefix(text, "#") {
			continue
		}
		sep := separatorIndex(text)
		if sep < 0 {
			return nil, fmt.Errorf("line %d: missing '='", line)
		}
		out[unescape(text[:sep])] = unescape(text[sep+1:])
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// WriteFile writes the encoded values to path through a temporary file and rename,
// so readers never observe a partially written file.
func WriteFile(path string, values map[string]string, keys []string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := Encode(tmp, values, keys); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o640); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadFile reads a properties file written by WriteFile.
func ReadFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// escape encodes s for one line. A key starting with a comment marker is escaped
// so the line is not read back as a comment.
func escape(s string, key bool) string {
	var sb strings.Builder
	for i, r := range s {
		switch r {
		case '#', '!':
			if key && i == 0 {
				sb.WriteByte('\\')
			}
			sb.WriteRune(r)
		case '\\':
			sb.WriteString(`\\`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case '=':
			if key {
				sb.WriteString(`\=`)
			} else {
				sb.WriteRune(r)
			}
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i == len(s)-1 {
			sb.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 'n':
			sb.WriteByte('\n')
		case 'r':
			sb.WriteByte('\r')
		default:
			sb.WriteByte(s[i])
		}
	}
	return sb.String()
}

// separatorIndex finds the first '=' not preceded by an escaping backslash.
func separatorIndex(line string) int {
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '\\':
			i++
		case '=':
			return i
		}
	}
	return -1
}
