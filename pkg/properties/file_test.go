package properties

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEncodeSortedAndFiltered(t *testing.T) {
	values := map[string]string{
		"port":     "5432",
		"host":     "db-01",
		"db.user":  "app",
		"password": "secret",
	}

	var all bytes.Buffer
	if err := Encode(&all, values, nil); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	want := "db.user=app\nhost=db-01\npassword=secret\nport=5432\n"
	if all.String() != want {
		t.Errorf("Expected:\n%s\ngot:\n%s", want, all.String())
	}

	var filtered bytes.Buffer
	if err := Encode(&filtered, values, []string{"port", "missing", "host", "port"}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if filtered.String() != "host=db-01\nport=5432\n" {
		t.Errorf("Expected filtered keys only, got: %q", filtered.String())
	}

	var none bytes.Buffer
	if err := Encode(&none, values, []string{}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if none.Len() != 0 {
		t.Errorf("Expected empty filter to write nothing, got: %q", none.String())
	}
}

func TestEncodeDecodeEscapes(t *testing.T) {
	values := map[string]string{
		"a=b":    "x",
		"motd":   "line one\nline two",
		"path":   `C:\deploy`,
		"equals": "k=v",
		"empty":  "",
		"#tag":   "hash",
		"!bang":  "bang",
		"a#b":    "#not-a-comment",
	}

	var buf bytes.Buffer
	if err := Encode(&buf, values, nil); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if strings.Count(buf.String(), "\n") != len(values) {
		t.Fatalf("Expected one line per value, got: %q", buf.String())
	}

	if !strings.Contains(buf.String(), "\\#tag=hash\n") || !strings.Contains(buf.String(), "a#b=#not-a-comment\n") {
		t.Errorf("Expected only a leading comment marker in keys to be escaped, got: %q", buf.String())
	}

	decoded, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(decoded) != len(values) {
		t.Errorf("Expected %d values, got: %d", len(values), len(decoded))
	}
	for k, v := range values {
		if decoded[k] != v {
			t.Errorf("Expected %q=%q, got: %q", k, v, decoded[k])
		}
	}
}

func TestDecodeErrors(t *testing.T) {
	if _, err := Decode(strings.NewReader("# comment\n\nvalid=1\nbroken\n")); err == nil {
		t.Fatal("Expected error for line without separator")
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prod", "web", "install.properties")

	if err := WriteFile(path, map[string]string{"k": "v1"}, nil); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := WriteFile(path, map[string]string{"k": "v2"}, nil); err != nil {
		t.Fatalf("Expected overwrite to succeed, got: %v", err)
	}

	got, err := ReadFile(path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got["k"] != "v2" {
		t.Errorf("Expected v2, got: %q", got["k"])
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected temp files to be cleaned up, got %d entries", len(entries))
	}
}
