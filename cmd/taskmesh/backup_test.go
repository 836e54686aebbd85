package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSplitArchivePath(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantRel string
		wantOK  bool
	}{
		{"simple file", "taskmesh-data/taskmesh.db", "taskmesh.db", true},
		{"nested path", "taskmesh-data/nats/jetstream/store.db", "nats/jetstream/store.db", true},
		{"directory with slash", "taskmesh-data/nats/", "nats", true},
		{"leading dot-slash", "./taskmesh-data/taskmesh.db", "taskmesh.db", true},
		{"leading slash", "/taskmesh-data/taskmesh.db", "taskmesh.db", true},
		{"bare root name", "taskmesh-data", "", false},
		{"bare root dir", "taskmesh-data/", "", false},
		{"foreign prefix", "other-data/file.txt", "", false},
		{"path escape", "taskmesh-data/../etc/passwd", "", false},
		{"empty string", "", "", false},
		{"just a slash", "/", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rel, ok := splitArchivePath(tt.input)
			if ok != tt.wantOK {
				t.Errorf("splitArchivePath(%q) ok = %v, want %v", tt.input, ok, tt.wantOK)
			}
			if rel != tt.wantRel {
				t.Errorf("splitArchivePath(%q) rel = %q, want %q", tt.input, rel, tt.wantRel)
			}
		})
	}
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		bytes int64
		want  string
	}{
		{0, "0 bytes"},
		{512, "512 bytes"},
		{1023, "1023 bytes"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
		{1073741824, "1.0 GB"},
		{1610612736, "1.5 GB"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := formatSize(tt.bytes)
			if got != tt.want {
				t.Errorf("formatSize(%d) = %q, want %q", tt.bytes, got, tt.want)
			}
		})
	}
}

func TestArchiveRoundTrip(t *testing.T) {
	src := t.TempDir()
	files := map[string]string{
		"taskmesh.db":              "sqlite-data",
		"nats/jetstream/stream.db": "stream-data",
		"nats/server.pid":          "1234",
	}
	for name, content := range files {
		p := filepath.Join(src, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	archive := filepath.Join(t.TempDir(), "backup.tar.zst")
	count, err := writeArchive(src, archive)
	if err != nil {
		t.Fatal(err)
	}
	if count != len(files) {
		t.Fatalf("expected %d files archived, got %d", len(files), count)
	}

	dst := filepath.Join(t.TempDir(), "restored")
	restored, err := extractArchive(archive, dst)
	if err != nil {
		t.Fatal(err)
	}
	if restored != len(files) {
		t.Fatalf("expected %d files restored, got %d", len(files), restored)
	}

	for name, content := range files {
		data, err := os.ReadFile(filepath.Join(dst, filepath.FromSlash(name)))
		if err != nil {
			t.Fatalf("restored %s: %v", name, err)
		}
		if string(data) != content {
			t.Errorf("restored %s = %q, want %q", name, data, content)
		}
	}
}

func TestWriteArchiveMissingDataDir(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "backup.tar.zst")
	if _, err := writeArchive(filepath.Join(t.TempDir(), "absent"), archive); err == nil {
		t.Fatal("expected error for missing data dir")
	}
}

func TestExtractArchiveInvalidZstd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.tar.zst")
	os.WriteFile(path, []byte("not zstd data"), 0o644)

	if _, err := extractArchive(path, t.TempDir()); err == nil {
		t.Fatal("expected error for invalid zstd data")
	}
}

func TestExtractArchiveMissingFile(t *testing.T) {
	if _, err := extractArchive("/nonexistent/file.tar.zst", t.TempDir()); err == nil {
		t.Fatal("expected error for nonexistent file")
	}
}

func TestDirEmpty(t *testing.T) {
	dir := t.TempDir()
	empty, err := dirEmpty(dir)
	if err != nil || !empty {
		t.Fatalf("fresh temp dir: empty=%v err=%v", empty, err)
	}

	os.WriteFile(filepath.Join(dir, "x"), []byte("x"), 0o644)
	empty, err = dirEmpty(dir)
	if err != nil || empty {
		t.Fatalf("populated dir: empty=%v err=%v", empty, err)
	}

	empty, err = dirEmpty(filepath.Join(dir, "missing"))
	if err != nil || !empty {
		t.Fatalf("missing dir: empty=%v err=%v", empty, err)
	}
}
