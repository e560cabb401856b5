package restore

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/tapevault/tapebackarr/internal/tape"
)

// writeTestArchive builds a tiny tar.gz archive at path containing one file.
func writeTestArchive(t *testing.T, path, fileName, content string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	hdr := &tar.Header{
		Name: fileName,
		Mode: 0644,
		Size: int64(len(content)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatalf("write tar header: %v", err)
	}
	if _, err := tw.Write([]byte(content)); err != nil {
		t.Fatalf("write tar body: %v", err)
	}
}

func TestExtractRestoresFileContent(t *testing.T) {
	mountDir := t.TempDir()
	destDir := t.TempDir()

	archiveName := "job1_20250115T100000Z.tar.gz"
	writeTestArchive(t, filepath.Join(mountDir, archiveName), "one.txt", "hello tape")

	svc := NewService(tape.NewLTFSService("/dev/nst0", mountDir), nil)

	files, bytes, err := svc.Extract(context.Background(), archiveName, destDir)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if files != 1 {
		t.Errorf("expected 1 file restored, got %d", files)
	}
	if bytes != int64(len("hello tape")) {
		t.Errorf("expected %d bytes restored, got %d", len("hello tape"), bytes)
	}

	got, err := os.ReadFile(filepath.Join(destDir, "one.txt"))
	if err != nil {
		t.Fatalf("read restored file: %v", err)
	}
	if string(got) != "hello tape" {
		t.Errorf("restored content = %q, want %q", got, "hello tape")
	}
}

func TestExtractRejectsPathEscape(t *testing.T) {
	mountDir := t.TempDir()
	destDir := t.TempDir()

	archiveName := "evil.tar.gz"
	f, err := os.Create(filepath.Join(mountDir, archiveName))
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	_ = tw.WriteHeader(&tar.Header{Name: "../../etc/passwd", Mode: 0644, Size: 0})
	tw.Close()
	gz.Close()
	f.Close()

	svc := NewService(tape.NewLTFSService("/dev/nst0", mountDir), nil)
	if _, _, err := svc.Extract(context.Background(), archiveName, destDir); err == nil {
		t.Error("expected Extract to reject a path-escaping tar entry")
	}
}
