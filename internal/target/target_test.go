package target

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStat_ExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Report.PDF")
	if err := os.WriteFile(path, make([]byte, 2048), 0644); err != nil {
		t.Fatal(err)
	}

	tg := Stat(path)
	if tg.Size != 2048 {
		t.Errorf("Size = %d, want 2048", tg.Size)
	}
	if tg.ModTime.IsZero() {
		t.Error("ModTime should be set for an existing file")
	}
	if tg.Ext() != "pdf" {
		t.Errorf("Ext() = %q, want pdf", tg.Ext())
	}
	if tg.Name() != "Report.PDF" {
		t.Errorf("Name() = %q, want Report.PDF", tg.Name())
	}
}

func TestStat_MissingFile(t *testing.T) {
	tg := Stat("/does/not/exist/family_photo_2023.zip")
	if tg.SizeKnown() {
		t.Errorf("Size = %d, want UnknownSize", tg.Size)
	}
	if _, ok := tg.Age(time.Now()); ok {
		t.Error("Age() should be unknown for a missing file")
	}
	if tg.Path != "/does/not/exist/family_photo_2023.zip" {
		t.Errorf("Path = %q", tg.Path)
	}
}

func TestStat_Directory(t *testing.T) {
	if tg := Stat(t.TempDir()); tg.SizeKnown() {
		t.Error("a directory should not report a size")
	}
}

func TestTarget_Age(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tg := New("x.zip", 10, now.Add(-48*time.Hour))

	age, ok := tg.Age(now)
	if !ok || age != 48*time.Hour {
		t.Errorf("Age() = %v, %v; want 48h, true", age, ok)
	}
}

func TestTarget_PathDepth(t *testing.T) {
	tests := []struct {
		path string
		want int
	}{
		{"file.zip", 1},
		{"./file.zip", 1},
		{"/home/alice/docs/file.zip", 4},
		{"C/Users/bob/Desktop/a.7z", 5},
	}
	for _, tt := range tests {
		if got := New(tt.path, UnknownSize, time.Time{}).PathDepth(); got != tt.want {
			t.Errorf("PathDepth(%q) = %d, want %d", tt.path, got, tt.want)
		}
	}
}
