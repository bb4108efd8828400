package detector

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadLabels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coco_80_labels_list.txt")
	if err := os.WriteFile(path, []byte("person\r\nbicycle\ncar\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	labels, err := LoadLabels(path, MaxClasses)
	if err != nil {
		t.Fatal(err)
	}
	if labels.Len() != 3 {
		t.Fatalf("Len = %d, want 3", labels.Len())
	}

	tests := []struct {
		id   int
		want string
	}{
		{0, "person"},
		{1, "bicycle"},
		{2, "car"},
		{3, UnknownLabel},
		{-1, UnknownLabel},
	}
	for _, tt := range tests {
		if got := labels.Name(tt.id); got != tt.want {
			t.Errorf("Name(%d) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestLoadLabelsLimit(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 100; i++ {
		b.WriteString("class\n")
	}
	path := filepath.Join(t.TempDir(), "labels.txt")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}

	labels, err := LoadLabels(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	if labels.Len() != MaxClasses {
		t.Errorf("Len = %d, want %d", labels.Len(), MaxClasses)
	}
}

func TestLoadLabelsErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadLabels(filepath.Join(dir, "missing.txt"), MaxClasses); err == nil {
		t.Error("missing file accepted")
	}

	empty := filepath.Join(dir, "empty.txt")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadLabels(empty, MaxClasses); err == nil {
		t.Error("empty file accepted")
	}
}

func TestNilLabels(t *testing.T) {
	var labels *Labels
	if labels.Len() != 0 || labels.Name(0) != UnknownLabel {
		t.Error("nil labels should be empty")
	}
}
