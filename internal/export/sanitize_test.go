package export

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		maxLen int
		want   string
	}{
		{"control chars", " A\nB\rC\tD\x00 ", 100, "ABCD"},
		{"allowed chars", "Az09 -_.,()", 100, "Az09 -_.,()"},
		{"disallowed", "route<>|\"7", 100, "route____7"},
		{"max length", "abcdefghijklmnopqrstuvwxyz", 10, "abcdefghij"},
		{"unicode letters", "Straße 12", 0, "Straße 12"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeName(tt.in, tt.maxLen); got != tt.want {
				t.Errorf("SanitizeName(%q, %d) = %q, want %q", tt.in, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestReportBaseName(t *testing.T) {
	tests := map[string]string{
		"/videos/Route 7 (am).mp4": "Route_7_(am)",
		"clip.MOV":                 "clip",
		"/videos/<>.mp4":           "__",
		"":                         "video",
	}
	for in, want := range tests {
		if got := ReportBaseName(in); got != want {
			t.Errorf("ReportBaseName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidateOutputDir(t *testing.T) {
	tmp := t.TempDir()
	file := filepath.Join(tmp, "file.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := ValidateOutputDir(tmp); err != nil {
		t.Fatalf("ValidateOutputDir(%q) error = %v", tmp, err)
	}
	for _, bad := range []string{"", filepath.Join(tmp, "missing"), "/tmp/../etc", tmp + "/", file} {
		if err := ValidateOutputDir(bad); !errors.Is(err, ErrBadOutputDir) {
			t.Errorf("ValidateOutputDir(%q) = %v, want ErrBadOutputDir", bad, err)
		}
	}
}
