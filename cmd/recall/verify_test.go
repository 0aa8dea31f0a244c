package main

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestCollectChunks(t *testing.T) {
	userDir := t.TempDir()
	videos := filepath.Join(userDir, "videos")

	files := []string{
		"2024-05-02/chunk_080000.mp4",
		"2024-05-01/chunk_100000.mp4",
		"2024-05-01/chunk_100000_1.MP4",
		"2024-05-01/.chunk_tmp.mp4",
		"2024-05-01/notes.txt",
	}
	for _, f := range files {
		p := filepath.Join(videos, filepath.FromSlash(f))
		os.MkdirAll(filepath.Dir(p), 0755)
		if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	got, err := collectChunks(userDir, videos, "mp4")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		"videos/2024-05-01/chunk_100000.mp4",
		"videos/2024-05-01/chunk_100000_1.MP4",
		"videos/2024-05-02/chunk_080000.mp4",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("collectChunks() = %v, want %v", got, want)
	}
}

func TestCollectChunks_NoArchive(t *testing.T) {
	userDir := t.TempDir()
	got, err := collectChunks(userDir, filepath.Join(userDir, "videos"), "mp4")
	if err != nil {
		t.Fatalf("missing archive should not fail: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %v, want nothing", got)
	}
}
