package orchestrator

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAudioLibraryRoundTrip(t *testing.T) {
	lib := newTestLibrary(t, testManifest, map[string]int{"klariqo_pricing1.1.mp3": 3211})

	asset, ok := lib.Lookup("klariqo_pricing1.1.mp3")
	if !ok {
		t.Fatal("Expected asset to be loaded")
	}
	if asset.Transcript != "Our plans start at 3000 minutes a month." {
		t.Errorf("Unexpected transcript %q", asset.Transcript)
	}
	if asset.Category != "pricing" {
		t.Errorf("Expected category 'pricing', got %q", asset.Category)
	}
	if len(asset.Data) != 3211 {
		t.Errorf("Expected 3211 bytes, got %d", len(asset.Data))
	}

	onDisk, _ := os.ReadFile(filepath.Join(filepath.Dir(lib.manifestPath), "klariqo_pricing1.1.mp3"))
	if !bytes.Equal(onDisk, asset.Data) {
		t.Error("Expected preloaded bytes to match the file")
	}

	if lib.Has("missing.mp3") {
		t.Error("Expected unknown file to be absent")
	}
	if got := lib.Files(); len(got) != 3 || got[0] != "goodbye_thanks1.mp3" {
		t.Errorf("Unexpected file list %v", got)
	}
}

func TestAudioLibraryCatalog(t *testing.T) {
	lib := newTestLibrary(t, testManifest, nil)
	catalog := lib.Catalog()

	for _, want := range []string{
		"# PRICING\nklariqo_pricing1.1.mp3 | Our plans start at 3000 minutes a month.\n",
		"# INTRODUCTIONS\n",
		"# CLOSING\n",
	} {
		if !strings.Contains(catalog, want) {
			t.Errorf("Expected catalog to contain %q, got:\n%s", want, catalog)
		}
	}
	if strings.Contains(strings.ToLower(catalog), QuickResponsesCategory) {
		t.Error("Expected quick responses to stay out of the catalog")
	}
}

func TestAudioLibraryQuickResponse(t *testing.T) {
	manifest := map[string]map[string]string{
		"answers": {"a.mp3": "A", "b.mp3": "B"},
		QuickResponsesCategory: {
			"answer":       "a.mp3",
			"wrong answer": "b.mp3",
			"ghost":        "nope.mp3",
		},
	}
	lib := newTestLibrary(t, manifest, nil)

	if f, ok := lib.QuickResponse("That is the WRONG answer"); !ok || f != "b.mp3" {
		t.Errorf("Expected longest phrase to win with b.mp3, got %q (ok=%v)", f, ok)
	}
	if f, ok := lib.QuickResponse("the answer please"); !ok || f != "a.mp3" {
		t.Errorf("Expected a.mp3, got %q", f)
	}
	if _, ok := lib.QuickResponse("ghost"); ok {
		t.Error("Expected a phrase pointing at an unknown file to be skipped")
	}
	if lib.Stats().Quick != 2 {
		t.Errorf("Expected 2 quick responses, got %d", lib.Stats().Quick)
	}
}

func TestAudioLibraryReloadReplacesIndex(t *testing.T) {
	lib := newTestLibrary(t, testManifest, nil)
	dir := filepath.Dir(lib.manifestPath)

	manifest := map[string]map[string]string{
		"pricing": {"new_pricing.mp3": "New prices."},
	}
	if err := os.WriteFile(filepath.Join(dir, "new_pricing.mp3"), []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}
	raw, _ := json.Marshal(manifest)
	if err := os.WriteFile(lib.manifestPath, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := lib.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if !lib.Has("new_pricing.mp3") {
		t.Error("Expected new file after reload")
	}
	if lib.Has("klariqo_pricing1.1.mp3") {
		t.Error("Expected old files to be gone after reload")
	}

	if err := os.WriteFile(lib.manifestPath, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := lib.Reload(); err == nil {
		t.Fatal("Expected a parse error")
	}
	if !lib.Has("new_pricing.mp3") {
		t.Error("Expected the previous index to survive a failed reload")
	}
}

func TestAudioLibraryMissingFiles(t *testing.T) {
	lib := newTestLibrary(t, testManifest, nil)
	if err := os.Remove(filepath.Join(filepath.Dir(lib.manifestPath), "goodbye_thanks1.mp3")); err != nil {
		t.Fatal(err)
	}
	if err := lib.Reload(); err != nil {
		t.Fatalf("Expected missing files to be tolerated, got %v", err)
	}
	stats := lib.Stats()
	if stats.Files != 2 || len(stats.Missing) != 1 || stats.Missing[0] != "goodbye_thanks1.mp3" {
		t.Errorf("Unexpected stats %+v", stats)
	}
	if _, ok := lib.QuickResponse("bye bye"); ok {
		t.Error("Expected quick response to a missing file to be dropped")
	}
}

func TestAudioLibraryNotLoaded(t *testing.T) {
	lib := NewAudioLibrary("/nonexistent/manifest.json", "/nonexistent", nil)
	if lib.Has("a.mp3") || lib.Catalog() != "" || lib.Files() != nil {
		t.Error("Expected an empty library before the first load")
	}
	if err := lib.Reload(); err == nil {
		t.Error("Expected an error for a missing manifest")
	}
}
