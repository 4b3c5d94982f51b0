package versions

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/showrun/showrun"
)

func newPackDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeLive(t, dir, `{"flow": []}`, `{"id": "p", "version": "1"}`)
	return dir
}

func writeLive(t *testing.T, dir, flow, manifest string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, showrun.FlowFile), []byte(flow), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, showrun.ManifestFile), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestSaveVersionNumbersSequentially(t *testing.T) {
	dir := newPackDir(t)

	v1, err := SaveVersion(dir, SaveOptions{Label: "first", Source: "dashboard"})
	if err != nil {
		t.Fatal(err)
	}
	if v1.Number != 1 || v1.Label != "first" || v1.Source != "dashboard" {
		t.Errorf("v1 = %+v", v1)
	}
	if v1.Version != "1" {
		t.Errorf("v1 pack version = %q, want %q", v1.Version, "1")
	}

	v2, err := SaveVersion(dir, SaveOptions{Source: "agent", ConversationID: "conv-9"})
	if err != nil {
		t.Fatal(err)
	}
	if v2.Number != 2 || v2.ConversationID != "conv-9" {
		t.Errorf("v2 = %+v", v2)
	}

	if _, err := os.Stat(filepath.Join(dir, DirName, "2.flow.json")); err != nil {
		t.Errorf("versioned flow missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, DirName, "2.taskpack.json")); err != nil {
		t.Errorf("versioned taskpack missing: %v", err)
	}
}

func TestSaveVersionMidEditManifest(t *testing.T) {
	// A half-written taskpack.json must not block history; the entry just
	// loses its pack version.
	dir := t.TempDir()
	writeLive(t, dir, `{"flow": []}`, `{"id": "p", "vers`)

	v, err := SaveVersion(dir, SaveOptions{Source: "dashboard"})
	if err != nil {
		t.Fatal(err)
	}
	if v.Version != "" {
		t.Errorf("pack version = %q, want empty", v.Version)
	}
}

func TestSaveVersionPrunesOldest(t *testing.T) {
	dir := newPackDir(t)
	// Shrink the cap so the test stays fast.
	if err := os.MkdirAll(filepath.Join(dir, DirName), 0o755); err != nil {
		t.Fatal(err)
	}
	seed := `{"version": 1, "maxVersions": 3, "versions": []}`
	if err := os.WriteFile(filepath.Join(dir, DirName, "manifest.json"), []byte(seed), 0o644); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		if _, err := SaveVersion(dir, SaveOptions{Label: fmt.Sprintf("save %d", i), Source: "dashboard"}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := ListVersions(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("history len = %d, want 3", len(got))
	}
	if got[0].Number != 5 || got[2].Number != 3 {
		t.Errorf("kept versions = %v", []int{got[0].Number, got[1].Number, got[2].Number})
	}
	for _, n := range []int{1, 2} {
		if _, err := os.Stat(filepath.Join(dir, DirName, fmt.Sprintf("%d.flow.json", n))); !os.IsNotExist(err) {
			t.Errorf("pruned version %d still on disk", n)
		}
	}
}

func TestListVersionsEmpty(t *testing.T) {
	got, err := ListVersions(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("got %v", got)
	}
}

func TestRestoreVersion(t *testing.T) {
	dir := newPackDir(t)
	if _, err := SaveVersion(dir, SaveOptions{Label: "good", Source: "dashboard"}); err != nil {
		t.Fatal(err)
	}

	// Mutate the live files, then roll back.
	writeLive(t, dir, `{"flow": [{"id": "broken"}]}`, `{"id": "p", "version": "2"}`)
	if err := RestoreVersion(dir, 1); err != nil {
		t.Fatal(err)
	}

	flow, _ := os.ReadFile(filepath.Join(dir, showrun.FlowFile))
	if string(flow) != `{"flow": []}` {
		t.Errorf("flow after restore = %s", flow)
	}
	manifest, _ := os.ReadFile(filepath.Join(dir, showrun.ManifestFile))
	if string(manifest) != `{"id": "p", "version": "1"}` {
		t.Errorf("taskpack after restore = %s", manifest)
	}

	// The restore auto-saved the pre-restore state as version 2.
	got, err := ListVersions(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("history = %+v", got)
	}
	auto := got[0]
	if auto.Number != 2 || auto.Label != "Auto-saved before restoring version 1" || auto.Source != "dashboard" {
		t.Errorf("auto-save entry = %+v", auto)
	}
	// The auto-save captured the mutated manifest, so it carries its semver.
	if auto.Version != "2" {
		t.Errorf("auto-save pack version = %q, want %q", auto.Version, "2")
	}
	if got[1].Version != "1" {
		t.Errorf("original pack version = %q, want %q", got[1].Version, "1")
	}
	files, err := GetVersionFiles(dir, 2)
	if err != nil {
		t.Fatal(err)
	}
	if string(files.Flow) != `{"flow": [{"id": "broken"}]}` {
		t.Errorf("auto-saved flow = %s", files.Flow)
	}
}

func TestRestoreVersionMissing(t *testing.T) {
	dir := newPackDir(t)
	err := RestoreVersion(dir, 9)
	var ve *showrun.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("want ValidationError, got %v", err)
	}
	if ve.Error() != "version 9 does not exist" {
		t.Errorf("message = %q", ve.Error())
	}
}

func TestGetVersionFilesLegacyEntry(t *testing.T) {
	// History written before taskpacks were versioned has only the flow file.
	dir := newPackDir(t)
	if err := os.MkdirAll(filepath.Join(dir, DirName), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, DirName, "4.flow.json"), []byte(`{"flow": []}`), 0o644); err != nil {
		t.Fatal(err)
	}

	files, err := GetVersionFiles(dir, 4)
	if err != nil {
		t.Fatal(err)
	}
	if files.Taskpack != nil {
		t.Errorf("legacy taskpack should be nil, got %s", files.Taskpack)
	}
	if string(files.Flow) != `{"flow": []}` {
		t.Errorf("flow = %s", files.Flow)
	}
}

func TestGetVersionFilesMissing(t *testing.T) {
	_, err := GetVersionFiles(t.TempDir(), 1)
	var ve *showrun.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("want ValidationError, got %v", err)
	}
}
