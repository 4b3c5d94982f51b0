// Package versions keeps a bounded history of a pack's flow and manifest
// files under <packDir>/.versions, so dashboard edits can be rolled back.
package versions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/showrun/showrun"
)

const (
	// DirName is the history directory inside a pack.
	DirName = ".versions"
	// DefaultMaxVersions bounds history length; oldest entries are pruned.
	DefaultMaxVersions = 50

	manifestName = "manifest.json"
	manifestVer  = 1
)

// FlowVersion is one saved history entry. Version is the pack manifest's
// semver string at save time, so history shows which pack release each
// flow belonged to.
type FlowVersion struct {
	Number         int    `json:"number"`
	Version        string `json:"version"`
	Timestamp      string `json:"timestamp"`
	Label          string `json:"label,omitempty"`
	Source         string `json:"source"`
	ConversationID string `json:"conversationId,omitempty"`
}

// Manifest is the on-disk history index.
type Manifest struct {
	Version     int           `json:"version"`
	MaxVersions int           `json:"maxVersions"`
	Versions    []FlowVersion `json:"versions"`
}

// SaveOptions annotate a saved version.
type SaveOptions struct {
	Label          string
	Source         string // e.g. "dashboard", "agent"
	ConversationID string
}

// VersionFiles are the raw file contents of one saved version. Taskpack is
// nil for history written before manifests were versioned alongside flows.
type VersionFiles struct {
	Flow     json.RawMessage `json:"flow"`
	Taskpack json.RawMessage `json:"taskpack"`
}

func dir(packDir string) string      { return filepath.Join(packDir, DirName) }
func manifestPath(pd string) string  { return filepath.Join(dir(pd), manifestName) }
func flowPath(pd string, n int) string {
	return filepath.Join(dir(pd), fmt.Sprintf("%d.flow.json", n))
}
func taskpackPath(pd string, n int) string {
	return filepath.Join(dir(pd), fmt.Sprintf("%d.taskpack.json", n))
}

func loadManifest(packDir string) (*Manifest, error) {
	raw, err := os.ReadFile(manifestPath(packDir))
	if os.IsNotExist(err) {
		return &Manifest{Version: manifestVer, MaxVersions: DefaultMaxVersions}, nil
	}
	if err != nil {
		return nil, &showrun.OperationalError{Op: "read version manifest", Err: err}
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, &showrun.OperationalError{Op: "parse version manifest", Err: err}
	}
	if m.MaxVersions <= 0 {
		m.MaxVersions = DefaultMaxVersions
	}
	return &m, nil
}

// writeManifest writes atomically: temp file then rename.
func writeManifest(packDir string, m *Manifest) error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return &showrun.OperationalError{Op: "encode version manifest", Err: err}
	}
	path := manifestPath(packDir)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return &showrun.OperationalError{Op: "write version manifest", Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		return &showrun.OperationalError{Op: "write version manifest", Err: err}
	}
	return nil
}

// packVersion pulls the semver string out of a raw taskpack.json. A
// manifest that does not parse yields "", never an error: version history
// must stay writable while the live manifest is mid-edit.
func packVersion(raw []byte) string {
	var m struct {
		Version string `json:"version"`
	}
	_ = json.Unmarshal(raw, &m)
	return m.Version
}

// SaveVersion snapshots the pack's current flow.json and taskpack.json as a
// new numbered version and appends it to the manifest. History beyond
// MaxVersions is pruned oldest-first; pruning tolerates missing files.
func SaveVersion(packDir string, opts SaveOptions) (FlowVersion, error) {
	flowRaw, err := os.ReadFile(filepath.Join(packDir, showrun.FlowFile))
	if err != nil {
		return FlowVersion{}, &showrun.OperationalError{Op: "read flow.json", Err: err}
	}
	packRaw, err := os.ReadFile(filepath.Join(packDir, showrun.ManifestFile))
	if err != nil {
		return FlowVersion{}, &showrun.OperationalError{Op: "read taskpack.json", Err: err}
	}
	if err := os.MkdirAll(dir(packDir), 0o755); err != nil {
		return FlowVersion{}, &showrun.OperationalError{Op: "create versions dir", Err: err}
	}

	m, err := loadManifest(packDir)
	if err != nil {
		return FlowVersion{}, err
	}
	next := 1
	for _, v := range m.Versions {
		if v.Number >= next {
			next = v.Number + 1
		}
	}

	if err := os.WriteFile(flowPath(packDir, next), flowRaw, 0o644); err != nil {
		return FlowVersion{}, &showrun.OperationalError{Op: "write versioned flow", Err: err}
	}
	if err := os.WriteFile(taskpackPath(packDir, next), packRaw, 0o644); err != nil {
		return FlowVersion{}, &showrun.OperationalError{Op: "write versioned taskpack", Err: err}
	}

	entry := FlowVersion{
		Number:         next,
		Version:        packVersion(packRaw),
		Timestamp:      showrun.NowISO(),
		Label:          opts.Label,
		Source:         opts.Source,
		ConversationID: opts.ConversationID,
	}
	m.Versions = append(m.Versions, entry)

	for len(m.Versions) > m.MaxVersions {
		oldest := m.Versions[0]
		m.Versions = m.Versions[1:]
		_ = os.Remove(flowPath(packDir, oldest.Number))
		_ = os.Remove(taskpackPath(packDir, oldest.Number))
	}

	if err := writeManifest(packDir, m); err != nil {
		return FlowVersion{}, err
	}
	return entry, nil
}

// RestoreVersion copies version n's files back over the live pack files,
// auto-saving the current state first so the restore itself can be undone.
func RestoreVersion(packDir string, n int) error {
	m, err := loadManifest(packDir)
	if err != nil {
		return err
	}
	found := false
	for _, v := range m.Versions {
		if v.Number == n {
			found = true
			break
		}
	}
	if !found {
		return &showrun.ValidationError{Errors: []string{fmt.Sprintf("version %d does not exist", n)}}
	}

	flowRaw, err := os.ReadFile(flowPath(packDir, n))
	if err != nil {
		return &showrun.OperationalError{Op: "read versioned flow", Err: err}
	}
	packRaw, err := os.ReadFile(taskpackPath(packDir, n))
	if err != nil && !os.IsNotExist(err) {
		return &showrun.OperationalError{Op: "read versioned taskpack", Err: err}
	}

	if _, err := SaveVersion(packDir, SaveOptions{
		Label:  fmt.Sprintf("Auto-saved before restoring version %d", n),
		Source: "dashboard",
	}); err != nil {
		return err
	}

	if err := os.WriteFile(filepath.Join(packDir, showrun.FlowFile), flowRaw, 0o644); err != nil {
		return &showrun.OperationalError{Op: "restore flow.json", Err: err}
	}
	if packRaw != nil {
		if err := os.WriteFile(filepath.Join(packDir, showrun.ManifestFile), packRaw, 0o644); err != nil {
			return &showrun.OperationalError{Op: "restore taskpack.json", Err: err}
		}
	}
	return nil
}

// ListVersions returns history entries newest-first. Missing history yields
// an empty slice.
func ListVersions(packDir string) ([]FlowVersion, error) {
	m, err := loadManifest(packDir)
	if err != nil {
		return nil, err
	}
	out := make([]FlowVersion, len(m.Versions))
	copy(out, m.Versions)
	sort.Slice(out, func(i, j int) bool { return out[i].Number > out[j].Number })
	return out, nil
}

// GetVersionFiles returns the raw files of version n. A missing versioned
// taskpack is tolerated: Taskpack comes back nil.
func GetVersionFiles(packDir string, n int) (*VersionFiles, error) {
	flowRaw, err := os.ReadFile(flowPath(packDir, n))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &showrun.ValidationError{Errors: []string{fmt.Sprintf("version %d does not exist", n)}}
		}
		return nil, &showrun.OperationalError{Op: "read versioned flow", Err: err}
	}
	vf := &VersionFiles{Flow: flowRaw}
	packRaw, err := os.ReadFile(taskpackPath(packDir, n))
	if err == nil {
		vf.Taskpack = packRaw
	} else if !os.IsNotExist(err) {
		return nil, &showrun.OperationalError{Op: "read versioned taskpack", Err: err}
	}
	return vf, nil
}
