// Package registry owns the on-disk published-artifact state of an instance.
// Entries live under <root>/<format>/<distribution>/<derivative>/<arch>/
// <artifact>/<version>/, each directory holding the package files, an
// entry.json descriptor and the accumulated changelog. Mutations are staged
// in a scratch directory and renamed into place as the final step, so
// concurrent readers always observe either the state fully before or fully
// after a change. Serialization of mutations is the instance worker's job;
// this package only guarantees the atomic visibility of each one.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Entry describes one published artifact.
type Entry struct {
	Format       string   `json:"format"`
	Distribution string   `json:"distribution"`
	Derivative   string   `json:"derivative"`
	Architecture string   `json:"architecture"`
	Name         string   `json:"name"`
	Version      string   `json:"version"` // Full version including release and tag
	Size         int64    `json:"size"`
	Files        []string `json:"files"` // Package file names inside the entry directory
}

// ChangelogEntry is one line of an artifact's accumulated changelog.
type ChangelogEntry struct {
	Author    string `json:"author"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"` // Unix seconds
	Version   string `json:"version"`
}

// Manager exposes list/publish/delete over one instance's registry root.
type Manager struct {
	Root string
}

// NewManager creates a manager rooted at root, creating the directory when
// absent.
func NewManager(root string) (*Manager, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create registry root %s: %w", root, err)
	}
	return &Manager{Root: root}, nil
}

// entryDir is the final location of one entry.
func (m *Manager) entryDir(e *Entry) string {
	return filepath.Join(m.Root, e.Format, e.Distribution, e.Derivative, e.Architecture, e.Name, e.Version)
}

// Formats lists the formats with published content.
func (m *Manager) Formats() ([]string, error) {
	return m.subdirs(m.Root)
}

// Distributions lists the distributions of one format.
func (m *Manager) Distributions(format string) ([]string, error) {
	return m.subdirs(filepath.Join(m.Root, format))
}

// Derivatives lists the derivatives of one distribution.
func (m *Manager) Derivatives(format, distribution string) ([]string, error) {
	return m.subdirs(filepath.Join(m.Root, format, distribution))
}

// List returns every entry of one (format, distribution, derivative), sorted
// by name then version. Reads reflect last-committed state and are safe
// while the instance worker mutates other entries.
func (m *Manager) List(format, distribution, derivative string) ([]*Entry, error) {
	var entries []*Entry

	archDir := filepath.Join(m.Root, format, distribution, derivative)
	architectures, err := m.subdirs(archDir)
	if err != nil {
		return nil, err
	}
	for _, arch := range architectures {
		names, err := m.subdirs(filepath.Join(archDir, arch))
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			versions, err := m.subdirs(filepath.Join(archDir, arch, name))
			if err != nil {
				return nil, err
			}
			for _, version := range versions {
				entry, err := m.readEntry(filepath.Join(archDir, arch, name, version))
				if err != nil {
					return nil, err
				}
				entries = append(entries, entry)
			}
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Name != entries[j].Name {
			return entries[i].Name < entries[j].Name
		}
		return entries[i].Version < entries[j].Version
	})
	return entries, nil
}

// Exists reports whether an entry with this exact coordinate is published.
// The version resolver uses it to detect release collisions.
func (m *Manager) Exists(format, distribution, derivative, architecture, name, version string) (bool, error) {
	entry := &Entry{
		Format: format, Distribution: distribution, Derivative: derivative,
		Architecture: architecture, Name: name, Version: version,
	}
	_, err := os.Stat(filepath.Join(m.entryDir(entry), "entry.json"))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to check registry entry: %w", err)
}

// Publication is one entry plus its package files and changelog message.
type Publication struct {
	Entry     *Entry
	FilesDir  string // Directory holding the files named in Entry.Files
	Author    string
	Message   string
}

// Publish commits a set of publications all-or-nothing: every entry is
// staged completely before the first rename, and a rename failure rolls back
// the renames already done. An entry that already exists is a conflict, not
// an overwrite.
func (m *Manager) Publish(pubs []*Publication) error {
	stage := filepath.Join(m.Root, ".stage-"+uuid.New().String())
	if err := os.MkdirAll(stage, 0755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stage)

	// Stage every entry first; nothing is visible yet
	staged := make([]string, len(pubs))
	for i, pub := range pubs {
		exists, err := m.Exists(pub.Entry.Format, pub.Entry.Distribution, pub.Entry.Derivative,
			pub.Entry.Architecture, pub.Entry.Name, pub.Entry.Version)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("registry entry %s %s already exists in %s/%s/%s/%s",
				pub.Entry.Name, pub.Entry.Version, pub.Entry.Format,
				pub.Entry.Distribution, pub.Entry.Derivative, pub.Entry.Architecture)
		}
		dir := filepath.Join(stage, fmt.Sprintf("entry-%d", i))
		if err := m.stageEntry(dir, pub); err != nil {
			return err
		}
		staged[i] = dir
	}

	// Commit: rename each staged entry into place as the final step
	var committed []string
	for i, pub := range pubs {
		dest := m.entryDir(pub.Entry)
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			m.rollback(committed)
			return fmt.Errorf("failed to create registry path for %s: %w", pub.Entry.Name, err)
		}
		if err := os.Rename(staged[i], dest); err != nil {
			m.rollback(committed)
			return fmt.Errorf("failed to commit registry entry %s: %w", pub.Entry.Name, err)
		}
		committed = append(committed, dest)
	}
	return nil
}

// Delete removes one published entry. The entry is renamed out of the tree
// first so readers never see a half-removed directory.
func (m *Manager) Delete(format, distribution, derivative, architecture, name, version string) error {
	entry := &Entry{
		Format: format, Distribution: distribution, Derivative: derivative,
		Architecture: architecture, Name: name, Version: version,
	}
	dir := m.entryDir(entry)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("registry entry %s %s not found in %s/%s/%s/%s",
				name, version, format, distribution, derivative, architecture)
		}
		return fmt.Errorf("failed to access registry entry: %w", err)
	}

	trash := filepath.Join(m.Root, ".trash-"+uuid.New().String())
	if err := os.Rename(dir, trash); err != nil {
		return fmt.Errorf("failed to remove registry entry %s %s: %w", name, version, err)
	}
	return os.RemoveAll(trash)
}

// Changelog returns the accumulated changelog of one entry, most recent
// entry first.
func (m *Manager) Changelog(format, distribution, derivative, architecture, name, version string) ([]*ChangelogEntry, error) {
	entry := &Entry{
		Format: format, Distribution: distribution, Derivative: derivative,
		Architecture: architecture, Name: name, Version: version,
	}
	return m.readChangelog(m.entryDir(entry))
}

// stageEntry builds one complete entry directory inside the stage.
func (m *Manager) stageEntry(dir string, pub *Publication) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create staged entry: %w", err)
	}

	// Copy package files and compute the total size
	var size int64
	for _, name := range pub.Entry.Files {
		src := filepath.Join(pub.FilesDir, name)
		data, err := os.ReadFile(src)
		if err != nil {
			return fmt.Errorf("failed to read package file %s: %w", src, err)
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
			return fmt.Errorf("failed to stage package file %s: %w", name, err)
		}
		size += int64(len(data))
	}
	pub.Entry.Size = size

	// Changelog: read back the latest published changelog of this artifact
	// and prepend the new entry, never overwrite
	changelog, err := m.latestChangelog(pub.Entry)
	if err != nil {
		return err
	}
	changelog = append([]*ChangelogEntry{{
		Author:    pub.Author,
		Message:   pub.Message,
		Timestamp: time.Now().Unix(),
		Version:   pub.Entry.Version,
	}}, changelog...)

	if err := writeJSON(filepath.Join(dir, "changelog.json"), changelog); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, "entry.json"), pub.Entry)
}

// latestChangelog finds the most recently published version of the same
// artifact and returns its changelog, or nil for a first publication.
func (m *Manager) latestChangelog(e *Entry) ([]*ChangelogEntry, error) {
	versionsDir := filepath.Join(m.Root, e.Format, e.Distribution, e.Derivative, e.Architecture, e.Name)
	versions, err := m.subdirs(versionsDir)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, nil
	}

	var latest []*ChangelogEntry
	var latestTs int64 = -1
	for _, version := range versions {
		changelog, err := m.readChangelog(filepath.Join(versionsDir, version))
		if err != nil {
			return nil, err
		}
		if len(changelog) > 0 && changelog[0].Timestamp > latestTs {
			latest = changelog
			latestTs = changelog[0].Timestamp
		}
	}
	return latest, nil
}

func (m *Manager) readEntry(dir string) (*Entry, error) {
	data, err := os.ReadFile(filepath.Join(dir, "entry.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read registry entry in %s: %w", dir, err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("corrupt registry entry in %s: %w", dir, err)
	}
	return &entry, nil
}

func (m *Manager) readChangelog(dir string) ([]*ChangelogEntry, error) {
	data, err := os.ReadFile(filepath.Join(dir, "changelog.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read changelog in %s: %w", dir, err)
	}
	var changelog []*ChangelogEntry
	if err := json.Unmarshal(data, &changelog); err != nil {
		return nil, fmt.Errorf("corrupt changelog in %s: %w", dir, err)
	}
	return changelog, nil
}

// subdirs lists the subdirectory names of dir, skipping staging and trash
// scratch space. A missing dir is an empty list.
func (m *Manager) subdirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read registry directory %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && e.Name()[0] != '.' {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *Manager) rollback(committed []string) {
	for _, dir := range committed {
		os.RemoveAll(dir)
	}
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
