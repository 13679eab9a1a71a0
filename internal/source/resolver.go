// Package source turns an artifact's declared sources into named source
// trees inside a task workspace. Remote archives are fetched through a
// content cache with sha256 enforcement; local source directories are
// archived in place of the remote fetch.
package source

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/kilnproject/kiln/internal/artifact"
	"github.com/kilnproject/kiln/pkg/taskboard"
)

// Resolver fetches, verifies and extracts artifact sources.
type Resolver struct {
	// CacheDir holds verified upstream archives, keyed by artifact name and
	// archive filename. Failed downloads never land here.
	CacheDir string

	// Client is the HTTP client used for downloads. Defaults to
	// http.DefaultClient.
	Client *http.Client
}

// Tree is one resolved source tree inside the workspace.
type Tree struct {
	SourceID string
	Version  string
	Path     string // Extracted tree directory
	Archive  string // Verified archive the tree came from

	// Link is set for supplementary sources: a version-agnostic symlink from
	// the plain source ID to the tree directory, emitted later as a patch.
	Link *Symlink
}

// Symlink records a symlink to be materialized as a patch.
type Symlink struct {
	Name   string // Link path relative to the main tree root
	Target string // Link target
}

// Resolve produces the source tree of one source at the given version.
// The main source (ID equal to the artifact name) extracts into
// "<artifact>-<version>/" under dir; supplementary sources extract into a
// directory named after their sanitized ID and carry a symlink note.
func (r *Resolver) Resolve(ctx context.Context, src *artifact.Source, artifactName, version, dir string) (*Tree, error) {
	url, err := RenderURL(src.URL, version)
	if err != nil {
		return nil, err
	}

	digest, err := src.Checksum(version)
	if err != nil {
		return nil, taskboard.NewTaskError(taskboard.ErrBadRequest, "%v", err)
	}

	archive, err := r.fetch(ctx, artifactName, url, digest)
	if err != nil {
		return nil, err
	}

	tree := &Tree{SourceID: src.ID, Version: version, Archive: archive}
	if src.ID == artifactName {
		tree.Path = filepath.Join(dir, fmt.Sprintf("%s-%s", artifactName, version))
	} else {
		sanitized := SanitizeID(src.ID)
		tree.Path = filepath.Join(dir, sanitized)
		tree.Link = &Symlink{Name: src.ID, Target: sanitized}
	}

	if err := Extract(archive, tree.Path); err != nil {
		return nil, err
	}
	return tree, nil
}

// ResolveLocal archives a local directory in place of the remote fetch and
// extracts nothing: the directory content becomes the main source tree. The
// generated archive is recorded in the workspace so the build input is
// reproducible from it.
func (r *Resolver) ResolveLocal(ctx context.Context, artifactName, version, localDir, dir string, includeGit bool) (*Tree, error) {
	treePath := filepath.Join(dir, fmt.Sprintf("%s-%s", artifactName, version))
	archive := filepath.Join(dir, fmt.Sprintf("%s-%s.tar.gz", artifactName, version))

	if err := ArchiveLocal(localDir, archive, treePath, includeGit); err != nil {
		return nil, err
	}
	return &Tree{
		SourceID: artifactName,
		Version:  version,
		Path:     treePath,
		Archive:  archive,
	}, nil
}

// RenderURL substitutes the version into a source URL template.
func RenderURL(urlTemplate, version string) (string, error) {
	tmpl, err := template.New("url").Parse(urlTemplate)
	if err != nil {
		return "", taskboard.NewTaskError(taskboard.ErrBadRequest, "malformed source URL template %q: %v", urlTemplate, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, struct{ Version string }{version}); err != nil {
		return "", taskboard.NewTaskError(taskboard.ErrBadRequest, "failed to render source URL %q: %v", urlTemplate, err)
	}
	return buf.String(), nil
}

// SanitizeID reduces a source ID to alphanumerics and hyphens for use as a
// directory name.
func SanitizeID(id string) string {
	var b strings.Builder
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			b.WriteRune(c)
		}
	}
	return b.String()
}

// fetch returns the cached archive for url, downloading and verifying it
// first when absent. The archive lands in the cache only after its digest
// matched; a failed or mismatching download leaves no trace.
func (r *Resolver) fetch(ctx context.Context, artifactName, url, digest string) (string, error) {
	filename := filepath.Base(url)
	cached := filepath.Join(r.CacheDir, artifactName, filename)

	if _, err := os.Stat(cached); err == nil {
		// Cached entries are re-verified on every use: the cache is shared
		// between builds and a corrupted or tampered archive must never feed
		// a build just because an earlier download succeeded.
		if err := verifyDigest(cached, digest); err != nil {
			return "", err
		}
		return cached, nil
	}

	if err := os.MkdirAll(filepath.Dir(cached), 0755); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build download request for %s: %w", url, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to download %s: HTTP %d", url, resp.StatusCode)
	}

	// Download into a temp file next to the cache entry, hashing as we go
	tmp, err := os.CreateTemp(filepath.Dir(cached), filename+".part-*")
	if err != nil {
		return "", fmt.Errorf("failed to create download temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hasher), resp.Body); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to download %s: %w", url, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to finish download of %s: %w", url, err)
	}

	computed := "sha256:" + hex.EncodeToString(hasher.Sum(nil))
	if computed != digest {
		return "", taskboard.NewTaskError(taskboard.ErrChecksumMismatch,
			"archive %s hashed to %s, definition declares %s", filename, computed, digest)
	}

	// Verified: move into place as the final step
	if err := os.Rename(tmp.Name(), cached); err != nil {
		return "", fmt.Errorf("failed to move verified archive into cache: %w", err)
	}
	return cached, nil
}

// verifyDigest hashes the archive at path and compares it to the declared
// sha256 digest.
func verifyDigest(path, digest string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open archive %s: %w", path, err)
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return fmt.Errorf("failed to hash archive %s: %w", path, err)
	}
	computed := "sha256:" + hex.EncodeToString(hasher.Sum(nil))
	if computed != digest {
		return taskboard.NewTaskError(taskboard.ErrChecksumMismatch,
			"archive %s hashed to %s, definition declares %s", filepath.Base(path), computed, digest)
	}
	return nil
}
