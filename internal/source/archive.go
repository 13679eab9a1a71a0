package source

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Extract unpacks an archive into dest, normalizing the top directory: when
// every entry of the archive shares a single top-level directory, that level
// is stripped so dest holds the tree content directly; otherwise the archive
// root is treated as the tree.
func Extract(archive, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create extraction parent: %w", err)
	}

	// Extract into a scratch directory first, then decide about the top level
	scratch, err := os.MkdirTemp(filepath.Dir(dest), ".extract-*")
	if err != nil {
		return fmt.Errorf("failed to create extraction scratch: %w", err)
	}
	defer os.RemoveAll(scratch)

	if err := untar(archive, scratch); err != nil {
		return err
	}

	entries, err := os.ReadDir(scratch)
	if err != nil {
		return fmt.Errorf("failed to inspect extracted tree: %w", err)
	}

	if len(entries) == 1 && entries[0].IsDir() {
		// Single wrapping directory: strip exactly one level
		return os.Rename(filepath.Join(scratch, entries[0].Name()), dest)
	}
	// No common top directory: the archive root is the tree
	if err := os.Rename(scratch, dest); err != nil {
		return fmt.Errorf("failed to move extracted tree into place: %w", err)
	}
	return nil
}

// untar streams the archive's tar entries into dir.
func untar(archive, dir string) error {
	f, err := os.Open(archive)
	if err != nil {
		return fmt.Errorf("failed to open archive %s: %w", archive, err)
	}
	defer f.Close()

	reader, closer, err := decompressor(archive, f)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer()
	}

	tr := tar.NewReader(reader)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read archive %s: %w", archive, err)
		}

		name := filepath.Clean(hdr.Name)
		if name == "." {
			continue
		}
		if strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			return fmt.Errorf("archive %s contains unsafe path %q", archive, hdr.Name)
		}
		target := filepath.Join(dir, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("failed to create parent of %s: %w", target, err)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return fmt.Errorf("failed to create file %s: %w", target, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("failed to extract %s: %w", target, err)
			}
			if err := out.Close(); err != nil {
				return fmt.Errorf("failed to finish %s: %w", target, err)
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("failed to create parent of %s: %w", target, err)
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("failed to create symlink %s: %w", target, err)
			}
		default:
			// Hard links and device nodes don't appear in source archives we
			// accept; skip silently like tar --skip-old-files would
		}
	}
}

// decompressor wraps the archive stream according to the filename extension.
// xz has no native Go support here; the system xz binary handles it, same as
// the packaging tools the daemon already shells out to.
func decompressor(archive string, f *os.File) (io.Reader, func(), error) {
	switch {
	case strings.HasSuffix(archive, ".tar.gz"), strings.HasSuffix(archive, ".tgz"):
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read gzip archive %s: %w", archive, err)
		}
		return gz, func() { gz.Close() }, nil

	case strings.HasSuffix(archive, ".tar.zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read zstd archive %s: %w", archive, err)
		}
		return zr.IOReadCloser(), func() { zr.Close() }, nil

	case strings.HasSuffix(archive, ".tar.xz"), strings.HasSuffix(archive, ".txz"):
		cmd := exec.Command("xz", "--decompress", "--stdout")
		cmd.Stdin = f
		out, err := cmd.StdoutPipe()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to pipe xz: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, nil, fmt.Errorf("failed to run xz: %w", err)
		}
		return out, func() { cmd.Wait() }, nil

	case strings.HasSuffix(archive, ".tar"):
		return f, nil, nil
	}
	return nil, nil, fmt.Errorf("unsupported archive format: %s", archive)
}

// ArchiveLocal archives a local source directory into a gzipped tarball at
// archivePath and mirrors the included files into treePath. Exclusion rules:
// paths beginning with .git, the debian/ subtree, and, when dir is a git
// working tree, all git-ignored and untracked paths. includeGit keeps the
// git-ignored and untracked paths.
func ArchiveLocal(dir, archivePath, treePath string, includeGit bool) error {
	files, err := localFileList(dir, includeGit)
	if err != nil {
		return err
	}

	out, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive %s: %w", archivePath, err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	root := filepath.Base(treePath)
	for _, rel := range files {
		if err := addToArchive(tw, dir, rel, root); err != nil {
			return err
		}
		if err := copyIntoTree(dir, rel, treePath); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finish archive %s: %w", archivePath, err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to finish archive %s: %w", archivePath, err)
	}
	return out.Close()
}

// ArchiveSubdir archives one subtree of dir into a gzipped tarball at
// archivePath. The archive root is the subdirectory name itself.
func ArchiveSubdir(dir, subdir, archivePath string) error {
	base := filepath.Join(dir, subdir)
	if _, err := os.Stat(base); err != nil {
		return fmt.Errorf("subdirectory %s does not exist: %w", base, err)
	}

	out, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive %s: %w", archivePath, err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	err = filepath.Walk(base, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(base, path)
		if err != nil || rel == "." {
			return err
		}
		if info.Mode().IsRegular() || info.Mode()&os.ModeSymlink != 0 {
			return addToArchive(tw, base, rel, subdir)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to archive %s: %w", base, err)
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finish archive %s: %w", archivePath, err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to finish archive %s: %w", archivePath, err)
	}
	return out.Close()
}

// localFileList returns the relative paths to include from dir.
func localFileList(dir string, includeGit bool) ([]string, error) {
	if !includeGit && isGitWorkTree(dir) {
		// Tracked files only: git already knows what is ignored or untracked
		cmd := exec.Command("git", "-C", dir, "ls-files", "-z")
		output, err := cmd.Output()
		if err != nil {
			return nil, fmt.Errorf("failed to list git tracked files in %s: %w", dir, err)
		}
		var files []string
		for _, rel := range strings.Split(string(output), "\x00") {
			if rel == "" || excludedPath(rel) {
				continue
			}
			files = append(files, rel)
		}
		return files, nil
	}

	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if excludedPath(rel) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.Mode().IsRegular() || info.Mode()&os.ModeSymlink != 0 {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk local source %s: %w", dir, err)
	}
	return files, nil
}

// excludedPath applies the unconditional exclusion rules.
func excludedPath(rel string) bool {
	if strings.HasPrefix(rel, ".git") {
		return true
	}
	if rel == "debian" || strings.HasPrefix(rel, "debian/") {
		return true
	}
	return false
}

func isGitWorkTree(dir string) bool {
	cmd := exec.Command("git", "-C", dir, "rev-parse", "--is-inside-work-tree")
	output, err := cmd.Output()
	return err == nil && strings.TrimSpace(string(output)) == "true"
}

func addToArchive(tw *tar.Writer, dir, rel, root string) error {
	path := filepath.Join(dir, rel)
	info, err := os.Lstat(path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	var link string
	if info.Mode()&os.ModeSymlink != 0 {
		if link, err = os.Readlink(path); err != nil {
			return fmt.Errorf("failed to read symlink %s: %w", path, err)
		}
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return fmt.Errorf("failed to build tar header for %s: %w", path, err)
	}
	hdr.Name = filepath.ToSlash(filepath.Join(root, rel))

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write tar header for %s: %w", path, err)
	}
	if info.Mode().IsRegular() {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", path, err)
		}
		defer f.Close()
		if _, err := io.Copy(tw, f); err != nil {
			return fmt.Errorf("failed to archive %s: %w", path, err)
		}
	}
	return nil
}

func copyIntoTree(dir, rel, treePath string) error {
	src := filepath.Join(dir, rel)
	dst := filepath.Join(treePath, rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create parent of %s: %w", dst, err)
	}

	info, err := os.Lstat(src)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", src, err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(src)
		if err != nil {
			return fmt.Errorf("failed to read symlink %s: %w", src, err)
		}
		return os.Symlink(target, dst)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", dst, err)
	}
	return out.Close()
}
