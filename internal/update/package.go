package update

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/arkeep-io/netprobe-agent/internal/hooks"
)

// ErrPackageInvalid is returned when an update package fails structural
// validation (missing required entries, unparsable manifest).
var ErrPackageInvalid = errors.New("update: invalid package")

// FileEntry describes one file the package installs, relative to the
// install directory, with its target permission bits.
type FileEntry struct {
	TargetPath  string `json:"target_path"`
	Permissions string `json:"permissions"`
}

// PackageInfo is the package_info.json manifest every update tarball must
// contain at its root.
type PackageInfo struct {
	Version string      `json:"version"`
	Files   []FileEntry `json:"files"`
}

const (
	manifestName     = "package_info.json"
	installScriptName = "install.sh"
)

// requiredEntries are checked against the tarball's member list after every
// entry has been extracted.
var requiredEntries = []string{manifestName, installScriptName}

// ExtractPackage unpacks a tar.gz update package into dir and returns its
// parsed manifest, failing if either required entry is missing.
func ExtractPackage(packagePath, dir string) (PackageInfo, error) {
	f, err := os.Open(packagePath)
	if err != nil {
		return PackageInfo{}, fmt.Errorf("update: open package: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return PackageInfo{}, fmt.Errorf("update: open gzip stream: %w", err)
	}
	defer gz.Close()

	seen := make(map[string]bool)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return PackageInfo{}, fmt.Errorf("update: read tar entry: %w", err)
		}

		target := filepath.Join(dir, filepath.Clean("/"+hdr.Name)) // clean: reject path traversal
		seen[hdr.Name] = true

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0750); err != nil {
				return PackageInfo{}, fmt.Errorf("update: create dir %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
				return PackageInfo{}, fmt.Errorf("update: create parent dir for %s: %w", hdr.Name, err)
			}
			if err := extractFile(tr, target, fs.FileMode(hdr.Mode)); err != nil {
				return PackageInfo{}, fmt.Errorf("update: extract %s: %w", hdr.Name, err)
			}
		}
	}

	for _, name := range requiredEntries {
		if !seen[name] {
			return PackageInfo{}, fmt.Errorf("%w: missing %s", ErrPackageInvalid, name)
		}
	}

	manifestData, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return PackageInfo{}, fmt.Errorf("update: read manifest: %w", err)
	}
	var info PackageInfo
	if err := json.Unmarshal(manifestData, &info); err != nil {
		return PackageInfo{}, fmt.Errorf("%w: parse manifest: %v", ErrPackageInvalid, err)
	}
	if info.Version == "" {
		return PackageInfo{}, fmt.Errorf("%w: manifest missing version", ErrPackageInvalid)
	}

	return info, nil
}

func extractFile(r io.Reader, target string, mode fs.FileMode) error {
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode.Perm())
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, r)
	return err
}

// Install copies the extracted package's files from extractedDir into
// installDir according to info.Files, applying each entry's permission
// bits, then runs install.sh if present.
func Install(ctx context.Context, extractedDir, installDir string, info PackageInfo) error {
	for _, entry := range info.Files {
		src := filepath.Join(extractedDir, entry.TargetPath)
		dst := filepath.Join(installDir, entry.TargetPath)

		if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
			return fmt.Errorf("update: create target dir for %s: %w", entry.TargetPath, err)
		}
		if err := copyFile(src, dst); err != nil {
			return fmt.Errorf("update: copy %s: %w", entry.TargetPath, err)
		}
		if entry.Permissions != "" {
			mode, err := strconv.ParseUint(entry.Permissions, 8, 32)
			if err == nil {
				os.Chmod(dst, fs.FileMode(mode))
			}
		}
	}

	return runInstallScript(ctx, extractedDir, installDir)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

const installScriptTimeout = 5 * time.Minute

func runInstallScript(ctx context.Context, extractedDir, installDir string) error {
	script := filepath.Join(extractedDir, installScriptName)
	if _, err := os.Stat(script); err != nil {
		return nil
	}

	runner := hooks.NewRunner(installScriptTimeout)
	runner.Env = []string{"INSTALL_DIR=" + installDir}

	result, err := runner.Run(ctx, script)
	if err != nil {
		return fmt.Errorf("update: install script failed: %w: %s", err, result.Output)
	}
	return nil
}

// CreateBackup archives installDir (excluding the backup directory itself)
// into a timestamped tar.gz under backupDir.
func CreateBackup(installDir, backupDir string, now time.Time) (string, error) {
	name := fmt.Sprintf("backup_%s.tar.gz", now.Format("20060102_150405"))
	backupPath := filepath.Join(backupDir, name)

	out, err := os.Create(backupPath)
	if err != nil {
		return "", fmt.Errorf("update: create backup file: %w", err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	err = filepath.WalkDir(installDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(installDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if rel == "backup" || strings.HasPrefix(rel, "backup"+string(filepath.Separator)) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("update: write backup archive: %w", err)
	}

	return backupPath, nil
}

// Rollback clears installDir (except its backup directory) and restores
// the contents of the given backup archive in its place.
func Rollback(backupPath, installDir string) error {
	entries, err := os.ReadDir(installDir)
	if err != nil {
		return fmt.Errorf("update: read install dir: %w", err)
	}
	for _, e := range entries {
		if e.Name() == "backup" {
			continue
		}
		if err := os.RemoveAll(filepath.Join(installDir, e.Name())); err != nil {
			return fmt.Errorf("update: clear %s: %w", e.Name(), err)
		}
	}

	f, err := os.Open(backupPath)
	if err != nil {
		return fmt.Errorf("update: open backup: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("update: open backup gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("update: read backup entry: %w", err)
		}

		target := filepath.Join(installDir, filepath.Clean("/"+hdr.Name))
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0750); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
				return err
			}
			if err := extractFile(tr, target, fs.FileMode(hdr.Mode)); err != nil {
				return err
			}
		}
	}
	return nil
}

// LatestBackup returns the path of the most recently modified file in
// backupDir, or "" if there is none. Every regular file in backupDir counts
// as a backup; names are not checked.
func LatestBackup(backupDir string) (string, error) {
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		return "", fmt.Errorf("update: read backup dir: %w", err)
	}

	type candidate struct {
		path    string
		modTime time.Time
	}
	var candidates []candidate
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{path: filepath.Join(backupDir, e.Name()), modTime: info.ModTime()})
	}
	if len(candidates) == 0 {
		return "", nil
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].modTime.After(candidates[j].modTime) })
	return candidates[0].path, nil
}

// CleanupOldBackups deletes all but the keepCount most recent backups,
// returning the number removed.
func CleanupOldBackups(backupDir string, keepCount int) (int, error) {
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		return 0, fmt.Errorf("update: read backup dir: %w", err)
	}

	type candidate struct {
		path    string
		modTime time.Time
	}
	var candidates []candidate
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{path: filepath.Join(backupDir, e.Name()), modTime: info.ModTime()})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].modTime.After(candidates[j].modTime) })

	removed := 0
	for _, c := range candidates[min(keepCount, len(candidates)):] {
		if err := os.Remove(c.path); err == nil {
			removed++
		}
	}
	return removed, nil
}
