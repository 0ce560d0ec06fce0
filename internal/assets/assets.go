// Package assets keeps a server's binary directory in sync with the shared
// download directory, preserving save games and mod paks across updates.
package assets

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Syncer brings a server's files up to date before launch. A returned error
// aborts that start attempt; the caller does not retry within the tick.
type Syncer interface {
	Sync(serverDir string) error
}

// preserved across a wholesale file replacement
var preservedDirs = []string{"SaveGames", "Paks"}

// DirSyncer replaces serverDir/serverFiles with the contents of SourceDir
// when the stamped build version differs from Version.
type DirSyncer struct {
	SourceDir string // shared download directory with fresh server files
	Version   string // latest build version
}

func (s *DirSyncer) Sync(serverDir string) error {
	files := filepath.Join(serverDir, "serverFiles")
	versionPath := filepath.Join(files, "build.version")

	if b, err := os.ReadFile(versionPath); err == nil {
		current := strings.Fields(string(b))
		if len(current) > 0 && current[0] == s.Version {
			return nil
		}
	}
	slog.Info("updating server files", "dir", serverDir, "version", s.Version)

	savedPath := filepath.Join(files, "Saved")
	tempPath := filepath.Join(serverDir, "temp")
	if err := os.MkdirAll(tempPath, 0o750); err != nil {
		return err
	}
	defer func() { _ = os.RemoveAll(tempPath) }()

	backedUp := make([]string, 0, len(preservedDirs))
	for _, name := range preservedDirs {
		src := filepath.Join(savedPath, name)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := copyDir(src, filepath.Join(tempPath, name)); err != nil {
			return fmt.Errorf("assets: backup %s: %w", name, err)
		}
		backedUp = append(backedUp, name)
	}

	if err := os.RemoveAll(files); err != nil {
		return err
	}
	if err := copyDir(s.SourceDir, files); err != nil {
		return fmt.Errorf("assets: copy server files: %w", err)
	}

	for _, name := range backedUp {
		if err := copyDir(filepath.Join(tempPath, name), filepath.Join(savedPath, name)); err != nil {
			return fmt.Errorf("assets: restore %s: %w", name, err)
		}
	}

	return os.WriteFile(versionPath, []byte(s.Version), 0o600)
}

func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o750)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
