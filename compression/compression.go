// Package compression bundles files and directories into a single tar.zst archive before upload.
package compression

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/bitrise-io/go-utils/v2/command"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/klauspost/compress/zstd"
)

// ArchiveDependencyChecker ...
type ArchiveDependencyChecker interface {
	CheckDependencies() bool
}

// DependencyChecker looks for the tar and zstd binaries on PATH.
type DependencyChecker struct {
	logger  log.Logger
	envRepo env.Repository
}

// NewDependencyChecker ...
func NewDependencyChecker(logger log.Logger, envRepo env.Repository) *DependencyChecker {
	return &DependencyChecker{
		logger:  logger,
		envRepo: envRepo,
	}
}

// CheckDependencies ...
func (dc *DependencyChecker) CheckDependencies() bool {
	return dc.checkDependency("tar") && dc.checkDependency("zstd")
}

func (dc *DependencyChecker) checkDependency(binaryName string) bool {
	cmdFactory := command.NewFactory(dc.envRepo)
	cmd := cmdFactory.Create("which", []string{binaryName}, nil)
	dc.logger.Debugf("$ %s", cmd.PrintableCommandArgs())

	_, err := cmd.RunAndReturnTrimmedCombinedOutput()
	return err == nil
}

// Archiver ...
type Archiver struct {
	logger                   log.Logger
	envRepo                  env.Repository
	archiveDependencyChecker ArchiveDependencyChecker
}

// NewArchiver ...
func NewArchiver(logger log.Logger, envRepo env.Repository, archiveDependencyChecker ArchiveDependencyChecker) *Archiver {
	return &Archiver{
		logger:                   logger,
		envRepo:                  envRepo,
		archiveDependencyChecker: archiveDependencyChecker,
	}
}

// Compress writes a zstd compressed tarball of includePaths to archivePath.
// Entries are named relative to the parent directory of each include path, so
// archiving /work/assets stores assets/... entries.
func (a *Archiver) Compress(archivePath string, includePaths []string) error {
	if len(includePaths) == 0 {
		return fmt.Errorf("no paths to archive")
	}

	if !a.archiveDependencyChecker.CheckDependencies() {
		a.logger.Debugf("Falling back to native implementation of zstd.")
		if err := a.compressWithGoLib(archivePath, includePaths); err != nil {
			return fmt.Errorf("compress files: %w", err)
		}
		return nil
	}

	a.logger.Debugf("Using installed zstd binary")
	if err := a.compressWithBinary(archivePath, includePaths); err != nil {
		return fmt.Errorf("compress files: %w", err)
	}
	return nil
}

func (a *Archiver) compressWithGoLib(archivePath string, includePaths []string) (err error) {
	archive, err := os.OpenFile(archivePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}
	defer func() {
		if cerr := archive.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close archive file: %w", cerr)
		}
	}()

	zstdWriter, err := zstd.NewWriter(archive)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zstdWriter)

	for _, p := range includePaths {
		root := filepath.Clean(p)
		parent := filepath.Dir(root)

		if err := filepath.Walk(root, func(file string, fi os.FileInfo, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			return addToTar(tw, parent, file, fi)
		}); err != nil {
			return fmt.Errorf("iterate on files: %w", err)
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar writer: %w", err)
	}
	if err := zstdWriter.Close(); err != nil {
		return fmt.Errorf("close zstd writer: %w", err)
	}

	return nil
}

func addToTar(tw *tar.Writer, parent, file string, fi os.FileInfo) error {
	var link string
	if fi.Mode()&os.ModeSymlink != 0 {
		var err error
		if link, err = os.Readlink(file); err != nil {
			return fmt.Errorf("read symlink: %w", err)
		}
	}

	header, err := tar.FileInfoHeader(fi, link)
	if err != nil {
		return fmt.Errorf("create file info header: %w", err)
	}

	name, err := filepath.Rel(parent, file)
	if err != nil {
		return fmt.Errorf("relative path of %s: %w", file, err)
	}
	header.Name = filepath.ToSlash(name)
	if fi.IsDir() {
		header.Name += "/"
	}

	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write tar file header: %w", err)
	}

	// nothing more to do for non-regular files or directories
	if !fi.Mode().IsRegular() {
		return nil
	}

	data, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	if _, err := io.Copy(tw, data); err != nil {
		data.Close() //nolint:errcheck
		return fmt.Errorf("copy to file: %w", err)
	}
	if err := data.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}

	return nil
}

func (a *Archiver) compressWithBinary(archivePath string, includePaths []string) error {
	cmdFactory := command.NewFactory(a.envRepo)

	/*
		tar arguments:
		--use-compress-program: Pipe the output to zstd instead of using the built-in gzip compression
		-c: Create archive
		-f: Output file
		-C: Change to the parent of each include path, entries are stored relative to it
	*/
	tarArgs := []string{
		"--use-compress-program", "zstd --threads=0", // Use CPU count threads
		"-c",
		"-f", archivePath,
	}
	for _, p := range includePaths {
		root := filepath.Clean(p)
		tarArgs = append(tarArgs, "-C", filepath.Dir(root), filepath.Base(root))
	}

	cmd := cmdFactory.Create("tar", tarArgs, nil)

	a.logger.Debugf("$ %s", cmd.PrintableCommandArgs())

	out, err := cmd.RunAndReturnTrimmedCombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("command failed with exit status %d (%s):\n%w", exitErr.ExitCode(), cmd.PrintableCommandArgs(), errors.New(out))
		}
		return fmt.Errorf("executing command failed (%s): %w", cmd.PrintableCommandArgs(), err)
	}

	return nil
}

// AreAllPathsEmpty reports whether none of includePaths has anything to archive:
// every path is missing or an empty directory.
func AreAllPathsEmpty(includePaths []string) bool {
	for _, path := range includePaths {
		fileInfo, err := os.Stat(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			continue
		}
		if !fileInfo.IsDir() {
			return false
		}

		dir, err := os.Open(path)
		if err != nil {
			continue
		}
		_, err = dir.Readdirnames(1) // query only 1 child
		dir.Close()                  //nolint:errcheck
		if err == nil {
			return false
		}
	}

	return true
}
