package cli

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bitrise-io/go-chunkupload/compression"
	"github.com/bitrise-io/go-chunkupload/source"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
)

const (
	s3Scheme   = "s3://"
	fileScheme = "file://"
)

// collectSources resolves the command arguments into sources. Local paths may be
// glob patterns; with archiveName set they are bundled into a single tar.zst source.
// The returned cleanup closes every opened source.
func (a *app) collectSources(ctx context.Context, args []string, archiveName string) ([]source.Source, func(), error) {
	var sources []source.Source
	var closers []io.Closer
	cleanup := func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				a.logger.Warnf("Failed to close source: %s", err)
			}
		}
	}

	var localPaths []string
	for _, arg := range args {
		switch {
		case strings.HasPrefix(arg, s3Scheme):
			bucket, key, err := parseS3URL(arg)
			if err != nil {
				cleanup()
				return nil, nil, err
			}
			obj, err := source.OpenS3(ctx, source.S3Params{
				Region:          a.cfg.S3.Region,
				Bucket:          bucket,
				Key:             key,
				AccessKeyID:     a.cfg.S3.AccessKeyID,
				SecretAccessKey: a.cfg.S3.SecretAccessKey,
			}, a.logger)
			if err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("open %s: %w", arg, err)
			}
			sources = append(sources, obj)
		case strings.HasPrefix(arg, "http://"), strings.HasPrefix(arg, "https://"):
			f, err := source.DownloadToTemp(ctx, arg, a.logger)
			if err != nil {
				cleanup()
				return nil, nil, err
			}
			closers = append(closers, f)
			sources = append(sources, f)
		default:
			paths, err := expandPattern(strings.TrimPrefix(arg, fileScheme))
			if err != nil {
				cleanup()
				return nil, nil, err
			}
			localPaths = append(localPaths, paths...)
		}
	}

	if archiveName != "" && len(localPaths) > 0 {
		archivePath, err := a.archive(archiveName, localPaths)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		localPaths = []string{archivePath}
	}

	for _, p := range localPaths {
		f, err := source.Open(p)
		if err != nil {
			cleanup()
			if info, statErr := os.Stat(p); statErr == nil && info.IsDir() {
				return nil, nil, fmt.Errorf("%s is a directory, use --archive to upload it", p)
			}
			return nil, nil, err
		}
		closers = append(closers, f)
		sources = append(sources, f)
	}

	return sources, cleanup, nil
}

func (a *app) archive(archiveName string, paths []string) (string, error) {
	if compression.AreAllPathsEmpty(paths) {
		return "", fmt.Errorf("nothing to archive: all paths are empty or missing")
	}

	dir, err := pathutil.NewPathProvider().CreateTempDir("chunkupload-archive")
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	archivePath := filepath.Join(dir, archiveName)

	archiver := compression.NewArchiver(a.logger, a.envRepo, compression.NewDependencyChecker(a.logger, a.envRepo))
	if err := archiver.Compress(archivePath, paths); err != nil {
		return "", err
	}
	a.logger.Debugf("Archived %d path(s) to %s", len(paths), archivePath)

	return archivePath, nil
}

// expandPattern returns the regular files matching a doublestar pattern, or the path
// itself when it has no pattern characters.
func expandPattern(pattern string) ([]string, error) {
	if !strings.ContainsAny(pattern, "*?[{") {
		return []string{pattern}, nil
	}

	base, pat := doublestar.SplitPattern(filepath.ToSlash(pattern))
	fsys := os.DirFS(base)
	matches, err := doublestar.Glob(fsys, pat)
	if err != nil {
		return nil, fmt.Errorf("expand pattern %s: %w", pattern, err)
	}

	var paths []string
	for _, m := range matches {
		info, err := fs.Stat(fsys, m)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		paths = append(paths, filepath.Join(base, filepath.FromSlash(m)))
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no files match %s", pattern)
	}
	sort.Strings(paths)
	return paths, nil
}

func parseS3URL(raw string) (string, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parse %s: %w", raw, err)
	}
	key := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", fmt.Errorf("invalid s3 url %s, expected s3://bucket/key", raw)
	}
	return u.Host, key, nil
}
