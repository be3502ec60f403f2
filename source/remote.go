package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"path/filepath"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/melbahja/got"
)

const defaultRemoteName = "download"

// Download fetches rawURL into dir and opens the result as a File.
// The file is named after the last segment of the URL path.
func Download(ctx context.Context, rawURL, dir string, logger log.Logger) (*File, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url %s: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported url scheme: %s", u.Scheme)
	}

	name := path.Base(u.Path)
	if name == "." || name == "/" {
		name = defaultRemoteName
	}
	dest := filepath.Join(dir, name)

	retryableHTTPClient := retryhttp.NewClient(logger)
	retryableHTTPClient.CheckRetry = createCustomRetryFunction(logger)

	logger.Debugf("Downloading %s to %s", rawURL, dest)
	if err := downloadFile(ctx, retryableHTTPClient.StandardClient(), rawURL, dest); err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", rawURL, err)
	}

	return Open(dest)
}

// DownloadToTemp is Download into a fresh temporary directory.
func DownloadToTemp(ctx context.Context, rawURL string, logger log.Logger) (*File, error) {
	dir, err := pathutil.NewPathProvider().CreateTempDir("chunkupload")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}

	return Download(ctx, rawURL, dir, logger)
}

func createCustomRetryFunction(logger log.Logger) func(context.Context, *http.Response, error) (bool, error) {
	return func(ctx context.Context, resp *http.Response, downloadErr error) (bool, error) {
		retry, err := retryablehttp.DefaultRetryPolicy(ctx, resp, downloadErr)
		logger.Debugf("CheckRetry: retry=%v ; err=%+v ; downloadErr=%+v", retry, err, downloadErr)
		return retry, err
	}
}

func downloadFile(ctx context.Context, client *http.Client, url string, dest string) error {
	downloader := got.New()
	downloader.Client = client

	return downloader.Do(got.NewDownload(ctx, url, dest))
}
