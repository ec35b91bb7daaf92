// Package fetch downloads, verifies and extracts the pinned upstream archives.
//
// An archive that already exists locally is never downloaded again and never re-verified;
// its file name embeds the pinned version. A download only appears under its final name once
// it has been completely written and, if it is signed, verified.
package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/astbridge/astbuild/src/cli"
	"github.com/astbridge/astbuild/src/cli/logging"
	"github.com/astbridge/astbuild/src/core"
	"github.com/astbridge/astbuild/src/fs"
)

var log = logging.Log

// A Fetcher downloads archives over HTTP.
type Fetcher struct {
	Client *retryablehttp.Client
	// Progress shows a progress bar while downloading.
	Progress bool
}

// New returns a new Fetcher.
func New(progress bool) *Fetcher {
	client := retryablehttp.NewClient()
	client.Logger = &cli.HTTPLogWrapper{Log: log}
	client.RetryMax = 3
	client.RetryWaitMax = 10 * time.Second
	return &Fetcher{Client: client, Progress: progress}
}

// Fetch downloads the given archive unless it already exists locally.
// If the archive has a SignatureURL, the verifier must be non-nil and the download is checked
// against it before being kept. It returns true if anything was downloaded.
func (f *Fetcher) Fetch(ctx context.Context, a core.Archive, verifier Verifier) (bool, error) {
	if fs.FileExists(a.File) {
		log.Debug("%s already present, not downloading", a.File)
		return false, nil
	}
	if a.SignatureURL != "" && verifier == nil {
		return false, fmt.Errorf("%s is signed but no public key has been loaded", a.Name)
	}
	dir := filepath.Dir(a.File)
	if err := os.MkdirAll(dir, fs.DirPermissions); err != nil {
		return false, err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(a.File)+".part")
	if err != nil {
		return false, err
	}
	defer os.Remove(tmp.Name()) // No-op once it's been renamed.
	if err := f.downloadTo(ctx, a.URL, tmp); err != nil {
		tmp.Close()
		return false, err
	}
	if a.SignatureURL != "" {
		if err := f.verify(ctx, a, tmp, verifier); err != nil {
			tmp.Close()
			return false, err
		}
	}
	if err := tmp.Close(); err != nil {
		return false, err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return false, err
	}
	return true, os.Rename(tmp.Name(), a.File)
}

// verify checks the downloaded file against its detached signature.
func (f *Fetcher) verify(ctx context.Context, a core.Archive, file *os.File, verifier Verifier) error {
	var sig bytes.Buffer
	if err := f.downloadTo(ctx, a.SignatureURL, &sig); err != nil {
		return err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	log.Notice("Verifying signature of %s...", filepath.Base(a.File))
	if err := verifier.Verify(file, sig.Bytes()); err != nil {
		return &SignatureVerificationError{Archive: a.Name, Err: err}
	}
	return nil
}

// InstallKey downloads the public key to the given path unless it's already there.
func (f *Fetcher) InstallKey(ctx context.Context, path string, url cli.URL) (bool, error) {
	if fs.FileExists(path) {
		return false, nil
	} else if url == "" {
		return false, fmt.Errorf("public key %s is not installed and no URL is configured for it", path)
	}
	var buf bytes.Buffer
	if err := f.downloadTo(ctx, url, &buf); err != nil {
		return false, err
	}
	if _, err := NewVerifier(buf.Bytes()); err != nil {
		return false, fmt.Errorf("downloaded public key from %s: %w", url, err)
	}
	log.Notice("Installed public key %s", path)
	return true, fs.WriteFile(&buf, path, 0644)
}

// downloadTo streams the contents of the given URL into w.
func (f *Fetcher) downloadTo(ctx context.Context, url cli.URL, w io.Writer) error {
	log.Notice("Downloading %s", url)
	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", url.String(), nil)
	if err != nil {
		return err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("failed to download %s: got response %s", url, resp.Status)
	}
	var body io.Reader = resp.Body
	if f.Progress {
		total, _ := strconv.Atoi(resp.Header.Get("Content-Length"))
		progress := cli.NewProgressReader(resp.Body, total, "Downloading")
		defer progress.Close()
		body = progress
	}
	n, err := io.Copy(w, body)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", url, err)
	}
	log.Debug("Downloaded %s from %s", humanize.Bytes(uint64(n)), url)
	return nil
}
