package netclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
)

// DownloadToFile streams rawURL into dest and returns the number of bytes
// written. Each attempt is one unit of fetch, status check, and write; any
// failure in that unit, timeouts included, removes the partial file and retries
// the whole unit. On final failure dest does not exist.
func (c *Client) DownloadToFile(ctx context.Context, rawURL, dest string, opts ...FetchOption) (int64, error) {
	o := c.options(opts)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("create download dir: %w", err)
	}
	if err := os.Remove(dest); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("remove stale %s: %w", dest, err)
	}

	// The outer loop owns retries; each unit fetches exactly once.
	unit := o
	unit.retries = 0

	var lastErr error
	for attempt := 0; attempt <= o.retries; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt - 1)
			c.retryCount.Inc()
			c.logger.Warn("download failed, will retry",
				"url", rawURL, "attempt", attempt+1, "backoff", delay, "error", lastErr)
			if err := sleepContext(ctx, delay); err != nil {
				return 0, err
			}
		}

		start := time.Now()
		n, err := c.downloadOnce(ctx, rawURL, dest, unit)
		if err == nil {
			c.logger.Info("download complete",
				"url", rawURL, "dest", dest, "size", humanize.Bytes(uint64(n)), "elapsed", time.Since(start).Round(time.Millisecond))
			return n, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	c.logger.Error("download failed", "url", rawURL, "dest", dest, "error", lastErr)
	return 0, lastErr
}

func (c *Client) downloadOnce(ctx context.Context, rawURL, dest string, o fetchOptions) (n int64, err error) {
	resp, err := c.fetch(ctx, rawURL, o)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if !isSuccess(resp.StatusCode) {
		return 0, newStatusError(rawURL, resp)
	}

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", dest, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", dest, cerr)
		}
		if err != nil {
			c.removePartial(dest)
			n = 0
		}
	}()

	var w io.Writer = f
	if o.progress != nil {
		w = &progressWriter{w: f, total: resp.ContentLength, report: o.progress}
	}
	n, err = io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("write %s after %s: %w", dest, humanize.Bytes(uint64(n)), err)
	}
	return n, nil
}

func (c *Client) removePartial(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.logger.Warn("failed to remove partial download", "path", path, "error", err)
	}
}

type progressWriter struct {
	w       io.Writer
	written int64
	total   int64
	report  func(written, total int64)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.written += int64(n)
	if n > 0 {
		p.report(p.written, p.total)
	}
	return n, err
}
