package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// ProgressReader wraps an io.Reader to track download progress
type ProgressReader struct {
	reader    io.Reader
	total     int64
	current   int64
	interval  time.Duration
	callback  func(current, total, speed int64)
	lastTime  time.Time
	lastBytes int64
}

// NewProgressReader creates a new progress tracking reader. The callback runs
// at most once per interval and once more at EOF; an interval of zero reports
// every read.
func NewProgressReader(reader io.Reader, total int64, interval time.Duration, callback func(current, total, speed int64)) *ProgressReader {
	return &ProgressReader{
		reader:   reader,
		total:    total,
		interval: interval,
		callback: callback,
		lastTime: time.Now(),
	}
}

func (pr *ProgressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	pr.current += int64(n)

	now := time.Now()
	elapsed := now.Sub(pr.lastTime)
	if elapsed >= pr.interval || err == io.EOF {
		var speed int64
		if elapsed > 0 {
			speed = int64(float64(pr.current-pr.lastBytes) / elapsed.Seconds())
		}

		if pr.callback != nil {
			pr.callback(pr.current, pr.total, speed)
		}

		pr.lastTime = now
		pr.lastBytes = pr.current
	}

	return n, err
}

// Downloader performs single HTTP transfers into a temp file, continuing
// from resume data when the server honours the range.
type Downloader struct {
	client    *http.Client
	userAgent string
	interval  time.Duration
}

// NewDownloader creates a new downloader
func NewDownloader(userAgent string) *Downloader {
	return &Downloader{
		client: &http.Client{
			Timeout: 30 * time.Minute, // Long timeout for large files
		},
		userAgent: userAgent,
		interval:  time.Second,
	}
}

// Fetch downloads url into tempPath. With resume data whose offset matches
// the temp file, it asks for the remaining bytes with Range and If-Range; a
// 200 reply means the server ignored the range and the file is rewritten.
// The returned resume data always describes what is on disk, also on error.
func (d *Downloader) Fetch(ctx context.Context, url, tempPath string, rd *ResumeData, progress func(current, total, speed int64)) (*ResumeData, error) {
	next := &ResumeData{TempPath: tempPath}

	var offset int64
	if rd != nil && rd.Offset > 0 {
		if stat, err := os.Stat(tempPath); err == nil && stat.Size() == rd.Offset {
			offset = rd.Offset
			next.ETag, next.LastModified, next.Total = rd.ETag, rd.LastModified, rd.Total
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if d.userAgent != "" {
		req.Header.Set("User-Agent", d.userAgent)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		if v := rd.validator(); v != "" {
			req.Header.Set("If-Range", v)
		}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		next.Offset = fileSize(tempPath)
		return next, fmt.Errorf("failed to download file: %w", err)
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	switch {
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		flags |= os.O_APPEND
		if total := contentRangeTotal(resp.Header.Get("Content-Range")); total > 0 {
			next.Total = total
		}
	case resp.StatusCode == http.StatusOK:
		offset = 0
		flags |= os.O_TRUNC
		next.Total = resp.ContentLength
		if next.Total < 0 {
			next.Total = 0
		}
	default:
		next.Offset = fileSize(tempPath)
		return next, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	if etag := resp.Header.Get("ETag"); etag != "" {
		next.ETag = etag
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		next.LastModified = lm
	}

	file, err := os.OpenFile(tempPath, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}

	reader := NewProgressReader(resp.Body, next.Total, d.interval, func(current, total, speed int64) {
		if progress != nil {
			progress(offset+current, total, speed)
		}
	})

	_, copyErr := io.Copy(file, reader)
	closeErr := file.Close()
	next.Offset = fileSize(tempPath)
	if copyErr != nil {
		return next, fmt.Errorf("failed to write file: %w", copyErr)
	}
	if closeErr != nil {
		return next, fmt.Errorf("failed to write file: %w", closeErr)
	}
	return next, nil
}

// contentRangeTotal parses the size out of "bytes 200-1023/1024".
func contentRangeTotal(header string) int64 {
	var start, end, total int64
	if n, err := fmt.Sscanf(header, "bytes %d-%d/%d", &start, &end, &total); n == 3 && err == nil {
		return total
	}
	return 0
}

func fileSize(path string) int64 {
	stat, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return stat.Size()
}

// CleanupTempFile removes a temporary download file
func CleanupTempFile(tempPath string) error {
	if tempPath == "" {
		return nil
	}
	if err := os.Remove(tempPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to cleanup temp file: %w", err)
	}
	return nil
}
