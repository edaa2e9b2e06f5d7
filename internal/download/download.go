// Package download fetches a file over HTTP, resuming a partial local copy
// when the server supports byte ranges.
package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"proxyprobe/internal/shared/logger"
	"proxyprobe/internal/shared/types"
)

// ECode tells the caller why DownloadFile stopped.
type ECode uint32

const (
	ContentLengthMatchFileSize ECode = iota
	ContentLengthIsNotSupported
	ChecksumVerificationFailed
	// Unknown accompanies a normal, completed download.
	Unknown
)

// maxOverlap caps the number of already downloaded bytes fetched again to
// check that the remote file has not changed.
const maxOverlap = 65535

var ErrBadStatus = errors.New("response status code is invalid")

// Response is the outcome of DownloadFile that is not an error.
type Response struct {
	Status  bool   `json:"status"`
	ECode   ECode  `json:"ecode"`
	Message string `json:"message"`
}

// Progress is emitted while the body is written.
type Progress struct {
	Target     string `json:"target"`
	Downloaded int64  `json:"downloaded"`
	Total      *int64 `json:"total"`
}

type Downloader struct {
	client    *retryablehttp.Client
	userAgent string
	log       zerolog.Logger
}

// New builds a Downloader from the [download] section.
func New(cfg types.DownloadConf) *Downloader {
	log := logger.WithComponent("Download")

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.Logger = nil
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			log.Warn().Str("url", req.URL.String()).Int("attempt", attempt).Msg("Request failed, retrying.")
		}
	}
	if cfg.TimeoutSeconds > 0 {
		client.HTTPClient.Timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}

	ua := cfg.UserAgent
	if ua == "" {
		ua = types.DefaultUserAgent
	}
	return &Downloader{client: client, userAgent: ua, log: log}
}

func (d *Downloader) get(ctx context.Context, url string, header http.Header) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("User-Agent", d.userAgent)
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrBadStatus, resp.Status)
	}
	return resp, nil
}

// DownloadFile downloads url into dest. An existing dest is treated as a
// partial download: when the server accepts byte ranges only the missing
// tail is fetched, after re-reading an overlap of up to 1% of the local
// size (at most 64KiB) and comparing it with the local copy.
//
// Progress events are offered to progress without blocking while data
// arrives; the final event is delivered unless ctx is done. progress may be
// nil.
func (d *Downloader) DownloadFile(ctx context.Context, url, dest string, progress chan<- Progress) (Response, error) {
	log := d.log.With().Str("url", url).Str("dest", dest).Logger()

	var local int64
	if info, err := os.Stat(dest); err == nil {
		local = info.Size()
	} else {
		log.Info().Err(err).Msg("[http] ignored error")
	}

	log.Debug().Msg("[http] send GET request before we start")
	first, err := d.get(ctx, url, nil)
	if err != nil {
		return Response{}, err
	}
	first.Body.Close()
	rangesOK := first.Header.Get("Accept-Ranges") == "bytes"
	total := first.ContentLength

	if total < 0 {
		return Response{Status: false, ECode: ContentLengthIsNotSupported, Message: "Server does not support Content-Length"}, nil
	}
	if local == total {
		return Response{Status: true, ECode: ContentLengthMatchFileSize, Message: "File size equals content-length"}, nil
	}
	if local > total || !rangesOK {
		// 无法续传，从头开始
		local = 0
	}

	overlap := min(local/100, maxOverlap)
	var header http.Header
	if local > 0 {
		header = http.Header{"Range": {"bytes=" + strconv.FormatInt(local-overlap, 10) + "-"}}
	}
	resp, err := d.get(ctx, url, header)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()
	if local > 0 && resp.StatusCode != http.StatusPartialContent {
		log.Debug().Int("status", resp.StatusCode).Msg("Range ignored by server, restarting.")
		local, overlap = 0, 0
	}

	flags := os.O_CREATE | os.O_RDWR
	if local == 0 {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(dest, flags, 0o644)
	if err != nil {
		return Response{}, fmt.Errorf("open %s: %w", dest, err)
	}
	defer f.Close()

	if overlap > 0 {
		want := make([]byte, overlap)
		if _, err := f.ReadAt(want, local-overlap); err != nil {
			return Response{}, fmt.Errorf("read local tail: %w", err)
		}
		got := make([]byte, overlap)
		if _, err := io.ReadFull(resp.Body, got); err != nil || !bytes.Equal(want, got) {
			log.Debug().Err(err).Msg("[err] bytes mismatch")
			return Response{Status: false, ECode: ChecksumVerificationFailed, Message: "Unable to verify checksum. File on server is changed"}, nil
		}
		log.Debug().Int64("overlap", overlap).Msg("[+] bytes check passed")
	}
	if _, err := f.Seek(local, io.SeekStart); err != nil {
		return Response{}, err
	}

	n := local
	buf := make([]byte, 32<<10)
	for {
		r, rerr := resp.Body.Read(buf)
		if r > 0 {
			w, werr := f.Write(buf[:r])
			n += int64(w)
			if werr != nil {
				return Response{}, fmt.Errorf("write %s: %w", dest, werr)
			}
			if progress != nil {
				select {
				case progress <- newProgress(n, total):
				default:
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return Response{}, fmt.Errorf("read body: %w", rerr)
		}
	}
	if err := f.Sync(); err != nil {
		return Response{}, err
	}
	log.Debug().Int64("downloaded", n).Msg("download complete.")

	if progress != nil {
		select {
		case progress <- newProgress(n, total):
		case <-ctx.Done():
		}
	}
	return Response{Status: true, ECode: Unknown, Message: "OK"}, nil
}

func newProgress(downloaded, total int64) Progress {
	t := total
	return Progress{Target: "progress", Downloaded: downloaded, Total: &t}
}
