// Package fetch provides the Downloader that pulls original assets over HTTP.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Skryldev/media-pipeline/core"
	apperrors "github.com/Skryldev/media-pipeline/errors"
	"github.com/Skryldev/media-pipeline/utils"
)

// Options configures an HTTP downloader.
type Options struct {
	Timeout       time.Duration // per request; 0 = 30s
	MaxImageBytes int64         // 0 = no limit
	UserAgent     string
	// BaseURL resolves relative references such as reconstructed storage
	// paths ("/media/uploads/a.jpg").
	BaseURL string
	Client  *http.Client
}

// HTTP downloads originals with a bounded timeout and size.
type HTTP struct {
	client  *http.Client
	opts    Options
	baseURL *url.URL
}

// NewHTTP returns a downloader.  An invalid BaseURL is reported eagerly.
func NewHTTP(opts Options) (*HTTP, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	h := &HTTP{client: client, opts: opts}
	if opts.BaseURL != "" {
		u, err := url.Parse(opts.BaseURL)
		if err != nil {
			return nil, apperrors.New(apperrors.CategoryConfig, "fetch.base_url", err)
		}
		h.baseURL = u
	}
	return h, nil
}

// Fetch returns the full body of rawURL.  Every failure is a download error
// and therefore fatal for the asset.
func (h *HTTP) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	target, err := h.resolve(rawURL)
	if err != nil {
		return nil, apperrors.New(apperrors.CategoryDownload, "fetch.url", err)
	}

	ctx, cancel := context.WithTimeout(ctx, h.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, apperrors.New(apperrors.CategoryDownload, "fetch.request", err)
	}
	if h.opts.UserAgent != "" {
		req.Header.Set("User-Agent", h.opts.UserAgent)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, apperrors.New(apperrors.CategoryDownload, "fetch.get", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, apperrors.New(apperrors.CategoryDownload, "fetch.status",
			&apperrors.StatusError{URL: target, Status: resp.StatusCode})
	}
	if h.opts.MaxImageBytes > 0 && resp.ContentLength > h.opts.MaxImageBytes {
		return nil, apperrors.New(apperrors.CategoryDownload, "fetch.size",
			fmt.Errorf("%w: %d bytes", apperrors.ErrTooLarge, resp.ContentLength))
	}

	body := &utils.LimitedReader{R: resp.Body, Max: h.opts.MaxImageBytes, Err: apperrors.ErrTooLarge}
	buf, err := utils.DrainReader(ctx, body, 0)
	if err != nil {
		return nil, apperrors.New(apperrors.CategoryDownload, "fetch.read", err)
	}
	data := utils.CloneBytes(buf.Bytes())
	utils.ReleaseBuffer(buf)

	if len(data) == 0 {
		return nil, apperrors.New(apperrors.CategoryDownload, "fetch.read", apperrors.ErrEmptyInput)
	}
	return data, nil
}

func (h *HTTP) resolve(rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", apperrors.ErrEmptyInput
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	if h.baseURL == nil {
		return "", fmt.Errorf("relative url %q without a base url", rawURL)
	}
	return h.baseURL.ResolveReference(u).String(), nil
}

var _ core.Downloader = (*HTTP)(nil)
