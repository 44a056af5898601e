// Package httpapi is the HTTP implementation of transport.Backend.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httputil"
	"net/textproto"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bitrise-io/go-mediaupload/media"
	"github.com/bitrise-io/go-mediaupload/transport"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

const maxErrorBody = 1024

// Config ...
type Config struct {
	BaseURL string
	// Token is sent as a bearer token when set.
	Token string
	// ControlRetries is how often initiate, finalize and abort are retried by the client.
	// Segment and direct uploads are never retried here.
	ControlRetries int
	RetryWaitMin   time.Duration
	RetryWaitMax   time.Duration
}

type initiateResponse struct {
	UploadID string `json:"upload_id"`
}

type segmentResponse struct {
	Index int    `json:"index"`
	ETag  string `json:"etag"`
}

// Client talks to an upload server.
type Client struct {
	control *retryablehttp.Client
	data    *retryablehttp.Client
	baseURL string
	token   string
	logger  log.Logger

	mu    sync.Mutex
	sizes map[string]int64
}

// New creates a Client.
func New(config Config, logger log.Logger) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("API base URL is empty")
	}
	if _, err := url.ParseRequestURI(config.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid API base URL: %w", err)
	}
	if config.ControlRetries < 0 {
		return nil, fmt.Errorf("control retries must not be negative, got %d", config.ControlRetries)
	}
	if logger == nil {
		logger = log.NewLogger()
	}

	control := retryhttp.NewClient(logger)
	control.RetryMax = config.ControlRetries
	if config.RetryWaitMin > 0 {
		control.RetryWaitMin = config.RetryWaitMin
	}
	if config.RetryWaitMax > 0 {
		control.RetryWaitMax = config.RetryWaitMax
	}
	control.CheckRetry = checkRetry(logger)
	control.ErrorHandler = retryablehttp.PassthroughErrorHandler

	data := retryhttp.NewClient(logger)
	data.RetryMax = 0
	data.HTTPClient = control.HTTPClient
	data.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		control: control,
		data:    data,
		baseURL: strings.TrimSuffix(config.BaseURL, "/"),
		token:   config.Token,
		logger:  logger,
		sizes:   map[string]int64{},
	}, nil
}

func checkRetry(logger log.Logger) retryablehttp.CheckRetry {
	return func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		retry, checkErr := retryablehttp.DefaultRetryPolicy(ctx, resp, err)
		logger.Debugf("CheckRetry: retry=%v ; err=%+v ; requestErr=%+v", retry, checkErr, err)
		return retry, checkErr
	}
}

// Initiate implements transport.Backend.
func (c *Client) Initiate(ctx context.Context, meta transport.Metadata) (string, error) {
	body, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}

	resp, err := c.do(ctx, c.control, "initiate", http.MethodPost, c.baseURL+"/uploads", body, "application/json")
	if err != nil {
		return "", err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusCreated {
		return "", unwrapError("initiate", resp)
	}

	var response initiateResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", fmt.Errorf("decode initiate response: %w", err)
	}
	if response.UploadID == "" {
		return "", transport.Permanent(errors.New("initiate: server returned no upload ID"))
	}

	c.mu.Lock()
	c.sizes[response.UploadID] = meta.SizeBytes
	c.mu.Unlock()
	return response.UploadID, nil
}

// PutSegment implements transport.Backend. It sends one request; retries belong to the
// segment uploader.
func (c *Client) PutSegment(ctx context.Context, uploadID string, index int, r media.Range, body io.ReadSeeker) error {
	endpoint := fmt.Sprintf("%s/uploads/%s/segments/%d", c.baseURL, url.PathEscape(uploadID), index)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, endpoint, body)
	if err != nil {
		return err
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Range", r.ContentRange(c.totalSize(uploadID)))
	// Add Content-Length header manually because retryablehttp doesn't do it automatically
	req.Header.Set("Content-Length", fmt.Sprintf("%d", r.Len()))
	req.ContentLength = r.Len()

	resp, err := c.data.Do(req)
	if err != nil {
		return fmt.Errorf("put segment %d: %w", index, err)
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return unwrapError(fmt.Sprintf("put segment %d", index), resp)
	}

	var ack segmentResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return fmt.Errorf("decode segment %d response: %w", index, err)
	}
	c.logger.Debugf("Segment %d stored (etag: %s)", ack.Index, ack.ETag)
	return nil
}

// Finalize implements transport.Backend. A 422 response is reported as
// transport.ErrFinalizeRejected.
func (c *Client) Finalize(ctx context.Context, uploadID string, params transport.FinalizeParams) (transport.Result, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return transport.Result{}, err
	}

	endpoint := fmt.Sprintf("%s/uploads/%s/finalize", c.baseURL, url.PathEscape(uploadID))
	resp, err := c.do(ctx, c.control, "finalize", http.MethodPost, endpoint, body, "application/json")
	if err != nil {
		return transport.Result{}, err
	}
	defer c.closeBody(resp.Body)

	dump, err := httputil.DumpResponse(resp, false)
	if err != nil {
		c.logger.Warnf("error while dumping response: %s", err)
	}
	c.logger.Debugf("Finalize response dump: %s", string(dump))

	if resp.StatusCode == http.StatusUnprocessableEntity {
		return transport.Result{}, transport.Permanent(fmt.Errorf("%w: %w", transport.ErrFinalizeRejected, unwrapError("finalize", resp)))
	}
	if resp.StatusCode != http.StatusOK {
		return transport.Result{}, unwrapError("finalize", resp)
	}
	c.forget(uploadID)
	return decodeResult(resp.Body)
}

// UploadDirect implements transport.Backend with a single multipart request. The file is
// streamed from disk, never buffered.
func (c *Client) UploadDirect(ctx context.Context, file *media.File, params transport.FinalizeParams) (transport.Result, error) {
	body, length, contentType, err := multipartBody(file, params)
	if err != nil {
		return transport.Result{}, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/media", body)
	if err != nil {
		return transport.Result{}, err
	}
	c.authorize(req)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Content-Length", fmt.Sprintf("%d", length))
	req.ContentLength = length

	resp, err := c.data.Do(req)
	if err != nil {
		return transport.Result{}, fmt.Errorf("upload: %w", err)
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode == http.StatusUnprocessableEntity {
		return transport.Result{}, transport.Permanent(fmt.Errorf("%w: %w", transport.ErrFinalizeRejected, unwrapError("upload", resp)))
	}
	if resp.StatusCode != http.StatusCreated {
		return transport.Result{}, unwrapError("upload", resp)
	}
	return decodeResult(resp.Body)
}

// Abort implements transport.Aborter. An unknown upload counts as aborted.
func (c *Client) Abort(ctx context.Context, uploadID string) error {
	endpoint := fmt.Sprintf("%s/uploads/%s", c.baseURL, url.PathEscape(uploadID))
	resp, err := c.do(ctx, c.control, "abort", http.MethodDelete, endpoint, nil, "")
	if err != nil {
		return err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return unwrapError("abort", resp)
	}
	c.forget(uploadID)
	return nil
}

// totalSize returns the announced size of an upload, or -1 if it was initiated elsewhere.
func (c *Client) totalSize(uploadID string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if size, ok := c.sizes[uploadID]; ok {
		return size
	}
	return -1
}

func (c *Client) forget(uploadID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sizes, uploadID)
}

func (c *Client) do(ctx context.Context, client *retryablehttp.Client, op, method, endpoint string, body []byte, contentType string) (*http.Response, error) {
	var rawBody interface{}
	if body != nil {
		rawBody = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, endpoint, rawBody)
	if err != nil {
		return nil, err
	}
	c.authorize(req)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return resp, nil
}

// multipartBody frames file as the "file" part of a multipart form. Only the part headers
// and the closing boundary are kept in memory; every call of the returned ReaderFunc
// re-reads the file from the start.
func multipartBody(file *media.File, params transport.FinalizeParams) (retryablehttp.ReaderFunc, int64, string, error) {
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	if err := form.WriteField("post_type", params.PostType); err != nil {
		return nil, 0, "", err
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(file.Name)))
	header.Set("Content-Type", file.MIMEType)
	if _, err := form.CreatePart(header); err != nil {
		return nil, 0, "", err
	}
	prefix := append([]byte(nil), buf.Bytes()...)

	buf.Reset()
	if err := form.Close(); err != nil {
		return nil, 0, "", err
	}
	suffix := append([]byte(nil), buf.Bytes()...)

	body := func() (io.Reader, error) {
		return io.MultiReader(bytes.NewReader(prefix), file.Reader(), bytes.NewReader(suffix)), nil
	}
	length := int64(len(prefix)) + file.Size + int64(len(suffix))
	return body, length, form.FormDataContentType(), nil
}

func (c *Client) authorize(req *retryablehttp.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.token))
	}
}

func (c *Client) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.logger.Printf(err.Error())
	}
}

func decodeResult(body io.Reader) (transport.Result, error) {
	var result transport.Result
	if err := json.NewDecoder(body).Decode(&result); err != nil {
		return transport.Result{}, fmt.Errorf("decode result: %w", err)
	}
	if result.MediaURL == "" {
		return transport.Result{}, transport.Permanent(errors.New("server returned no media URL"))
	}
	return result, nil
}

func unwrapError(op string, resp *http.Response) error {
	errorResp, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return err
	}
	return &transport.StatusError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(errorResp)),
	}
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

var (
	_ transport.Backend = (*Client)(nil)
	_ transport.Aborter = (*Client)(nil)
)
