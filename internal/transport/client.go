package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/pranitl/image2model/pkg/log"
)

// Client performs upload calls against the backend API.
type Client struct {
	baseURL string
	httpc   *http.Client
	logger  log.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying *http.Client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.httpc = h }
}

// WithLogger sets the client logger.
func WithLogger(l log.Logger) ClientOption {
	return func(c *Client) { c.logger = l.WithComponent("transport") }
}

// NewClient creates an upload client for the given API base URL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: 10 * time.Minute},
		logger:  log.NewTestLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// UploadOptions carries per-batch parameters.
type UploadOptions struct {
	// FaceLimit is passed through to the backend untouched; zero omits it.
	FaceLimit int
	// Progress, when set, receives cumulative sent bytes against the total.
	Progress func(sent, total int64)
}

// UploadResult is the parsed success response of an upload call.
type UploadResult struct {
	TaskID string
}

// UploadBatch posts the files as one multipart batch and returns the backend
// task id. The body is streamed; Progress fires as file bytes are consumed
// by the request.
func (c *Client) UploadBatch(ctx context.Context, files []FileRef, opts UploadOptions) (*UploadResult, error) {
	if len(files) == 0 {
		return nil, &ValidationError{Field: "files", Message: "no files selected"}
	}

	var total int64
	for _, f := range files {
		total += f.Size()
	}
	counter := &progressCounter{total: total, fn: opts.Progress}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeBatchBody(mw, files, opts, counter))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/upload", pr)
	if err != nil {
		return nil, fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyTransportError("upload", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, classifyTransportError("read response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, parseAPIError(resp, body)
	}

	taskID, ok := extractTaskID(body)
	if !ok {
		return nil, &ValidationError{
			Field:   "response",
			Message: "upload response is missing a task id",
		}
	}

	c.logger.Info("batch uploaded",
		log.Str("task_id", taskID),
		log.Int("files", len(files)),
		log.Int64("bytes", total),
		log.Duration("elapsed", time.Since(start)))
	return &UploadResult{TaskID: taskID}, nil
}

func writeBatchBody(mw *multipart.Writer, files []FileRef, opts UploadOptions, counter *progressCounter) error {
	if opts.FaceLimit > 0 {
		if err := mw.WriteField("face_limit", strconv.Itoa(opts.FaceLimit)); err != nil {
			return err
		}
	}
	for _, f := range files {
		hdr := make(textproto.MIMEHeader)
		hdr.Set("Content-Disposition",
			fmt.Sprintf(`form-data; name="files"; filename="%s"`, escapeQuotes(f.Name())))
		hdr.Set("Content-Type", f.ContentType())
		part, err := mw.CreatePart(hdr)
		if err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("open %s: %w", f.Name(), err)
		}
		_, err = io.Copy(part, counter.wrap(rc))
		rc.Close()
		if err != nil {
			return fmt.Errorf("copy %s: %w", f.Name(), err)
		}
	}
	return mw.Close()
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string { return quoteEscaper.Replace(s) }

func classifyTransportError(op string, err error) error {
	var nerr net.Error
	timeout := errors.As(err, &nerr) && nerr.Timeout()
	return &NetworkError{Op: op, Timeout: timeout, Err: err}
}

// parseAPIError builds an APIError from a failed response, honoring a JSON
// error body and the Retry-After header when present.
func parseAPIError(resp *http.Response, body []byte) error {
	apiErr := &APIError{
		Status:  resp.StatusCode,
		Message: http.StatusText(resp.StatusCode),
	}
	var envelope struct {
		Error struct {
			Code      string `json:"code"`
			Message   string `json:"message"`
			Retryable bool   `json:"retryable"`
		} `json:"error"`
		Detail  string `json:"detail"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &envelope) == nil {
		switch {
		case envelope.Error.Message != "":
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Transient = envelope.Error.Retryable
		case envelope.Detail != "":
			apiErr.Message = envelope.Detail
		case envelope.Message != "":
			apiErr.Message = envelope.Message
		}
	}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs >= 0 {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return apiErr
}

// extractTaskID looks for a task/batch identifier either at the top level or
// under a "data" envelope. Absence is a hard error for the caller: without
// it there is nothing to subscribe the status stream to.
func extractTaskID(body []byte) (string, bool) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(body, &root); err != nil {
		return "", false
	}
	if id, ok := taskIDFrom(root); ok {
		return id, true
	}
	if data, ok := root["data"]; ok {
		var nested map[string]json.RawMessage
		if json.Unmarshal(data, &nested) == nil {
			return taskIDFrom(nested)
		}
	}
	return "", false
}

func taskIDFrom(m map[string]json.RawMessage) (string, bool) {
	for _, key := range []string{"taskId", "task_id", "jobId", "job_id", "batchId", "batch_id"} {
		raw, ok := m[key]
		if !ok {
			continue
		}
		var s string
		if json.Unmarshal(raw, &s) == nil && s != "" {
			return s, true
		}
	}
	return "", false
}

// progressCounter accumulates bytes across files and fires the callback.
type progressCounter struct {
	total int64
	sent  int64
	fn    func(sent, total int64)
}

func (p *progressCounter) wrap(r io.Reader) io.Reader {
	if p.fn == nil {
		return r
	}
	return &countingReader{r: r, c: p}
}

type countingReader struct {
	r io.Reader
	c *progressCounter
}

func (cr *countingReader) Read(b []byte) (int, error) {
	n, err := cr.r.Read(b)
	if n > 0 {
		cr.c.sent += int64(n)
		cr.c.fn(cr.c.sent, cr.c.total)
	}
	return n, err
}
