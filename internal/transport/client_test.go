package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type memFile struct {
	name  string
	ctype string
	data  []byte
}

func (m *memFile) Name() string        { return m.name }
func (m *memFile) Size() int64         { return int64(len(m.data)) }
func (m *memFile) ContentType() string { return m.ctype }
func (m *memFile) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(m.data)), nil
}

func pngFile(name string, n int) FileRef {
	return &memFile{name: name, ctype: "image/png", data: bytes.Repeat([]byte{0xAB}, n)}
}

func TestUploadBatchSuccess(t *testing.T) {
	var gotFaceLimit string
	var gotFiles int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/upload" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		gotFaceLimit = r.FormValue("face_limit")
		gotFiles = len(r.MultipartForm.File["files"])
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"taskId":"task-123"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	files := []FileRef{pngFile("a.png", 100), pngFile("b.png", 50)}

	var lastSent, lastTotal int64
	res, err := c.UploadBatch(context.Background(), files, UploadOptions{
		FaceLimit: 5000,
		Progress:  func(sent, total int64) { lastSent, lastTotal = sent, total },
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if res.TaskID != "task-123" {
		t.Fatalf("task id = %q, want task-123", res.TaskID)
	}
	if gotFaceLimit != "5000" {
		t.Fatalf("face_limit = %q", gotFaceLimit)
	}
	if gotFiles != 2 {
		t.Fatalf("server saw %d files, want 2", gotFiles)
	}
	if lastSent != 150 || lastTotal != 150 {
		t.Fatalf("progress sent=%d total=%d, want 150/150", lastSent, lastTotal)
	}
}

func TestUploadBatchTopLevelTaskID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.Write([]byte(`{"task_id":"t-9"}`))
	}))
	defer srv.Close()

	res, err := NewClient(srv.URL).UploadBatch(context.Background(), []FileRef{pngFile("a.png", 1)}, UploadOptions{})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if res.TaskID != "t-9" {
		t.Fatalf("task id = %q", res.TaskID)
	}
}

func TestUploadBatchMissingTaskID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.Write([]byte(`{"data":{"status":"accepted"}}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).UploadBatch(context.Background(), []FileRef{pngFile("a.png", 1)}, UploadOptions{})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("want ValidationError, got %v", err)
	}
	if Retryable(err) {
		t.Fatalf("validation errors must not be retryable")
	}
}

func TestUploadBatchServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error":{"code":"UPSTREAM_DOWN","message":"worker pool unavailable"}}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).UploadBatch(context.Background(), []FileRef{pngFile("a.png", 1)}, UploadOptions{})
	var ae *APIError
	if !errors.As(err, &ae) {
		t.Fatalf("want APIError, got %v", err)
	}
	if ae.Status != http.StatusBadGateway || ae.Code != "UPSTREAM_DOWN" {
		t.Fatalf("unexpected apierror: %+v", ae)
	}
	if !Retryable(err) {
		t.Fatalf("5xx should be retryable")
	}
}

func TestUploadBatchRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).UploadBatch(context.Background(), []FileRef{pngFile("a.png", 1)}, UploadOptions{})
	if !Retryable(err) {
		t.Fatalf("429 should be retryable")
	}
	if hint := RetryAfterHint(err); hint != 7*time.Second {
		t.Fatalf("retry-after hint = %v, want 7s", hint)
	}
}

func TestUploadBatchClientValidationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"detail":"unsupported file type"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).UploadBatch(context.Background(), []FileRef{pngFile("a.png", 1)}, UploadOptions{})
	var ae *APIError
	if !errors.As(err, &ae) {
		t.Fatalf("want APIError, got %v", err)
	}
	if ae.Message != "unsupported file type" {
		t.Fatalf("message = %q", ae.Message)
	}
	if Retryable(err) {
		t.Fatalf("400 must not be retryable")
	}
}

func TestUploadBatchNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	_, err := NewClient(srv.URL).UploadBatch(context.Background(), []FileRef{pngFile("a.png", 1)}, UploadOptions{})
	var ne *NetworkError
	if !errors.As(err, &ne) {
		t.Fatalf("want NetworkError, got %v", err)
	}
	if !Retryable(err) {
		t.Fatalf("network errors are always retryable")
	}
}

func TestValidateFiles(t *testing.T) {
	limits := Limits{MaxFileBytes: 100, MaxFilesPerBatch: 2, AllowedTypes: []string{"image/png"}}

	if err := ValidateFiles(nil, limits); err == nil {
		t.Fatalf("empty batch should fail")
	}
	ok := []FileRef{pngFile("a.png", 10)}
	if err := ValidateFiles(ok, limits); err != nil {
		t.Fatalf("valid batch rejected: %v", err)
	}
	tooMany := []FileRef{pngFile("a.png", 1), pngFile("b.png", 1), pngFile("c.png", 1)}
	if err := ValidateFiles(tooMany, limits); err == nil {
		t.Fatalf("count limit not enforced")
	}
	tooBig := []FileRef{pngFile("a.png", 200)}
	if err := ValidateFiles(tooBig, limits); err == nil {
		t.Fatalf("size limit not enforced")
	}
	badType := []FileRef{&memFile{name: "a.gif", ctype: "image/gif", data: []byte{1}}}
	var ve *ValidationError
	if err := ValidateFiles(badType, limits); !errors.As(err, &ve) {
		t.Fatalf("type limit not enforced")
	}
}

func TestUserMessageDistinguishesClasses(t *testing.T) {
	_, action := UserMessage(&NetworkError{Op: "upload", Err: errors.New("refused")})
	if action == "" {
		t.Fatalf("network action empty")
	}
	msg, _ := UserMessage(&APIError{Status: 429})
	if msg == "" {
		t.Fatalf("rate limit message empty")
	}
	msg, _ = UserMessage(&ValidationError{Message: "bad file"})
	if msg != "bad file" {
		t.Fatalf("validation message = %q", msg)
	}
}
