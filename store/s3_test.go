package store

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// fakeS3Server answers PUT requests the way S3 does for a single-part
// PutObject call, which is all the uploader issues for bodies smaller than
// its part size. It is enough to exercise Client.StartUpload end-to-end
// without a real AWS account.
type fakeS3Server struct {
	mu    sync.Mutex
	puts  map[string][]byte
	fail  bool
}

func (s *fakeS3Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.fail {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	if s.puts == nil {
		s.puts = map[string][]byte{}
	}
	s.puts[strings.TrimPrefix(r.URL.Path, "/")] = body
	s.mu.Unlock()

	w.Header().Set("ETag", `"fake-etag"`)
	w.WriteHeader(http.StatusOK)
}

func (s *fakeS3Server) get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.puts[key]
	return b, ok
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	ctx := context.Background()

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "")),
	)
	if err != nil {
		t.Fatalf("load aws config: %v", err)
	}

	s3Client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(srv.URL)
		o.UsePathStyle = true
	})

	return NewFromS3Client(s3Client, "test-bucket")
}

func TestStartUpload_Success(t *testing.T) {
	fake := &fakeS3Server{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	client := newTestClient(t, srv)

	body := bytes.NewBufferString("gzip-bytes-go-here")
	upload := client.StartUpload(context.Background(), "team_id/acme/session_id/s1/data/1-2", body)

	<-upload.Done()
	if err := upload.Err(); err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	got, ok := fake.get("test-bucket/team_id/acme/session_id/s1/data/1-2")
	if !ok {
		t.Fatal("expected PUT to have been recorded")
	}
	if string(got) != "gzip-bytes-go-here" {
		t.Errorf("uploaded body = %q, want %q", got, "gzip-bytes-go-here")
	}
}

func TestStartUpload_ServerError(t *testing.T) {
	fake := &fakeS3Server{fail: true}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	client := newTestClient(t, srv)

	upload := client.StartUpload(context.Background(), "some/key", bytes.NewBufferString("x"))
	<-upload.Done()

	if upload.Err() == nil {
		t.Fatal("expected an error from a failing server")
	}
	if IsAbortError(upload.Err()) {
		t.Error("a server error must not be classified as an abort error")
	}
}

func TestStartUpload_Abort(t *testing.T) {
	block := make(chan struct{})
	blockingHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	})
	srv := httptest.NewServer(blockingHandler)
	defer func() {
		close(block)
		srv.Close()
	}()

	client := newTestClient(t, srv)

	upload := client.StartUpload(context.Background(), "some/key", bytes.NewBufferString("x"))
	upload.Abort()

	<-upload.Done()
	if !IsAbortError(upload.Err()) {
		t.Errorf("expected an abort error, got %v", upload.Err())
	}
}

func TestNew_RequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Config{})
	if err == nil {
		t.Fatal("expected error for empty bucket")
	}
}
