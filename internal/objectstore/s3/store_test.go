package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/dray-io/placement/internal/objectstore"
)

// Integration tests run against a MinIO binary at /tmp/minio and are
// skipped when it is missing.
var (
	testMinioProc    *os.Process
	testMinioPort    = "19000"
	testMinioDir     string
	minioAvailable   bool
	minioSkipMessage string
)

func TestMain(m *testing.M) {
	if err := startMinio(); err != nil {
		minioSkipMessage = fmt.Sprintf("MinIO not available: %v", err)
		minioAvailable = false
	} else {
		minioAvailable = true
	}
	code := m.Run()
	stopMinio()
	os.Exit(code)
}

func skipIfMinioUnavailable(t *testing.T) {
	t.Helper()
	if !minioAvailable {
		t.Skip(minioSkipMessage)
	}
}

func startMinio() error {
	minioPath := "/tmp/minio"
	if _, err := os.Stat(minioPath); os.IsNotExist(err) {
		return fmt.Errorf("minio binary not found at %s", minioPath)
	}

	dataDir, err := os.MkdirTemp("", "minio-data-*")
	if err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}
	testMinioDir = dataDir

	os.Setenv("MINIO_ROOT_USER", "minioadmin")
	os.Setenv("MINIO_ROOT_PASSWORD", "minioadmin")

	cmd := exec.Command(minioPath, "server", dataDir, "--address", ":"+testMinioPort, "--quiet")
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		os.RemoveAll(dataDir)
		return fmt.Errorf("failed to start minio: %w", err)
	}

	testMinioProc = cmd.Process

	// Wait for MinIO to be ready
	endpoint := "http://localhost:" + testMinioPort
	for i := 0; i < 30; i++ {
		time.Sleep(100 * time.Millisecond)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		store, err := New(ctx, Config{
			Bucket:          "test-bucket",
			Endpoint:        endpoint,
			Region:          "us-east-1",
			AccessKeyID:     "minioadmin",
			SecretAccessKey: "minioadmin",
			UsePathStyle:    true,
		})
		cancel()
		if err == nil {
			store.Close()
			break
		}
	}

	return nil
}

func stopMinio() {
	if testMinioProc != nil {
		testMinioProc.Kill()
		testMinioProc.Wait()
	}
	if testMinioDir != "" {
		os.RemoveAll(testMinioDir)
	}
}

func testStore(t *testing.T, bucket string) *Store {
	t.Helper()
	skipIfMinioUnavailable(t)
	endpoint := "http://localhost:" + testMinioPort
	ctx := context.Background()

	store, err := New(ctx, Config{
		Bucket:          bucket,
		Endpoint:        endpoint,
		Region:          "us-east-1",
		AccessKeyID:     "minioadmin",
		SecretAccessKey: "minioadmin",
		UsePathStyle:    true,
	})
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	// Create bucket using S3 API
	createBucket(t, store, bucket)

	t.Cleanup(func() {
		deleteBucket(t, store, bucket)
		store.Close()
	})

	return store
}

func createBucket(t *testing.T, store *Store, bucket string) {
	t.Helper()
	ctx := context.Background()

	_, err := store.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(bucket),
	})
	if err != nil && !strings.Contains(err.Error(), "BucketAlreadyOwnedByYou") && !strings.Contains(err.Error(), "BucketAlreadyExists") {
		t.Fatalf("Failed to create bucket: %v", err)
	}
}

func deleteBucket(t *testing.T, store *Store, bucket string) {
	t.Helper()
	ctx := context.Background()

	// List and delete all objects first
	objects, _ := store.List(ctx, "")
	for _, obj := range objects {
		store.Delete(ctx, obj.Key)
	}

	// Delete the bucket
	store.client.DeleteBucket(ctx, &s3.DeleteBucketInput{
		Bucket: aws.String(bucket),
	})
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Config{})
	if err == nil || !strings.Contains(err.Error(), "bucket name is required") {
		t.Fatalf("New without bucket = %v", err)
	}
}

func TestWrapError(t *testing.T) {
	if wrapError("Get", "k", nil) != nil {
		t.Fatal("wrapError(nil) != nil")
	}

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no such key", &types.NoSuchKey{}, objectstore.ErrNotFound},
		{"no such bucket", &types.NoSuchBucket{}, objectstore.ErrBucketNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := wrapError("Get", "k", tt.err)
			if !errors.Is(got, tt.want) {
				t.Errorf("wrapError = %v, want %v", got, tt.want)
			}
			var oe *objectstore.ObjectError
			if !errors.As(got, &oe) || oe.Op != "Get" || oe.Key != "k" {
				t.Errorf("wrapError lost op/key: %v", got)
			}
		})
	}

	plain := errors.New("connection reset")
	if got := wrapError("Put", "k", plain); !errors.Is(got, plain) {
		t.Errorf("wrapError dropped cause: %v", got)
	}
}

func TestPutGetHead(t *testing.T) {
	store := testStore(t, "test-put-get")
	ctx := context.Background()

	key := "load-history/rankings/1.json.zst"
	data := []byte("snapshot")
	opts := objectstore.PutOptions{Metadata: map[string]string{"codec": "zstd"}}
	if err := store.PutWithOptions(ctx, key, bytes.NewReader(data), int64(len(data)), "application/zstd", opts); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	rc, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	got, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("data mismatch: got %q, want %q", got, data)
	}

	meta, err := store.Head(ctx, key)
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	if meta.Size != int64(len(data)) || meta.Metadata["codec"] != "zstd" {
		t.Errorf("Head = %+v", meta)
	}
}

func TestGetNotFound(t *testing.T) {
	store := testStore(t, "test-get-404")

	_, err := store.Get(context.Background(), "nonexistent/key")
	if !errors.Is(err, objectstore.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got: %v", err)
	}
}

func TestIfNoneMatch(t *testing.T) {
	store := testStore(t, "test-if-none-match")
	ctx := context.Background()
	opts := objectstore.PutOptions{IfNoneMatch: "*"}

	if err := store.PutWithOptions(ctx, "k", strings.NewReader("a"), 1, "text/plain", opts); err != nil {
		t.Fatalf("first Put failed: %v", err)
	}
	err := store.PutWithOptions(ctx, "k", strings.NewReader("b"), 1, "text/plain", opts)
	if !errors.Is(err, objectstore.ErrPreconditionFailed) {
		t.Errorf("expected ErrPreconditionFailed, got: %v", err)
	}
}

func TestListAndDelete(t *testing.T) {
	store := testStore(t, "test-list")
	ctx := context.Background()

	for _, key := range []string{"h/quotas/2", "h/rankings/1", "h/rankings/2"} {
		if err := store.Put(ctx, key, strings.NewReader(key), int64(len(key)), "text/plain"); err != nil {
			t.Fatalf("Put(%s) failed: %v", key, err)
		}
	}

	list, err := store.List(ctx, "h/rankings/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 || list[0].Key != "h/rankings/1" {
		t.Fatalf("List = %+v", list)
	}

	if err := store.Delete(ctx, "h/rankings/1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := store.Delete(ctx, "h/rankings/1"); err != nil {
		t.Fatalf("second Delete failed: %v", err)
	}
	list, _ = store.List(ctx, "h/rankings/")
	if len(list) != 1 {
		t.Errorf("after delete List = %+v", list)
	}
}

func TestClosedStore(t *testing.T) {
	store, err := New(context.Background(), Config{
		Bucket:          "test-closed",
		Endpoint:        "http://localhost:" + testMinioPort,
		AccessKeyID:     "minioadmin",
		SecretAccessKey: "minioadmin",
		UsePathStyle:    true,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	store.Close()

	ctx := context.Background()
	if _, err := store.Get(ctx, "k"); !errors.Is(err, objectstore.ErrClosed) {
		t.Errorf("Get after close = %v", err)
	}
	if err := store.Put(ctx, "k", strings.NewReader("x"), 1, ""); !errors.Is(err, objectstore.ErrClosed) {
		t.Errorf("Put after close = %v", err)
	}
	if _, err := store.List(ctx, ""); !errors.Is(err, objectstore.ErrClosed) {
		t.Errorf("List after close = %v", err)
	}
}
