package snapshot

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// fakeS3 keeps objects in memory. Snapshots in tests stay below the
// uploader's part size, so the multipart calls are never reached.
type fakeS3 struct {
	mu        sync.Mutex
	objects   map[string][]byte
	headErr   error
	putErr    error
	putCalled int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putCalled++
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if f.headErr != nil {
		return nil, f.headErr
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) UploadPart(context.Context, *s3.UploadPartInput, ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return nil, errors.New("multipart upload not supported by fake")
}

func (f *fakeS3) CreateMultipartUpload(context.Context, *s3.CreateMultipartUploadInput, ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return nil, errors.New("multipart upload not supported by fake")
}

func (f *fakeS3) CompleteMultipartUpload(context.Context, *s3.CompleteMultipartUploadInput, ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return nil, errors.New("multipart upload not supported by fake")
}

func (f *fakeS3) AbortMultipartUpload(context.Context, *s3.AbortMultipartUploadInput, ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return &s3.AbortMultipartUploadOutput{}, nil
}

func TestS3Store_Keys(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3()
	s := newS3Store(client, "bucket", "/backups/duper/")

	if err := s.PutSnapshot(ctx, "host-1", strings.NewReader("db"), 2, 3); err != nil {
		t.Fatalf("PutSnapshot() error = %v", err)
	}

	for _, key := range []string{"bucket/backups/duper/host-1.db", "bucket/backups/duper/host-1.version"} {
		if _, ok := client.objects[key]; !ok {
			t.Errorf("object %s not written; have %v", key, keys(client.objects))
		}
	}
	if got := string(client.objects["bucket/backups/duper/host-1.version"]); got != "3" {
		t.Errorf("version object = %q, want %q", got, "3")
	}
}

func TestS3Store_NoPrefix(t *testing.T) {
	s := newS3Store(newFakeS3(), "bucket", "")
	if got := s.key("h.db"); got != "h.db" {
		t.Errorf("key() = %q, want %q", got, "h.db")
	}
}

func TestS3Store_ValidateSetup(t *testing.T) {
	client := newFakeS3()
	s := newS3Store(client, "bucket", "")
	if err := s.ValidateSetup(context.Background()); err != nil {
		t.Fatalf("ValidateSetup() error = %v", err)
	}

	client.headErr = errors.New("forbidden")
	if err := s.ValidateSetup(context.Background()); err == nil {
		t.Error("ValidateSetup() expected error when bucket is unreachable")
	}
}

func TestS3Store_UploadFailure(t *testing.T) {
	client := newFakeS3()
	client.putErr = errors.New("network down")
	s := newS3Store(client, "bucket", "")

	if err := s.PutSnapshot(context.Background(), "host-1", strings.NewReader("db"), 2, 1); err == nil {
		t.Fatal("PutSnapshot() expected error")
	}
	if v, err := s.GetVersion(context.Background(), "host-1"); err != nil || v != 0 {
		t.Errorf("GetVersion() = %d, %v; want 0 after failed upload", v, err)
	}
}

func TestNewS3Store_RequiresBucket(t *testing.T) {
	if _, err := NewS3Store(context.Background(), S3Options{Region: "us-east-1"}); err == nil {
		t.Error("NewS3Store() expected error without bucket")
	}
}

func keys(m map[string][]byte) []string {
	var out []string
	for k := range m {
		out = append(out, k)
	}
	return out
}
