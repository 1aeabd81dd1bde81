package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/vladislavdragonenkov/jms/internal/domain"
)

// fakeS3 хранит объекты в памяти и поддерживает Range вида bytes=N-.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	ranges  []string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	f.types[aws.ToString(in.Key)] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	rng := aws.ToString(in.Range)
	f.ranges = append(f.ranges, rng)
	if rng != "" {
		start, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(rng, "bytes="), "-"), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad range %q", rng)
		}
		data = data[start:]
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	modified := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(f.types[aws.ToString(in.Key)]),
		LastModified:  &modified,
	}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3Store_RangedRead(t *testing.T) {
	fake := newFakeS3()
	store := newS3Store(fake, "media")
	ctx := context.Background()

	if err := store.Put(ctx, "video/clip.mp4", "video/mp4", strings.NewReader("abcdefghij"), 10); err != nil {
		t.Fatalf("put: %v", err)
	}

	obj, err := store.Open(ctx, "video/clip.mp4")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer obj.Close()

	if obj.Size() != 10 || obj.ContentType() != "video/mp4" || obj.ModTime().IsZero() {
		t.Fatalf("unexpected object attrs: size=%d type=%q", obj.Size(), obj.ContentType())
	}
	if len(fake.ranges) != 0 {
		t.Fatal("open must not download the body")
	}

	end, err := obj.Seek(0, io.SeekEnd)
	if err != nil || end != 10 {
		t.Fatalf("seek end: %d / %v", end, err)
	}
	if _, err := obj.Seek(6, io.SeekStart); err != nil {
		t.Fatalf("seek: %v", err)
	}
	tail, err := io.ReadAll(obj)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(tail) != "ghij" {
		t.Fatalf("unexpected tail %q", tail)
	}
	if len(fake.ranges) != 1 || fake.ranges[0] != "bytes=6-" {
		t.Fatalf("unexpected ranges %v", fake.ranges)
	}

	if _, err := obj.Seek(-1, io.SeekStart); err == nil {
		t.Fatal("expected error for negative seek")
	}
}

func TestS3Store_NotFoundAndDelete(t *testing.T) {
	store := newS3Store(newFakeS3(), "media")
	ctx := context.Background()

	if _, err := store.Open(ctx, "missing"); !errors.Is(err, domain.ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
	if err := store.Delete(ctx, "missing"); err != nil {
		t.Fatalf("delete missing: %v", err)
	}
}

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"no such key", fmt.Errorf("wrapped: %w", &types.NoSuchKey{}), true},
		{"not found", &types.NotFound{}, true},
		{"other", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isNotFound(tt.err); got != tt.want {
				t.Fatalf("isNotFound = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewS3Store_RequiresBucket(t *testing.T) {
	if _, err := NewS3Store(context.Background(), S3Config{}); err == nil {
		t.Fatal("expected error for empty bucket")
	}
}
