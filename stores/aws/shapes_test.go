package aws

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"shapesync/core"
	"shapesync/stores/storetest"
)

// fakeBucket is an in-memory stand-in for an S3 bucket.
type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	failPut error
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: make(map[string][]byte)}
}

func (b *fakeBucket) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (b *fakeBucket) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failPut != nil {
		return nil, b.failPut
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	b.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (b *fakeBucket) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (b *fakeBucket) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.objects))
	for k := range b.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range keys {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func TestShapeStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) core.ShapeRepository {
		return NewShapeStoreWithClient(newFakeBucket(), "shapes-test")
	})
}

func TestShapeStore_ObjectLayout(t *testing.T) {
	bucket := newFakeBucket()
	store := NewShapeStoreWithClient(bucket, "shapes-test")

	shape := storetest.Rect("Rectangle 1", 0)
	if err := store.Create(context.Background(), shape); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if _, ok := bucket.objects["shapes/"+shape.ID+".json"]; !ok {
		t.Errorf("object for %s not found, have %d objects", shape.ID, len(bucket.objects))
	}
}

func TestShapeStore_PutFailureIsTransient(t *testing.T) {
	bucket := newFakeBucket()
	store := NewShapeStoreWithClient(bucket, "shapes-test")
	shape := storetest.Rect("Rectangle 1", 0)
	if err := store.Create(context.Background(), shape); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	bucket.failPut = errors.New("connection reset")
	err := store.Update(context.Background(), shape.ID, core.Attrs{core.FieldX: 5.0})
	if !core.IsTransient(err) {
		t.Errorf("Update() error = %v, want transient", err)
	}
}
