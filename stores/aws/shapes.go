package aws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"

	"shapesync/core"
)

const keyPrefix = "shapes/"

// ObjectAPI is the subset of *s3.Client the store needs.
type ObjectAPI interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type s3Store struct {
	client ObjectAPI
	bucket string
	// S3 offers no compare-and-swap here, so writers in this process are
	// serialised. Run a single writer per bucket.
	mu sync.Mutex
}

// NewShapeStore stores one JSON object per shape under the shapes/ prefix.
func NewShapeStore(ctx context.Context, bucketName string) (core.ShapeRepository, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	return NewShapeStoreWithClient(s3.NewFromConfig(cfg), bucketName), nil
}

func NewShapeStoreWithClient(client ObjectAPI, bucketName string) core.ShapeRepository {
	return &s3Store{client: client, bucket: bucketName}
}

func shapeKey(id string) (string, error) {
	if id == "" || path.Base(id) != id || id == "." || id == ".." {
		return "", &core.ValidationError{Field: "id", Reason: "must be a plain name"}
	}
	return keyPrefix + id + ".json", nil
}

func (s *s3Store) get(ctx context.Context, id string) (*core.Shape, error) {
	key, err := shapeKey(id)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, core.NotFound(id)
		}
		return nil, core.Transient("get", fmt.Errorf("failed to get shape %s: %w", id, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.Transient("get", fmt.Errorf("failed to read shape data: %w", err))
	}
	var shape core.Shape
	if err := json.Unmarshal(data, &shape); err != nil {
		return nil, fmt.Errorf("failed to unmarshal shape %s: %w", id, err)
	}
	return &shape, nil
}

func (s *s3Store) put(ctx context.Context, shape *core.Shape) error {
	key, err := shapeKey(shape.ID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(shape)
	if err != nil {
		return fmt.Errorf("failed to marshal shape: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return core.Transient("put", fmt.Errorf("failed to save shape %s: %w", shape.ID, err))
	}
	return nil
}

func (s *s3Store) List(ctx context.Context) ([]*core.Shape, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list(ctx)
}

func (s *s3Store) list(ctx context.Context) ([]*core.Shape, error) {
	shapes := make([]*core.Shape, 0)
	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(keyPrefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, core.Transient("list", fmt.Errorf("failed to list shapes: %w", err))
		}
		for _, object := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(object.Key), keyPrefix)
			if !strings.HasSuffix(name, ".json") {
				continue
			}
			shape, err := s.get(ctx, strings.TrimSuffix(name, ".json"))
			if err != nil {
				logrus.WithError(err).Warnf("Failed to load shape object %s, skipping", name)
				continue
			}
			shapes = append(shapes, shape)
		}
	}
	core.SortShapes(shapes)
	return shapes, nil
}

func (s *s3Store) Create(ctx context.Context, shape *core.Shape) error {
	return s.CreateBatch(ctx, []*core.Shape{shape})
}

func (s *s3Store) CreateBatch(ctx context.Context, shapes []*core.Shape) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, shape := range shapes {
		core.PrepareCreate(shape)
		if err := s.put(ctx, shape); err != nil {
			return err
		}
	}
	logrus.WithFields(logrus.Fields{"bucket": s.bucket, "shape_count": len(shapes)}).Info("Shapes created successfully")
	return nil
}

func (s *s3Store) Update(ctx context.Context, id string, attrs core.Attrs, opts ...core.WriteOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if err := core.NewWriteOptions(opts...).Check(current); err != nil {
		return err
	}
	next := current.Apply(attrs)
	next.UpdatedAt = core.NowMillis()
	return s.put(ctx, next)
}

func (s *s3Store) Delete(ctx context.Context, id string, opts ...core.WriteOption) error {
	return s.DeleteBatch(ctx, []string{id}, opts...)
}

func (s *s3Store) DeleteBatch(ctx context.Context, ids []string, opts ...core.WriteOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := core.NewWriteOptions(opts...)

	for _, id := range ids {
		current, err := s.get(ctx, id)
		if err != nil {
			return err
		}
		if err := o.Check(current); err != nil {
			return err
		}
	}
	for _, id := range ids {
		key, _ := shapeKey(id)
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return core.Transient("delete", fmt.Errorf("failed to delete shape %s: %w", id, err))
		}
	}
	logrus.WithFields(logrus.Fields{"bucket": s.bucket, "shape_count": len(ids)}).Info("Shapes deleted successfully")
	return nil
}

func (s *s3Store) Reorder(ctx context.Context, zIndices map[string]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, z := range zIndices {
		current, err := s.get(ctx, id)
		if errors.Is(err, core.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		current.ZIndex = z
		current.UpdatedAt = core.NowMillis()
		if err := s.put(ctx, current); err != nil {
			return err
		}
	}
	return nil
}

func (s *s3Store) ReleaseLocksHeldBy(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, fmt.Errorf("user id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	shapes, err := s.list(ctx)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, shape := range shapes {
		if shape.LockedBy != userID {
			continue
		}
		next := shape.Apply(core.UnlockAttrs())
		next.UpdatedAt = core.NowMillis()
		if err := s.put(ctx, next); err != nil {
			return released, err
		}
		released++
	}
	return released, nil
}
