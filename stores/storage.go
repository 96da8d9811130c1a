package stores

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"shapesync/config"
	"shapesync/core"
	"shapesync/stores/aws"
	"shapesync/stores/changefeed"
	"shapesync/stores/filesystem"
	"shapesync/stores/memory"
	"shapesync/stores/mysql"
	"shapesync/stores/sqlite"
)

// GetStore builds the configured backend, wraps it with the Kafka change
// feed when brokers are set, and makes it live. The returned func releases
// whatever the backend opened.
func GetStore(ctx context.Context, cfg *config.Config) (*Live, func(), error) {
	var (
		repo    core.ShapeRepository
		err     error
		closers []func()
	)

	storageType := cfg.Storage.Type
	storageField := logrus.Fields{
		"storageType": storageType,
	}

	switch storageType {
	case "filesystem":
		storageField["basePath"] = cfg.Storage.LocalPath
		repo, err = filesystem.NewShapeStore(cfg.Storage.LocalPath)
	case "sqlite":
		storageField["dataSourceName"] = cfg.Storage.DataSource
		repo, err = sqlite.NewShapeStore(cfg.Storage.DataSource)
		if err == nil {
			r := repo
			closers = append(closers, func() { sqlite.Close(r) })
		}
	case "s3":
		if cfg.Storage.Bucket == "" {
			return nil, nil, fmt.Errorf("S3_BUCKET_NAME must be set for s3 storage type")
		}
		storageField["bucketName"] = cfg.Storage.Bucket
		repo, err = aws.NewShapeStore(ctx, cfg.Storage.Bucket)
	case "mysql":
		if cfg.Storage.MySQLDSN == "" {
			return nil, nil, fmt.Errorf("storage.mysqlDsn must be set for mysql storage type")
		}
		db, openErr := mysql.Open(cfg.Storage.MySQLDSN)
		if openErr != nil {
			return nil, nil, fmt.Errorf("failed to connect mysql: %w", openErr)
		}
		repo, err = mysql.NewShapeStore(db)
	default:
		repo = memory.NewShapeStore()
		storageField["storageType"] = "in-memory"
	}
	if err != nil {
		return nil, nil, err
	}

	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := changefeed.NewProducer(cfg.Kafka.Brokers)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect kafka: %w", err)
		}
		d := changefeed.NewDispatcher(producer, cfg.Kafka.Topic, changefeed.DefaultOptions())
		repo = changefeed.Wrap(repo, d)
		closers = append(closers, func() {
			d.Close()
			if err := producer.Close(); err != nil {
				logrus.WithError(err).Warn("Failed to close kafka producer")
			}
		})
		storageField["kafkaTopic"] = cfg.Kafka.Topic
	}

	live := NewLive(repo)
	logrus.WithFields(storageField).Info("Use storage")

	return live, func() {
		live.Close()
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}, nil
}
