// Package archive hands closed partition files to downstream consumers: it
// uploads them to a blob store and announces them on a topic.
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/JakeFAU/incident-harvester/internal/hash/sha256"
	"github.com/JakeFAU/incident-harvester/internal/progress"
	"github.com/JakeFAU/incident-harvester/internal/storage"
	"github.com/JakeFAU/incident-harvester/internal/worker"
)

// EventPartitionReady is the event attribute on every announcement.
const EventPartitionReady = "partition_ready"

// Publisher sends a JSON payload to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any, attrs map[string]string) (string, error)
}

// Config controls key layout and notification.
type Config struct {
	// Prefix is the leading key segment, <prefix>/<run_id>/<file>.
	Prefix string
	// Topic receives partition_ready messages. Empty disables publishing.
	Topic string
}

// PartitionReady is the message published per archived partition.
type PartitionReady struct {
	RunID     string `json:"run_id"`
	Partition string `json:"partition"`
	Lower     int64  `json:"lower"`
	Upper     int64  `json:"upper"`
	Rows      int    `json:"rows"`
	Bytes     int64  `json:"bytes"`
	SHA256    string `json:"sha256"`
	URI       string `json:"uri"`
	Status    string `json:"status"`
}

// Archiver implements worker.Archiver.
type Archiver struct {
	cfg    Config
	store  storage.BlobStore
	pub    Publisher
	hasher *sha256.Hasher
	run    progress.Run
	logger *zap.Logger
}

var _ worker.Archiver = (*Archiver)(nil)

// New builds an Archiver. A nil store announces the local file path instead
// of uploading; a nil publisher skips announcements.
func New(cfg Config, store storage.BlobStore, pub Publisher, run progress.Run, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{cfg: cfg, store: store, pub: pub, hasher: sha256.New(), run: run, logger: logger.Named("archive")}
}

// Archive uploads p and publishes its PartitionReady message.
func (a *Archiver) Archive(ctx context.Context, p worker.Partition) error {
	digest, err := a.hasher.HashFile(p.Path)
	if err != nil {
		return fmt.Errorf("digest partition %s: %w", p.Key, err)
	}
	uri, err := a.upload(ctx, p, digest)
	if err != nil {
		return err
	}
	msg := PartitionReady{
		RunID:     a.run.ID.String(),
		Partition: p.Key,
		Lower:     int64(p.Span.Lower),
		Upper:     int64(p.Span.Upper),
		Rows:      p.Rows,
		Bytes:     digest.Size,
		SHA256:    digest.Hex,
		URI:       uri,
		Status:    string(p.Status),
	}
	if a.pub == nil || a.cfg.Topic == "" {
		a.logger.Info("partition archived", zap.String("partition", p.Key), zap.String("uri", uri))
		return nil
	}
	id, err := a.pub.Publish(ctx, a.cfg.Topic, msg, map[string]string{
		"event":  EventPartitionReady,
		"run_id": msg.RunID,
	})
	if err != nil {
		return fmt.Errorf("announce partition %s: %w", p.Key, err)
	}
	a.logger.Info("partition announced",
		zap.String("partition", p.Key),
		zap.String("uri", uri),
		zap.String("message_id", id),
	)
	return nil
}

func (a *Archiver) upload(ctx context.Context, p worker.Partition, digest sha256.Digest) (string, error) {
	if a.store == nil {
		abs, err := filepath.Abs(p.Path)
		if err != nil {
			return "", fmt.Errorf("resolve %s: %w", p.Path, err)
		}
		return "file://" + filepath.ToSlash(abs), nil
	}
	f, err := os.Open(p.Path)
	if err != nil {
		return "", fmt.Errorf("open partition: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only

	obj := storage.Object{
		Key:         storage.ObjectKey(a.cfg.Prefix, a.run.ID.String(), filepath.Base(p.Path)),
		ContentType: storage.CSVContentType,
		Metadata: map[string]string{
			"run_id":    a.run.ID.String(),
			"partition": p.Key,
			"status":    string(p.Status),
			"sha256":    digest.Hex,
		},
	}
	uri, err := a.store.PutObject(ctx, obj, f)
	if err != nil {
		return "", fmt.Errorf("upload partition %s: %w", p.Key, err)
	}
	return uri, nil
}
