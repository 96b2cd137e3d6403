package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrDisabled is returned by Backup operations when no storage is configured.
var ErrDisabled = errors.New("backup storage is not configured")

// Backup uploads Xray config snapshots and database exports.
// A Backup with a nil Storage is valid and does nothing.
type Backup struct {
	store Storage
	node  string
	log   *zap.Logger
	now   func() time.Time
}

// NewBackup returns a Backup writing objects for the named node.
func NewBackup(store Storage, node string, log *zap.Logger) *Backup {
	if log == nil {
		log = zap.NewNop()
	}
	return &Backup{store: store, node: node, log: log, now: time.Now}
}

// Enabled reports whether uploads go anywhere.
func (b *Backup) Enabled() bool {
	return b != nil && b.store != nil
}

// SnapshotConfig stores a generated Xray config under
// xray/<node>/<unix nanoseconds>.json.
// Failures are logged; a broken bucket must not stop Xray from restarting.
func (b *Backup) SnapshotConfig(ctx context.Context, data []byte) {
	if !b.Enabled() {
		return
	}
	key := fmt.Sprintf("xray/%s/%d.json", b.node, b.now().UnixNano())
	if _, err := b.put(ctx, key, data); err != nil {
		b.log.Warn("xray config snapshot failed", zap.String("key", key), zap.Error(err))
		return
	}
	b.log.Debug("xray config snapshot stored", zap.String("key", key))
}

// Export stores a database export under exports/<unix nanoseconds>.json and returns a
// download link valid for ttl.
func (b *Backup) Export(ctx context.Context, data []byte, ttl time.Duration) (string, error) {
	if !b.Enabled() {
		return "", ErrDisabled
	}
	key := fmt.Sprintf("exports/%d.json", b.now().UnixNano())
	if _, err := b.put(ctx, key, data); err != nil {
		return "", fmt.Errorf("upload export: %w", err)
	}
	link, err := b.store.PresignGet(ctx, key, ttl)
	if err != nil {
		return "", fmt.Errorf("presign export: %w", err)
	}
	b.log.Info("database export stored", zap.String("key", key), zap.Int("bytes", len(data)))
	return link, nil
}

func (b *Backup) put(ctx context.Context, key string, data []byte) (ObjectInfo, error) {
	return b.store.Put(ctx, key, bytes.NewReader(data), PutObjectOptions{
		Size:        int64(len(data)),
		ContentType: "application/json",
		Metadata:    map[string]string{"node": b.node},
	})
}
