package storage_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"nefrit/internal/config"
	"nefrit/internal/storage"
	"nefrit/internal/storage/mocks"
)

func TestBackup_Disabled(t *testing.T) {
	b := storage.NewBackup(nil, "master", nil)
	assert.False(t, b.Enabled())

	b.SnapshotConfig(context.Background(), []byte("{}"))

	_, err := b.Export(context.Background(), []byte("{}"), time.Hour)
	assert.ErrorIs(t, err, storage.ErrDisabled)
}

func TestBackup_SnapshotConfig(t *testing.T) {
	ms := new(mocks.MockStorage)
	var body []byte
	ms.On("Put", mock.Anything, mock.MatchedBy(func(k string) bool {
		return len(k) > len("xray/worker-1/") && k[:len("xray/worker-1/")] == "xray/worker-1/"
	}), mock.Anything, mock.MatchedBy(func(o storage.PutObjectOptions) bool {
		return o.Size == 2 && o.ContentType == "application/json" && o.Metadata["node"] == "worker-1"
	})).Run(func(args mock.Arguments) {
		body, _ = io.ReadAll(args.Get(2).(io.Reader))
	}).Return(storage.ObjectInfo{}, nil).Once()

	storage.NewBackup(ms, "worker-1", nil).SnapshotConfig(context.Background(), []byte("{}"))

	assert.Equal(t, "{}", string(body))
	ms.AssertExpectations(t)
}

func TestBackup_SnapshotsInSameSecondKeepDistinctKeys(t *testing.T) {
	ms := new(mocks.MockStorage)
	var keys []string
	ms.On("Put", mock.Anything, mock.AnythingOfType("string"), mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { keys = append(keys, args.String(1)) }).
		Return(storage.ObjectInfo{}, nil)

	b := storage.NewBackup(ms, "worker-1", nil)
	for i := 0; i < 3; i++ {
		b.SnapshotConfig(context.Background(), []byte("{}"))
	}

	require.Len(t, keys, 3)
	for _, k := range keys {
		assert.Regexp(t, `^xray/worker-1/\d{19}\.json$`, k)
	}
	assert.NotEqual(t, keys[0], keys[1])
	assert.NotEqual(t, keys[1], keys[2])
}

func TestBackup_SnapshotConfigFailureIsSwallowed(t *testing.T) {
	ms := new(mocks.MockStorage)
	ms.On("Put", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(storage.ObjectInfo{}, errors.New("bucket gone")).Once()

	assert.NotPanics(t, func() {
		storage.NewBackup(ms, "master", nil).SnapshotConfig(context.Background(), []byte("{}"))
	})
	ms.AssertExpectations(t)
}

func TestBackup_Export(t *testing.T) {
	ms := new(mocks.MockStorage)
	var key string
	ms.On("Put", mock.Anything, mock.AnythingOfType("string"), mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { key = args.String(1) }).
		Return(storage.ObjectInfo{}, nil).Once()
	ms.On("PresignGet", mock.Anything, mock.AnythingOfType("string"), time.Hour).
		Return("https://s3.local/exports/1.json?sig", nil).Once()

	link, err := storage.NewBackup(ms, "master", nil).Export(context.Background(), []byte(`{"users":[]}`), time.Hour)

	require.NoError(t, err)
	assert.Equal(t, "https://s3.local/exports/1.json?sig", link)
	assert.Regexp(t, `^exports/\d+\.json$`, key)
	ms.AssertExpectations(t)
}

func TestBackup_ExportUploadError(t *testing.T) {
	ms := new(mocks.MockStorage)
	ms.On("Put", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(storage.ObjectInfo{}, errors.New("denied")).Once()

	_, err := storage.NewBackup(ms, "master", nil).Export(context.Background(), []byte("{}"), time.Hour)
	assert.ErrorContains(t, err, "upload export: denied")
	ms.AssertNotCalled(t, "PresignGet", mock.Anything, mock.Anything, mock.Anything)
}

func TestNewMinIO_Validation(t *testing.T) {
	ctx := context.Background()
	_, err := storage.NewMinIO(ctx, config.MinIOConfig{})
	assert.ErrorContains(t, err, "endpoint is required")

	_, err = storage.NewMinIO(ctx, config.MinIOConfig{Endpoint: "localhost:9000"})
	assert.ErrorContains(t, err, "credentials are required")

	_, err = storage.NewMinIO(ctx, config.MinIOConfig{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b"})
	assert.ErrorContains(t, err, "bucket is required")
}
