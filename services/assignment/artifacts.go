package assignment

import (
	"context"

	"github.com/minio/minio-go/v7"
	"go.uber.org/fx"

	"fieldops-dispatch/pkg/config"
)

// ArtifactStore answers whether a proof object was actually uploaded. The
// lifecycle service treats a missing store as "trust the database row" so
// local environments run without object storage.
type ArtifactStore interface {
	Exists(ctx context.Context, objectKey string) (bool, error)
}

var ArtifactModule = fx.Module("assignment.artifacts",
	fx.Provide(NewArtifactStore),
)

type ArtifactStoreParams struct {
	fx.In
	Config *config.Config
	Client *minio.Client `optional:"true"`
}

func NewArtifactStore(p ArtifactStoreParams) ArtifactStore {
	if p.Client == nil {
		return nil
	}
	return &minioArtifactStore{client: p.Client, bucket: p.Config.Minio.BucketName}
}

type minioArtifactStore struct {
	client *minio.Client
	bucket string
}

func (s *minioArtifactStore) Exists(ctx context.Context, objectKey string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, objectKey, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
