// Package s3blob reads objects such as TLS material from S3 or an S3
// compatible store.
package s3blob

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/dkeye/soundrooms/internal/config"
	"github.com/dkeye/soundrooms/internal/core"
)

type Store struct {
	client *s3.Client
}

var _ core.BlobStore = (*Store)(nil)

func New(client *s3.Client) *Store {
	return &Store{client: client}
}

// NewFromConfig builds a client from static settings. Without keys the
// requests are unsigned.
func NewFromConfig(cfg config.S3) *Store {
	var creds aws.CredentialsProvider = aws.AnonymousCredentials{}
	if cfg.AccessKey != "" {
		key, secret := cfg.AccessKey, cfg.SecretKey
		creds = aws.NewCredentialsCache(aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return aws.Credentials{AccessKeyID: key, SecretAccessKey: secret, Source: "soundrooms"}, nil
		}))
	}
	client := s3.New(s3.Options{
		Region:       cfg.Region,
		Credentials:  creds,
		UsePathStyle: cfg.PathStyle,
		BaseEndpoint: endpoint(cfg.Endpoint),
	})
	return New(client)
}

func endpoint(s string) *string {
	if s == "" {
		return nil
	}
	return aws.String(s)
}

func (s *Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("%s/%s: %w", bucket, key, core.ErrNotFound)
		}
		return nil, fmt.Errorf("get %s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", bucket, key, err)
	}
	return data, nil
}
