package http

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/dkeye/soundrooms/internal/core"
)

// TLSFiles names the key pair objects in the blob store.
type TLSFiles struct {
	Bucket string
	Key    string
	Cert   string
}

// LoadTLS fetches the balancer's key pair from the blob store.
func LoadTLS(ctx context.Context, blobs core.BlobStore, f TLSFiles) (*tls.Config, error) {
	key, err := blobs.Get(ctx, f.Bucket, f.Key)
	if err != nil {
		return nil, fmt.Errorf("fetch %s/%s: %w", f.Bucket, f.Key, err)
	}
	cert, err := blobs.Get(ctx, f.Bucket, f.Cert)
	if err != nil {
		return nil, fmt.Errorf("fetch %s/%s: %w", f.Bucket, f.Cert, err)
	}
	pair, err := tls.X509KeyPair(cert, key)
	if err != nil {
		return nil, fmt.Errorf("parse key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{pair},
		MinVersion:   tls.VersionTLS12,
		// Websocket upgrades need HTTP/1.1.
		NextProtos: []string{"http/1.1"},
	}, nil
}
