package s3blob

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/soundrooms/internal/config"
	"github.com/dkeye/soundrooms/internal/core"
)

func fakeS3(t *testing.T, objects map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := objects[r.URL.Path]
		if r.Method != http.MethodGet || !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>` +
				`<Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`))
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGet(t *testing.T) {
	srv := fakeS3(t, map[string]string{"/proj-ssl/rooms.example.com/fullchain.pem": "CERT"})
	store := NewFromConfig(config.S3{Region: "us-east-1", Endpoint: srv.URL, PathStyle: true, AccessKey: "k", SecretKey: "s"})

	got, err := store.Get(context.Background(), "proj-ssl", "rooms.example.com/fullchain.pem")
	require.NoError(t, err)
	assert.Equal(t, "CERT", string(got))

	_, err = store.Get(context.Background(), "proj-ssl", "rooms.example.com/privkey.pem")
	assert.ErrorIs(t, err, core.ErrNotFound)
}
