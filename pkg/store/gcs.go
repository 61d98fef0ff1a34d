package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"

	gcs "cloud.google.com/go/storage"
	"github.com/lokutor-ai/lokutor-voicebot/pkg/orchestrator"
)

// objectWriter opens a writer for one object; closing it commits the upload.
type objectWriter func(ctx context.Context, name, contentType string) io.WriteCloser

// GCSRecorder uploads the caller recording (WAV) and the call record (JSON) to a bucket.
type GCSRecorder struct {
	client *gcs.Client
	prefix string
	open   objectWriter
}

func NewGCSRecorder(ctx context.Context, bucket, prefix string) (*GCSRecorder, error) {
	c, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	b := c.Bucket(bucket)
	return &GCSRecorder{
		client: c,
		prefix: prefix,
		open: func(ctx context.Context, name, contentType string) io.WriteCloser {
			w := b.Object(name).NewWriter(ctx)
			w.ContentType = contentType
			return w
		},
	}, nil
}

func (r *GCSRecorder) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *GCSRecorder) RecordCall(ctx context.Context, rec orchestrator.CallRecord) error {
	base := path.Join(r.prefix, rec.StartedAt.UTC().Format("2006/01/02"), rec.CallID)

	if len(rec.CallerAudio) > 0 {
		if err := r.upload(ctx, base+".wav", "audio/wav", bytes.NewReader(rec.CallerAudio)); err != nil {
			return err
		}
	}

	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.upload(ctx, base+".json", "application/json", bytes.NewReader(b))
}

func (r *GCSRecorder) upload(ctx context.Context, name, contentType string, src io.Reader) error {
	w := r.open(ctx, name, contentType)
	if _, err := io.Copy(w, src); err != nil {
		_ = w.Close()
		return fmt.Errorf("upload %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("upload %s: %w", name, err)
	}
	return nil
}
