// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// Mirror uploads snapshot files to a Google Cloud Storage bucket so a
// machine loss does not take the history with it. Mirroring is optional;
// a nil *Mirror skips uploads.
type Mirror struct {
	client *gcs.Client
	bucket string
	prefix string
}

// NewMirror creates a snapshot mirror for the given bucket. Objects are
// written under prefix. The credentials file must exist.
func NewMirror(ctx context.Context, bucket, prefix, credentialsPath string) (*Mirror, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if _, err := os.Stat(credentialsPath); err != nil {
		return nil, fmt.Errorf("credentials file not found: %w", err)
	}

	client, err := gcs.NewClient(ctx, option.WithCredentialsFile(credentialsPath))
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &Mirror{client: client, bucket: bucket, prefix: prefix}, nil
}

// Close releases the underlying client.
func (m *Mirror) Close() error {
	if m == nil {
		return nil
	}
	return m.client.Close()
}

// UploadSnapshot uploads a snapshot file and its checksum sidecar. The
// sidecar is best-effort; a missing one is not an error.
func (m *Mirror) UploadSnapshot(ctx context.Context, localPath string) error {
	if m == nil {
		return nil
	}
	name := filepath.Base(localPath)
	if err := m.upload(ctx, localPath, m.object(name)); err != nil {
		return err
	}
	sidecar := localPath + ".sha256"
	if _, err := os.Stat(sidecar); err == nil {
		return m.upload(ctx, sidecar, m.object(name+".sha256"))
	}
	return nil
}

func (m *Mirror) object(name string) string {
	if m.prefix == "" {
		return name
	}
	return m.prefix + "/" + name
}

func (m *Mirror) upload(ctx context.Context, localPath, objectName string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open file %s: %w", localPath, err)
	}
	defer file.Close()

	wc := m.client.Bucket(m.bucket).Object(objectName).NewWriter(ctx)
	wc.ContentType = "application/octet-stream"
	wc.CacheControl = "no-cache, no-store, must-revalidate"

	if _, err = io.Copy(wc, file); err != nil {
		wc.Close()
		return fmt.Errorf("upload to %s: %w", objectName, err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("finalize upload to %s: %w", objectName, err)
	}
	return nil
}
