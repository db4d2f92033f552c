// Copyright 2025 Vesta Team
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStore stores run payloads and outputs that are too large to ride
// along in the database or the queue message.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Conf configures the object store backend.
type Conf struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	UseTLS    bool   `mapstructure:"use_tls"`
	BasePath  string `mapstructure:"base_path"`
	// OffloadThreshold is the payload size in bytes above which the engine
	// stores the body here and keeps only a reference. Zero means default.
	OffloadThreshold int `mapstructure:"offload_threshold"`
}

func (c *Conf) SetDefaults() {
	if c.Bucket == "" {
		c.Bucket = "vesta"
	}
	if c.OffloadThreshold <= 0 {
		c.OffloadThreshold = DefaultOffloadThreshold
	}
}

// MinioStore is the MinIO/S3-compatible ObjectStore.
type MinioStore struct {
	client *minio.Client
	conf   *Conf
}

func NewMinioStore(conf *Conf) (*MinioStore, error) {
	conf.SetDefaults()
	client, err := minio.New(conf.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(conf.AccessKey, conf.SecretKey, ""),
		Secure: conf.UseTLS,
		Region: conf.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: new minio client: %w", err)
	}
	return &MinioStore{client: client, conf: conf}, nil
}

// EnsureBucket creates the configured bucket when it does not exist yet.
// Called once at startup.
func (m *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.conf.Bucket)
	if err != nil {
		return fmt.Errorf("storage: check bucket %s: %w", m.conf.Bucket, err)
	}
	if exists {
		return nil
	}
	err = m.client.MakeBucket(ctx, m.conf.Bucket, minio.MakeBucketOptions{Region: m.conf.Region})
	if err != nil {
		return fmt.Errorf("storage: make bucket %s: %w", m.conf.Bucket, err)
	}
	return nil
}

func (m *MinioStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	fullPath := joinPath(m.conf.BasePath, key)
	_, err := m.client.PutObject(ctx, m.conf.Bucket, fullPath, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("storage: put %s: %w", fullPath, err)
	}
	return fullPath, nil
}

func (m *MinioStore) Get(ctx context.Context, key string) ([]byte, error) {
	fullPath := joinPath(m.conf.BasePath, key)
	obj, err := m.client.GetObject(ctx, m.conf.Bucket, fullPath, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("storage: get %s: %w", fullPath, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", fullPath, err)
	}
	return data, nil
}

func (m *MinioStore) Delete(ctx context.Context, key string) error {
	fullPath := joinPath(m.conf.BasePath, key)
	err := m.client.RemoveObject(ctx, m.conf.Bucket, fullPath, minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("storage: delete %s: %w", fullPath, err)
	}
	return nil
}

// joinPath combines the configured base path with an object key,
// avoiding doubled slashes.
func joinPath(basePath, key string) string {
	if basePath == "" {
		return key
	}
	basePath = strings.Trim(basePath, "/")
	key = strings.TrimPrefix(key, "/")
	return path.Join(basePath, key)
}
