// Copyright 2024 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package s3 implements the S3 VFS backend. Object I/O (Ls/Read/Write) goes
// through minio-go's range-GET/PUT client; bucket/region resolution and
// credential chains are handled the way aws-sdk-go-v2's config loader
// does it, since minio-go's client wants a plain endpoint+credentials
// pair rather than a shared config object.
// S3 has no native advisory lock, so filelocks are emulated with a
// zero-byte marker object. Lock state is tracked in this process only: the
// marker is written unconditionally and is not checked for a holder in
// another process.
package s3

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/molecula/arraydb/errors"
	"github.com/molecula/arraydb/internal/errcodes"
	"github.com/molecula/arraydb/internal/vfs"
)

// Backend implements vfs.Backend against a single S3 bucket, addressed by
// URIs of the form "s3://bucket/key".
type Backend struct {
	mu     sync.Mutex
	client *minio.Client
	locks  map[string]bool
}

// New returns a Backend that lazily configures its minio client from the
// AWS default credential chain (env vars, shared config, IAM role) via
// aws-sdk-go-v2's config loader, on the first Init call.
func New() *Backend {
	return &Backend{locks: make(map[string]bool)}
}

func (b *Backend) SupportsURIScheme(uri vfs.URI) bool {
	return strings.HasPrefix(uri.String(), "s3://")
}

// Init resolves credentials with aws-sdk-go-v2 and constructs the minio
// client used for all subsequent object operations. params may set
// "endpoint" and "secure"; the region comes from the AWS config chain, and
// anything else is passed through unused, as the bucket is derived
// per-call from the URI host component.
func (b *Backend) Init(params map[string]interface{}) error {
	ctx := context.Background()
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return errors.New(errcodes.Internal, "loading AWS credential chain: "+err.Error())
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		return errors.New(errcodes.PermissionDenied, "retrieving AWS credentials: "+err.Error())
	}

	endpoint := "s3.amazonaws.com"
	if v, ok := params["endpoint"].(string); ok && v != "" {
		endpoint = v
	}
	secure := true
	if v, ok := params["secure"].(bool); ok {
		secure = v
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken),
		Secure: secure,
		Region: awsCfg.Region,
	})
	if err != nil {
		return errors.New(errcodes.Internal, "constructing S3 client: "+err.Error())
	}
	b.mu.Lock()
	b.client = client
	b.mu.Unlock()
	return nil
}

func (b *Backend) Terminate() error { return nil }
func (b *Backend) CancelAllTasks()  {}

func splitURI(uri vfs.URI) (bucket, key string) {
	s := strings.TrimPrefix(uri.String(), "s3://")
	idx := strings.Index(s, "/")
	if idx < 0 {
		return s, ""
	}
	return s[:idx], s[idx+1:]
}

func (b *Backend) CreateDir(ctx context.Context, uri vfs.URI) error {
	bucket, key := splitURI(uri)
	if !strings.HasSuffix(key, "/") {
		key += "/"
	}
	_, err := b.client.PutObject(ctx, bucket, key, bytes.NewReader(nil), 0, minio.PutObjectOptions{ContentType: "application/x-directory"})
	if err != nil {
		return errors.New(errcodes.IOError, "create_dir: "+err.Error())
	}
	return nil
}

func (b *Backend) RemoveDir(ctx context.Context, uri vfs.URI) error {
	bucket, key := splitURI(uri)
	prefix := strings.TrimSuffix(key, "/") + "/"
	objCh := b.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})
	for obj := range objCh {
		if obj.Err != nil {
			return errors.New(errcodes.IOError, "remove_dir: "+obj.Err.Error())
		}
		if err := b.client.RemoveObject(ctx, bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return errors.New(errcodes.IOError, "remove_dir: "+err.Error())
		}
	}
	return nil
}

func (b *Backend) MoveDir(ctx context.Context, from, to vfs.URI) error {
	bucket, fromKey := splitURI(from)
	_, toKey := splitURI(to)
	fromPrefix := strings.TrimSuffix(fromKey, "/") + "/"
	toPrefix := strings.TrimSuffix(toKey, "/") + "/"
	objCh := b.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: fromPrefix, Recursive: true})
	for obj := range objCh {
		if obj.Err != nil {
			return errors.New(errcodes.IOError, "move_dir: "+obj.Err.Error())
		}
		dst := toPrefix + strings.TrimPrefix(obj.Key, fromPrefix)
		_, err := b.client.CopyObject(ctx, minio.CopyDestOptions{Bucket: bucket, Object: dst}, minio.CopySrcOptions{Bucket: bucket, Object: obj.Key})
		if err != nil {
			return errors.New(errcodes.IOError, "move_dir: "+err.Error())
		}
		if err := b.client.RemoveObject(ctx, bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return errors.New(errcodes.IOError, "move_dir: "+err.Error())
		}
	}
	return nil
}

func (b *Backend) Touch(ctx context.Context, uri vfs.URI) error {
	bucket, key := splitURI(uri)
	_, err := b.client.PutObject(ctx, bucket, key, bytes.NewReader(nil), 0, minio.PutObjectOptions{})
	if err != nil {
		return errors.New(errcodes.IOError, "touch: "+err.Error())
	}
	return nil
}

func (b *Backend) RemoveFile(ctx context.Context, uri vfs.URI) error {
	bucket, key := splitURI(uri)
	if err := b.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return errors.New(errcodes.IOError, "remove_file: "+err.Error())
	}
	return nil
}

func (b *Backend) stat(ctx context.Context, uri vfs.URI) (minio.ObjectInfo, error) {
	bucket, key := splitURI(uri)
	return b.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
}

func (b *Backend) IsFile(ctx context.Context, uri vfs.URI) (bool, error) {
	info, err := b.stat(ctx, uri)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, errors.New(errcodes.IOError, "is_file: "+err.Error())
	}
	return !strings.HasSuffix(info.Key, "/"), nil
}

func (b *Backend) IsDir(ctx context.Context, uri vfs.URI) (bool, error) {
	bucket, key := splitURI(uri)
	prefix := strings.TrimSuffix(key, "/") + "/"
	objCh := b.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, MaxKeys: 1})
	for obj := range objCh {
		if obj.Err != nil {
			return false, errors.New(errcodes.IOError, "is_dir: "+obj.Err.Error())
		}
		return true, nil
	}
	return false, nil
}

func (b *Backend) Ls(ctx context.Context, uri vfs.URI) ([]vfs.URI, error) {
	bucket, key := splitURI(uri)
	prefix := strings.TrimSuffix(key, "/") + "/"
	if prefix == "/" {
		prefix = ""
	}
	objCh := b.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: false})
	var out []vfs.URI
	for obj := range objCh {
		if obj.Err != nil {
			return nil, errors.New(errcodes.IOError, "ls: "+obj.Err.Error())
		}
		out = append(out, vfs.URI("s3://"+bucket+"/"+strings.TrimSuffix(obj.Key, "/")))
	}
	return out, nil
}

func (b *Backend) Read(ctx context.Context, uri vfs.URI, offset int64, buf []byte) (int, error) {
	bucket, key := splitURI(uri)
	opts := minio.GetObjectOptions{}
	if len(buf) > 0 {
		if err := opts.SetRange(offset, offset+int64(len(buf))-1); err != nil {
			return 0, errors.New(errcodes.InvalidArgument, "read: "+err.Error())
		}
	}
	obj, err := b.client.GetObject(ctx, bucket, key, opts)
	if err != nil {
		return 0, errors.New(errcodes.IOError, "read: "+err.Error())
	}
	defer obj.Close()
	n, err := io.ReadFull(obj, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return n, errors.New(errcodes.IOError, "read: "+err.Error())
	}
	return n, nil
}

func (b *Backend) Write(ctx context.Context, uri vfs.URI, data []byte) error {
	bucket, key := splitURI(uri)
	_, err := b.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	if err != nil {
		return errors.New(errcodes.IOError, "write: "+err.Error())
	}
	return nil
}

func (b *Backend) CloseFile(ctx context.Context, uri vfs.URI) error { return nil }
func (b *Backend) Sync(ctx context.Context, uri vfs.URI) error      { return nil }

// FilelockLock emulates locking with a marker object at "<uri>.lock".
// Held locks are tracked in an in-process map keyed by URI, and an
// exclusive request is refused while this process already holds a lock on
// uri. The marker object is put unconditionally, so locks held by other
// processes are not detected; S3 has no native lease primitive the way
// local flock(2) does.
func (b *Backend) FilelockLock(ctx context.Context, uri vfs.URI, mode vfs.LockMode) (vfs.FileLock, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := uri.String()
	if mode == vfs.LockExclusive && b.locks[key] {
		return vfs.InvalidFileLock, errors.New(errcodes.LockFailure, "exclusive lock unavailable: "+key)
	}
	b.locks[key] = true
	bucket, objKey := splitURI(uri)
	_, err := b.client.PutObject(ctx, bucket, objKey+".lock", bytes.NewReader(nil), 0, minio.PutObjectOptions{})
	if err != nil {
		delete(b.locks, key)
		return vfs.InvalidFileLock, errors.New(errcodes.LockFailure, "filelock_lock: "+err.Error())
	}
	return vfs.FileLock(1), nil
}

func (b *Backend) FilelockUnlock(ctx context.Context, uri vfs.URI, lock vfs.FileLock) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := uri.String()
	delete(b.locks, key)
	bucket, objKey := splitURI(uri)
	if err := b.client.RemoveObject(ctx, bucket, objKey+".lock", minio.RemoveObjectOptions{}); err != nil {
		return errors.New(errcodes.LockFailure, "filelock_unlock: "+err.Error())
	}
	return nil
}
