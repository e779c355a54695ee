// Package s3 stores bundles in an S3-compatible object store. The layout
// under the repository prefix is content-addressed, mirroring what the OCI
// adapter gets from a distribution registry:
//
//	<repo>/manifests/tags/<tag>     mutable pointer to an index digest
//	<repo>/manifests/<algo>/<hex>   immutable index payloads
//	<repo>/blobs/<algo>/<hex>       immutable file contents
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	goSync "sync"

	"github.com/jonboulle/clockwork"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/opencontainers/go-digest"

	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/bundle"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/errors"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/pathsafe"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/registry"
)

// Client implements registry.Client against one bucket prefix.
type Client struct {
	store   *minio.Client
	bucket  string
	prefix  string
	workers int
	clock   clockwork.Clock
}

// New returns a client for the bucket and prefix named by the endpoint.
func New(endpoint registry.Endpoint, clock clockwork.Clock) (*Client, error) {
	if endpoint.S3Endpoint == "" || endpoint.Bucket == "" {
		return nil, errors.New("s3 endpoint and bucket are required")
	}

	store, err := minio.New(endpoint.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(endpoint.AccessKey, endpoint.SecretKey, ""),
		Secure: !endpoint.Insecure,
	})
	if err != nil {
		return nil, errors.WithContext(err, "create s3 client")
	}

	workers := endpoint.Workers
	if workers <= 0 {
		workers = bundle.DefaultWorkers
	}

	return &Client{
		store:   store,
		bucket:  endpoint.Bucket,
		prefix:  strings.Trim(endpoint.Repository, "/"),
		workers: workers,
		clock:   clock,
	}, nil
}

func (c *Client) key(parts ...string) string {
	return c.prefix + "/" + strings.Join(parts, "/")
}

func (c *Client) digestKey(kind string, d digest.Digest) string {
	return c.key(kind, d.Algorithm().String(), d.Encoded())
}

// tagPointer is the JSON stored under manifests/tags/<tag>.
type tagPointer struct {
	ManifestDigest digest.Digest `json:"manifestDigest"`
}

func isNoSuchKey(err error) bool {
	code := minio.ToErrorResponse(errors.RootCause(err)).Code
	return code == "NoSuchKey" || code == "NoSuchBucket"
}

func (c *Client) getObject(ctx context.Context, key string) ([]byte, error) {
	obj, err := c.store.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.WithContext(err, "get object")
	}
	defer obj.Close()

	contents, err := io.ReadAll(obj)
	if err != nil {
		return nil, errors.WithContext(err, "read object")
	}
	return contents, nil
}

// CurrentTagDigest implements registry.Client.
func (c *Client) CurrentTagDigest(ctx context.Context, tag string) (digest.Digest, error) {
	var pointer tagPointer
	err := registry.WithRetries(ctx, c.clock, "resolve tag", func() error {
		contents, err := c.getObject(ctx, c.key("manifests", "tags", tag))
		if err != nil {
			if isNoSuchKey(err) {
				return errors.TagNotFound{Tag: tag}
			}
			return err
		}
		return json.Unmarshal(contents, &pointer)
	})
	if err != nil {
		return "", err
	}

	if err := pointer.ManifestDigest.Validate(); err != nil {
		return "", errors.WithContext(err, "parse tag pointer")
	}
	return pointer.ManifestDigest, nil
}

// RemoteState implements registry.Client.
func (c *Client) RemoteState(ctx context.Context, tag string) (*bundle.RemoteState, error) {
	manifestDigest, err := c.CurrentTagDigest(ctx, tag)
	if err != nil {
		return nil, err
	}

	idx, err := c.GetIndex(ctx, manifestDigest)
	if err != nil {
		return nil, err
	}
	return bundle.RemoteStateFromIndex(manifestDigest, idx), nil
}

// GetIndex implements registry.Client.
func (c *Client) GetIndex(ctx context.Context, manifestDigest digest.Digest) (*bundle.Index, error) {
	var payload []byte
	err := registry.WithRetries(ctx, c.clock, "get index", func() error {
		var err error
		payload, err = c.getObject(ctx, c.digestKey("manifests", manifestDigest))
		return err
	})
	if err != nil {
		return nil, err
	}

	if actual := digest.FromBytes(payload); actual != manifestDigest {
		return nil, errors.DigestMismatch{
			Path:     "index",
			Expected: manifestDigest.String(),
			Actual:   actual.String(),
		}
	}
	return bundle.DecodeIndex(payload)
}

// PushFiles implements registry.Client. Blobs and the index payload go
// first; the tag pointer is written last, so a failed push never moves the
// tag.
func (c *Client) PushFiles(ctx context.Context, tag string, files []bundle.LocalFile,
	idx *bundle.Index) (digest.Digest, error) {

	var uploads []bundle.LocalFile
	for _, file := range files {
		if entry, ok := idx.Files[file.Path]; ok && entry.Storage == bundle.StorageBlob {
			uploads = append(uploads, file)
		}
	}

	if err := c.uploadBlobs(ctx, uploads); err != nil {
		return "", err
	}

	payload, err := idx.Encode()
	if err != nil {
		return "", err
	}
	manifestDigest := digest.FromBytes(payload)

	err = registry.WithRetries(ctx, c.clock, "put index", func() error {
		_, err := c.store.PutObject(ctx, c.bucket, c.digestKey("manifests", manifestDigest),
			bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
				ContentType: "application/json",
			})
		return err
	})
	if err != nil {
		return "", errors.WithContext(err, "upload index")
	}

	pointer, err := json.Marshal(tagPointer{ManifestDigest: manifestDigest})
	if err != nil {
		return "", errors.WithContext(err, "marshal tag pointer")
	}
	err = registry.WithRetries(ctx, c.clock, "put tag", func() error {
		_, err := c.store.PutObject(ctx, c.bucket, c.key("manifests", "tags", tag),
			bytes.NewReader(pointer), int64(len(pointer)), minio.PutObjectOptions{
				ContentType: "application/json",
			})
		return err
	})
	if err != nil {
		return "", errors.WithContext(err, "move tag")
	}
	return manifestDigest, nil
}

func (c *Client) uploadBlobs(ctx context.Context, files []bundle.LocalFile) error {
	if len(files) == 0 {
		return nil
	}

	workers := c.workers
	if len(files) < workers {
		workers = len(files)
	}

	jobs := make(chan bundle.LocalFile, len(files))
	for _, file := range files {
		jobs <- file
	}
	close(jobs)

	uploadErrors := make(chan error, len(files))
	var wg goSync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for file := range jobs {
				if err := c.uploadBlob(ctx, file); err != nil {
					uploadErrors <- errors.WithContext(err,
						fmt.Sprintf("upload %q", file.Path))
					return
				}
			}
		}()
	}
	wg.Wait()

	select {
	case err := <-uploadErrors:
		return err
	default:
		return nil
	}
}

func (c *Client) uploadBlob(ctx context.Context, file bundle.LocalFile) error {
	key := c.digestKey("blobs", file.Digest)
	return registry.WithRetries(ctx, c.clock, "upload blob", func() error {
		// Blobs are content addressed, so an object that already exists
		// doesn't need another upload.
		if _, err := c.store.StatObject(ctx, c.bucket, key, minio.StatObjectOptions{}); err == nil {
			return nil
		}

		f, err := os.Open(file.ContentsPath)
		if err != nil {
			return errors.WithContext(err, "open")
		}
		defer f.Close()

		_, err = c.store.PutObject(ctx, c.bucket, key, f, file.Size,
			minio.PutObjectOptions{ContentType: "application/octet-stream"})
		return err
	})
}

// PullSelected implements registry.Client.
func (c *Client) PullSelected(ctx context.Context, idx *bundle.Index, paths []string,
	outputDir string) error {

	targets := make(map[string]string, len(paths))
	for _, path := range paths {
		target, err := pathsafe.Resolve(outputDir, path)
		if err != nil {
			return err
		}
		if _, ok := idx.Files[path]; !ok {
			return errors.FileNotFound{Path: path}
		}
		targets[path] = target
	}

	workers := c.workers
	if len(paths) < workers {
		workers = len(paths)
	}
	if workers == 0 {
		return nil
	}

	jobs := make(chan string, len(paths))
	for _, path := range paths {
		jobs <- path
	}
	close(jobs)

	pullErrors := make(chan error, len(paths))
	var wg goSync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range jobs {
				if err := c.pullFile(ctx, idx.Files[path], path, targets[path]); err != nil {
					pullErrors <- errors.WithContext(err, fmt.Sprintf("pull %q", path))
					return
				}
			}
		}()
	}
	wg.Wait()

	select {
	case err := <-pullErrors:
		return err
	default:
		return nil
	}
}

func (c *Client) pullFile(ctx context.Context, entry bundle.FileEntry, path,
	target string) error {

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return errors.WithContext(err, "create directory")
	}

	if entry.Storage == bundle.StorageInline {
		return writeFileAtomic(target, bytes.NewReader(entry.Data), entry.Digest, path)
	}

	return registry.WithRetries(ctx, c.clock, "pull blob", func() error {
		obj, err := c.store.GetObject(ctx, c.bucket, c.digestKey("blobs", entry.Digest),
			minio.GetObjectOptions{})
		if err != nil {
			return errors.WithContext(err, "get blob")
		}
		defer obj.Close()
		return writeFileAtomic(target, obj, entry.Digest, path)
	})
}

func writeFileAtomic(target string, contents io.Reader, expected digest.Digest,
	path string) error {

	tmp, err := os.CreateTemp(filepath.Dir(target), ".mops-tmp-")
	if err != nil {
		return errors.WithContext(err, "create temp file")
	}
	defer os.Remove(tmp.Name())

	digester := expected.Algorithm().Digester()
	if _, err := io.Copy(io.MultiWriter(tmp, digester.Hash()), contents); err != nil {
		tmp.Close()
		return errors.WithContext(err, "write")
	}
	if err := tmp.Close(); err != nil {
		return errors.WithContext(err, "close temp file")
	}

	if actual := digester.Digest(); actual != expected {
		return errors.DigestMismatch{
			Path:     path,
			Expected: expected.String(),
			Actual:   actual.String(),
		}
	}
	return os.Rename(tmp.Name(), target)
}

// ListTags implements registry.Client.
func (c *Client) ListTags(ctx context.Context) ([]string, error) {
	prefix := c.key("manifests", "tags") + "/"

	var tags []string
	err := registry.WithRetries(ctx, c.clock, "list tags", func() error {
		tags = tags[:0]
		listing := c.store.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{
			Prefix:    prefix,
			Recursive: true,
		})
		for object := range listing {
			if object.Err != nil {
				return errors.WithContext(object.Err, "list objects")
			}
			tags = append(tags, strings.TrimPrefix(object.Key, prefix))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(tags)
	return tags, nil
}
