// Package oci talks to registries implementing the Docker/OCI distribution
// HTTP API. A bundle is stored as one flat image manifest per tag: the
// bundle index rides as the config blob and each tracked file is a layer.
package oci

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	goSync "sync"

	"github.com/jonboulle/clockwork"
	"github.com/opencontainers/go-digest"

	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/bundle"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/errors"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/pathsafe"
	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/registry"
)

// Client implements registry.Client against one repository in one
// distribution registry.
type Client struct {
	baseURL    string
	repository string
	username   string
	password   string
	workers    int

	httpClient *http.Client
	clock      clockwork.Clock
}

// New returns a client for the repository named by the endpoint.
func New(endpoint registry.Endpoint, clock clockwork.Clock) (*Client, error) {
	if endpoint.Repository == "" {
		return nil, errors.New("endpoint has no repository")
	}

	baseURL := endpoint.URL
	if !strings.Contains(baseURL, "://") {
		scheme := "https"
		if endpoint.Insecure {
			scheme = "http"
		}
		baseURL = scheme + "://" + baseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	httpClient := http.DefaultClient
	if endpoint.Insecure && strings.HasPrefix(baseURL, "https://") {
		httpClient = &http.Client{Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}}
	}

	workers := endpoint.Workers
	if workers <= 0 {
		workers = bundle.DefaultWorkers
	}

	return &Client{
		baseURL:    baseURL,
		repository: endpoint.Repository,
		username:   endpoint.Username,
		password:   endpoint.Password,
		workers:    workers,
		httpClient: httpClient,
		clock:      clock,
	}, nil
}

func (c *Client) url(format string, args ...interface{}) string {
	return c.baseURL + "/v2/" + c.repository + fmt.Sprintf(format, args...)
}

// doRequest builds and sends one request.
func (c *Client) doRequest(ctx context.Context, op, method, rawURL string,
	body io.Reader, headers map[string]string) (*http.Response, error) {

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, errors.WithContext(err, "build request")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	return c.do(op, req)
}

// do sends a prepared request with auth attached and returns the response.
// Non-2xx responses become StatusError with the body preserved, since
// registries put their useful diagnostics there.
func (c *Client) do(op string, req *http.Request) (*http.Response, error) {
	if c.username != "" || c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.WithContext(err, op)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, registry.StatusError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Body:       string(respBody),
		}
	}
	return resp, nil
}

// CurrentTagDigest implements registry.Client. It HEADs the manifest so the
// payload isn't transferred just to learn the digest.
func (c *Client) CurrentTagDigest(ctx context.Context, tag string) (digest.Digest, error) {
	var result digest.Digest
	err := registry.WithRetries(ctx, c.clock, "resolve tag", func() error {
		resp, err := c.doRequest(ctx, "resolve tag", http.MethodHead,
			c.url("/manifests/%s", tag),
			nil, map[string]string{"Accept": mediaTypeManifest})
		if err != nil {
			return err
		}
		resp.Body.Close()

		manifestDigest := digest.Digest(resp.Header.Get("Docker-Content-Digest"))
		if err := manifestDigest.Validate(); err != nil {
			return errors.WithContext(err, "parse manifest digest header")
		}
		result = manifestDigest
		return nil
	})
	if err != nil {
		if notFound(err) {
			return "", errors.TagNotFound{Tag: tag}
		}
		return "", err
	}
	return result, nil
}

// RemoteState implements registry.Client.
func (c *Client) RemoteState(ctx context.Context, tag string) (*bundle.RemoteState, error) {
	payload, err := c.getManifest(ctx, tag)
	if err != nil {
		if notFound(err) {
			return nil, errors.TagNotFound{Tag: tag}
		}
		return nil, err
	}

	idx, err := c.decodeIndexFromManifest(ctx, payload)
	if err != nil {
		return nil, err
	}
	return bundle.RemoteStateFromIndex(digest.FromBytes(payload), idx), nil
}

// GetIndex implements registry.Client. The manifest payload is verified
// against the requested digest before anything inside it is believed.
func (c *Client) GetIndex(ctx context.Context, manifestDigest digest.Digest) (*bundle.Index, error) {
	payload, err := c.getManifest(ctx, manifestDigest.String())
	if err != nil {
		return nil, err
	}

	if actual := digest.FromBytes(payload); actual != manifestDigest {
		return nil, errors.DigestMismatch{
			Path:     "manifest",
			Expected: manifestDigest.String(),
			Actual:   actual.String(),
		}
	}
	return c.decodeIndexFromManifest(ctx, payload)
}

func (c *Client) getManifest(ctx context.Context, reference string) ([]byte, error) {
	var payload []byte
	err := registry.WithRetries(ctx, c.clock, "get manifest", func() error {
		resp, err := c.doRequest(ctx, "get manifest", http.MethodGet,
			c.url("/manifests/%s", reference),
			nil, map[string]string{"Accept": mediaTypeManifest})
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		payload, err = io.ReadAll(resp.Body)
		if err != nil {
			return errors.WithContext(err, "read manifest")
		}
		return nil
	})
	return payload, err
}

// decodeIndexFromManifest fetches the manifest's config blob and decodes it
// as a bundle index.
func (c *Client) decodeIndexFromManifest(ctx context.Context, payload []byte) (*bundle.Index, error) {
	man, err := parseManifest(payload)
	if err != nil {
		return nil, err
	}

	var indexPayload []byte
	err = registry.WithRetries(ctx, c.clock, "get index", func() error {
		resp, err := c.doRequest(ctx, "get index", http.MethodGet,
			c.url("/blobs/%s", man.Config.Digest), nil, nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		indexPayload, err = io.ReadAll(resp.Body)
		if err != nil {
			return errors.WithContext(err, "read index")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if actual := digest.FromBytes(indexPayload); actual != man.Config.Digest {
		return nil, errors.DigestMismatch{
			Path:     "index",
			Expected: man.Config.Digest.String(),
			Actual:   actual.String(),
		}
	}
	return bundle.DecodeIndex(indexPayload)
}

// PushFiles implements registry.Client. Blobs upload first on a bounded
// worker pool; the index and manifest go last, so the tag never points at a
// manifest with missing blobs.
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

	indexPayload, err := idx.Encode()
	if err != nil {
		return "", err
	}
	if err := c.uploadBlob(ctx, digest.FromBytes(indexPayload), func() (io.ReadCloser, int64, error) {
		return io.NopCloser(bytes.NewReader(indexPayload)), int64(len(indexPayload)), nil
	}); err != nil {
		return "", errors.WithContext(err, "upload index")
	}

	manifestPayload, err := json.Marshal(buildManifest(idx, indexPayload))
	if err != nil {
		return "", errors.WithContext(err, "marshal manifest")
	}

	err = registry.WithRetries(ctx, c.clock, "put manifest", func() error {
		resp, err := c.doRequest(ctx, "put manifest", http.MethodPut,
			c.url("/manifests/%s", tag), bytes.NewReader(manifestPayload),
			map[string]string{"Content-Type": mediaTypeManifest})
		if err != nil {
			return err
		}
		resp.Body.Close()
		return nil
	})
	if err != nil {
		return "", err
	}
	return digest.FromBytes(manifestPayload), nil
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
				err := c.uploadBlob(ctx, file.Digest, func() (io.ReadCloser, int64, error) {
					f, err := os.Open(file.ContentsPath)
					if err != nil {
						return nil, 0, errors.WithContext(err, "open")
					}
					return f, file.Size, nil
				})
				if err != nil {
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

// uploadBlob sends one blob using the two-step upload flow, skipping blobs
// the registry already has. The contents function reopens the source on each
// retry attempt.
func (c *Client) uploadBlob(ctx context.Context, blobDigest digest.Digest,
	contents func() (io.ReadCloser, int64, error)) error {

	return registry.WithRetries(ctx, c.clock, "upload blob", func() error {
		exists, err := c.blobExists(ctx, blobDigest)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}

		resp, err := c.doRequest(ctx, "start upload", http.MethodPost,
			c.url("/blobs/uploads/"), nil, nil)
		if err != nil {
			return err
		}
		resp.Body.Close()

		location, err := c.uploadLocation(resp, blobDigest)
		if err != nil {
			return err
		}

		body, size, err := contents()
		if err != nil {
			return err
		}
		defer body.Close()

		put, err := http.NewRequestWithContext(ctx, http.MethodPut, location, body)
		if err != nil {
			return errors.WithContext(err, "build request")
		}
		// The length has to go through the request itself; net/http drops a
		// Content-Length header set on an outgoing request and would send
		// the file chunked, which some registries reject.
		put.ContentLength = size
		put.Header.Set("Content-Type", "application/octet-stream")

		putResp, err := c.do("put blob", put)
		if err != nil {
			return err
		}
		putResp.Body.Close()
		return nil
	})
}

func (c *Client) blobExists(ctx context.Context, blobDigest digest.Digest) (bool, error) {
	resp, err := c.doRequest(ctx, "check blob", http.MethodHead,
		c.url("/blobs/%s", blobDigest), nil, nil)
	if err != nil {
		if notFound(err) {
			return false, nil
		}
		return false, err
	}
	resp.Body.Close()
	return true, nil
}

// uploadLocation resolves the Location header from the upload-start response
// and appends the digest parameter for the monolithic PUT.
func (c *Client) uploadLocation(resp *http.Response, blobDigest digest.Digest) (string, error) {
	location := resp.Header.Get("Location")
	if location == "" {
		return "", errors.New("registry returned no upload location")
	}

	parsed, err := url.Parse(location)
	if err != nil {
		return "", errors.WithContext(err, "parse upload location")
	}
	if !parsed.IsAbs() {
		base, err := url.Parse(c.baseURL)
		if err != nil {
			return "", errors.WithContext(err, "parse base URL")
		}
		parsed = base.ResolveReference(parsed)
	}

	query := parsed.Query()
	query.Set("digest", blobDigest.String())
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// PullSelected implements registry.Client. Every path is validated before
// any write, and every blob streams through a digest check into a temp file
// that's renamed into place only when it verifies.
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
		// Inline data was verified when the index was decoded.
		return writeFileAtomic(target, bytes.NewReader(entry.Data), entry.Digest, path)
	}

	return registry.WithRetries(ctx, c.clock, "pull blob", func() error {
		resp, err := c.doRequest(ctx, "get blob", http.MethodGet,
			c.url("/blobs/%s", entry.Digest), nil, nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		return writeFileAtomic(target, resp.Body, entry.Digest, path)
	})
}

// writeFileAtomic streams contents into a temp file next to target,
// verifying the digest, and renames it into place. A digest mismatch leaves
// nothing at the final path.
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
	var tags []string
	err := registry.WithRetries(ctx, c.clock, "list tags", func() error {
		resp, err := c.doRequest(ctx, "list tags", http.MethodGet,
			c.url("/tags/list"), nil, nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		var parsed struct {
			Tags []string `json:"tags"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return errors.WithContext(err, "decode tag list")
		}
		tags = parsed.Tags
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(tags)
	return tags, nil
}

func notFound(err error) bool {
	statusErr, ok := errors.RootCause(err).(registry.StatusError)
	return ok && statusErr.StatusCode == http.StatusNotFound
}
