/*
 * @module tracking_client/artifacts
 * @description Artifact repositories: local directories and the tracking server's artifact proxy
 * @architecture Storage adapter layer - chosen by the scheme of a run's artifact URI
 * @rules
 *   - "" and file URIs map to local directories
 *   - mlflow-artifacts, http and https URIs go through the artifact proxy
 *   - any other scheme is reported as a connectivity error on first use
 * @dependencies net/http, net/url, os
 * @refs rest_store.go, client.go
 */

package tracking_client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"regression-trainer/service/trainerr"
)

// ArtifactRepository stores and fetches files below one artifact URI
type ArtifactRepository interface {
	LogArtifact(ctx context.Context, relPath string, data []byte) error
	ReadArtifact(ctx context.Context, relPath string) ([]byte, error)
}

// ArtifactScheme returns the URI scheme of an artifact location, "" for plain paths.
func ArtifactScheme(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return u.Scheme
}

// NewArtifactRepository picks the repository for uri. rest supplies the server
// address and credentials for proxied URIs and may be nil.
func NewArtifactRepository(uri string, rest *RestStore) (ArtifactRepository, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, trainerr.Connectivity("artifact repository", fmt.Errorf("parse artifact URI %q: %w", uri, err))
	}

	switch u.Scheme {
	case "":
		return &LocalArtifactRepository{root: uri}, nil
	case "file":
		return &LocalArtifactRepository{root: u.Path}, nil
	case "mlflow-artifacts":
		base := ""
		switch {
		case u.Host != "":
			base = "http://" + u.Host
		case rest != nil:
			base = rest.BaseURL()
		default:
			return nil, trainerr.Newf(trainerr.KindConnectivity, "artifact repository",
				"%q needs an http tracking server to resolve against", uri)
		}
		if rest == nil {
			rest = NewRestStore(base, nil)
		}
		return &HTTPArtifactRepository{base: base + artifactsAPIPrefix + u.Path, rest: rest}, nil
	case "http", "https":
		if rest == nil {
			rest = NewRestStore(uri, nil)
		}
		return &HTTPArtifactRepository{base: strings.TrimRight(uri, "/"), rest: rest}, nil
	default:
		return nil, trainerr.Newf(trainerr.KindConnectivity, "artifact repository",
			"unsupported artifact URI scheme %q", u.Scheme)
	}
}

// LocalArtifactRepository keeps artifacts in a directory tree
type LocalArtifactRepository struct {
	root string
}

// Root returns the directory holding the artifacts.
func (r *LocalArtifactRepository) Root() string {
	return r.root
}

func (r *LocalArtifactRepository) LogArtifact(ctx context.Context, relPath string, data []byte) error {
	full := filepath.Join(r.root, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return trainerr.File("log artifact", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return trainerr.File("log artifact", err)
	}
	return nil
}

func (r *LocalArtifactRepository) ReadArtifact(ctx context.Context, relPath string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(r.root, filepath.FromSlash(relPath)))
	if err != nil {
		return nil, trainerr.File("read artifact", err)
	}
	return data, nil
}

// HTTPArtifactRepository uploads and downloads through the artifact proxy API
type HTTPArtifactRepository struct {
	base string
	rest *RestStore
}

func (r *HTTPArtifactRepository) url(relPath string) string {
	escaped := (&url.URL{Path: path.Clean("/" + relPath)}).EscapedPath()
	return r.base + escaped
}

func (r *HTTPArtifactRepository) LogArtifact(ctx context.Context, relPath string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, r.url(relPath), bytes.NewReader(data))
	if err != nil {
		return trainerr.Connectivity("log artifact", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := r.rest.do(req)
	if err != nil {
		return trainerr.Connectivity("log artifact "+relPath, err)
	}
	resp.Body.Close()
	return nil
}

func (r *HTTPArtifactRepository) ReadArtifact(ctx context.Context, relPath string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url(relPath), nil)
	if err != nil {
		return nil, trainerr.Connectivity("read artifact", err)
	}
	resp, err := r.rest.do(req)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, trainerr.File("read artifact "+relPath, fmt.Errorf("%w: %v", fs.ErrNotExist, err))
		}
		return nil, trainerr.Connectivity("read artifact "+relPath, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, trainerr.Connectivity("read artifact "+relPath, err)
	}
	return data, nil
}
