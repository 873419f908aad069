// Package image builds and publishes container images through the Docker
// engine. Tags are content-addressed: identical build contexts always produce
// the same reference, differing content a different one.
package image

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/registry"
	"github.com/moby/moby/client"

	"github.com/conveyhq/convey/internal/fault"
)

// Reference is an immutable (registry, repository, tag) triple.
type Reference struct {
	Registry   string `json:"registry"`
	Repository string `json:"repository"`
	Tag        string `json:"tag"`
}

// String returns the full pullable image name.
func (r Reference) String() string {
	if r.Registry == "" {
		return r.Repository + ":" + r.Tag
	}
	return r.Registry + "/" + r.Repository + ":" + r.Tag
}

// BuildSpec describes one fresh build: the source directory, the Dockerfile
// path relative to it, and the publish target.
type BuildSpec struct {
	SourceDir  string
	Dockerfile string
	Registry   string
	Repository string
	Username   string
	Password   string
}

// Publisher is a wrapper around the official Docker client.
type Publisher struct {
	cli *client.Client
}

// NewPublisher creates a publisher talking to the local Docker engine.
func NewPublisher() (*Publisher, error) {
	cli, err := client.New(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("could not create docker client: %w", err)
	}
	return &Publisher{cli: cli}, nil
}

// Build produces an image from the build spec's source directory. The tag is
// derived from the build context content, so rebuilding unchanged source
// yields the same reference.
func (p *Publisher) Build(ctx context.Context, spec BuildSpec) (Reference, error) {
	buildCtx, digest, err := tarBuildContext(spec.SourceDir)
	if err != nil {
		return Reference{}, fmt.Errorf("preparing build context: %w", err)
	}

	ref := Reference{
		Registry:   spec.Registry,
		Repository: spec.Repository,
		Tag:        "sha-" + digest[:12],
	}

	dockerfile := spec.Dockerfile
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}

	resp, err := p.cli.ImageBuild(ctx, buildCtx, client.ImageBuildOptions{
		Tags:       []string{ref.String()},
		Dockerfile: dockerfile,
		Remove:     true,
	})
	if err != nil {
		return Reference{}, fmt.Errorf("could not build image '%s': %w", ref.String(), err)
	}
	defer resp.Body.Close()
	if err := drainEngineStream(resp.Body); err != nil {
		return Reference{}, fmt.Errorf("building image '%s': %w", ref.String(), err)
	}

	log.Printf("[INFO] Built image %s", ref.String())
	return ref, nil
}

// Push publishes the reference to its registry. Authentication failures are
// fatal; an unreachable registry is reported as retryable.
func (p *Publisher) Push(ctx context.Context, ref Reference, username, password string) (Reference, error) {
	authStr, err := getAuthString(username, password)
	if err != nil {
		return Reference{}, fmt.Errorf("could not get auth string: %w", err)
	}

	reader, err := p.cli.ImagePush(ctx, ref.String(), client.ImagePushOptions{RegistryAuth: authStr})
	if err != nil {
		return Reference{}, classifyRegistryError(ref, err)
	}
	defer reader.Close()
	if err := drainEngineStream(reader); err != nil {
		return Reference{}, classifyRegistryError(ref, err)
	}

	log.Printf("[INFO] Pushed image %s", ref.String())
	return ref, nil
}

// Publish builds and pushes in one shot; every pipeline run builds fresh.
func (p *Publisher) Publish(ctx context.Context, spec BuildSpec) (Reference, error) {
	ref, err := p.Build(ctx, spec)
	if err != nil {
		return Reference{}, err
	}
	return p.Push(ctx, ref, spec.Username, spec.Password)
}

func classifyRegistryError(ref Reference, err error) error {
	switch {
	case cerrdefs.IsUnauthorized(err), cerrdefs.IsPermissionDenied(err):
		return fmt.Errorf("%w: pushing '%s': %v", fault.ErrAuthorization, ref.String(), err)
	default:
		return fmt.Errorf("%w: pushing '%s': %v", fault.ErrRegistryUnavailable, ref.String(), err)
	}
}

// drainEngineStream consumes a Docker engine progress stream and surfaces
// any error message embedded in it.
func drainEngineStream(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var msg struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.Error != "" {
			if strings.Contains(strings.ToLower(msg.Error), "unauthorized") {
				return cerrdefs.ErrUnauthenticated
			}
			return fmt.Errorf("%s", msg.Error)
		}
	}
	return scanner.Err()
}

// tarBuildContext packs dir into a deterministic tar archive and returns it
// with the hex digest of its content. Timestamps and ownership are zeroed so
// identical content always hashes identically.
func tarBuildContext(dir string) (io.Reader, string, error) {
	var paths []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("walking %s: %w", dir, err)
	}
	sort.Strings(paths)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, path := range paths {
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return nil, "", err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("reading %s: %w", path, err)
		}
		hdr := &tar.Header{
			Name: filepath.ToSlash(rel),
			Mode: 0o644,
			Size: int64(len(data)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, "", err
		}
		if _, err := tw.Write(data); err != nil {
			return nil, "", err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, "", err
	}

	sum := sha256.Sum256(buf.Bytes())
	return &buf, hex.EncodeToString(sum[:]), nil
}

func getAuthString(username, password string) (string, error) {
	if username == "" && password == "" {
		return "", nil
	}
	authConfig := registry.AuthConfig{
		Username: username,
		Password: password,
	}
	encodedJSON, err := json.Marshal(authConfig)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(encodedJSON), nil
}
