package deploy

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/client"
)

// DockerCluster runs workloads as containers on the local Docker engine. It
// is the single-node Cluster implementation used by local pipeline runs; the
// engine hosts one container per workload regardless of the manifest's
// replica count.
type DockerCluster struct {
	cli *client.Client
}

// NewDockerCluster creates a cluster backed by the local Docker engine.
func NewDockerCluster() (*DockerCluster, error) {
	cli, err := client.New(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("could not create docker client: %w", err)
	}
	return &DockerCluster{cli: cli}, nil
}

func containerName(namespace, name string) string {
	return namespace + "-" + name
}

// ApplyManifest pulls the manifest's image, replaces any previous container
// for the workload, and starts the new one.
func (c *DockerCluster) ApplyManifest(ctx context.Context, m Manifest) error {
	reader, err := c.cli.ImagePull(ctx, m.Image, client.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("could not pull image '%s': %w", m.Image, err)
	}
	io.Copy(os.Stdout, reader)
	defer reader.Close()

	name := containerName(m.Namespace, m.Name)
	if err := c.removeContainerIfExists(ctx, name); err != nil {
		return fmt.Errorf("could not prepare container name '%s': %w", name, err)
	}

	env := make([]string, 0, len(m.Env))
	for k, v := range m.Env {
		env = append(env, k+"="+v)
	}

	containerConfig := &container.Config{
		Image: m.Image,
		Env:   env,
		Labels: map[string]string{
			"convey.namespace": m.Namespace,
			"convey.workload":  m.Name,
		},
	}

	resp, err := c.cli.ContainerCreate(ctx, client.ContainerCreateOptions{
		Config: containerConfig,
		Name:   name,
	})
	if err != nil {
		return fmt.Errorf("could not create container: %w", err)
	}

	if _, err := c.cli.ContainerStart(ctx, resp.ID, client.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("could not start container: %w", err)
	}
	return nil
}

// WorkloadStatus inspects the workload's container and reports it in
// replica-set terms: one desired replica, ready when the container runs,
// crash-looping when the engine keeps restarting it.
func (c *DockerCluster) WorkloadStatus(ctx context.Context, namespace, name string) (WorkloadStatus, error) {
	inspect, err := c.cli.ContainerInspect(ctx, containerName(namespace, name), client.ContainerInspectOptions{})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return WorkloadStatus{DesiredReplicas: 1, Message: "container not yet created"}, nil
		}
		return WorkloadStatus{}, err
	}

	status := WorkloadStatus{DesiredReplicas: 1}
	st := inspect.Container.State
	if st == nil {
		status.Message = "container state unavailable"
		return status, nil
	}

	switch {
	case st.Restarting || (inspect.Container.RestartCount > 0 && st.ExitCode != 0):
		status.CrashLooping = true
		status.Message = fmt.Sprintf("container restarting, exit code %d", st.ExitCode)
	case st.Running:
		status.ReadyReplicas = 1
		status.Message = "container running"
	case st.Dead || (st.Status == "exited" && st.ExitCode != 0):
		status.CrashLooping = true
		status.Message = fmt.Sprintf("container exited with code %d", st.ExitCode)
	default:
		status.Message = "container " + string(st.Status)
	}
	return status, nil
}

func (c *DockerCluster) removeContainerIfExists(ctx context.Context, containerName string) error {
	if containerName == "" {
		return nil
	}

	_, err := c.cli.ContainerInspect(ctx, containerName, client.ContainerInspectOptions{})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		return err
	}

	log.Printf("[INFO] Container name '%s' already exists, removing for redeploy", containerName)
	_, err = c.cli.ContainerRemove(ctx, containerName, client.ContainerRemoveOptions{Force: true, RemoveVolumes: false})
	if err != nil {
		return err
	}
	return nil
}
