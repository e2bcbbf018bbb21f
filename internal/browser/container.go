package browser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

const (
	devtoolsPort = nat.Port("3000/tcp")
	managedBy    = "browser-orchestrator"
)

// Container is a running Chrome container.
type Container struct {
	ID       string
	Name     string
	Endpoint string // host:port of the DevTools HTTP endpoint
}

// ContainerPool runs Chrome inside Docker containers.
type ContainerPool struct {
	client *client.Client
	image  string
	log    *zap.Logger
	http   *retryablehttp.Client
}

// NewContainerPool connects to the Docker daemon configured in the environment.
func NewContainerPool(img string, log *zap.Logger) (*ContainerPool, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	hc := retryablehttp.NewClient()
	hc.RetryMax = 20
	hc.RetryWaitMin = 250 * time.Millisecond
	hc.RetryWaitMax = time.Second
	hc.Logger = leveledLogger{log.Named("docker").Sugar()}

	return &ContainerPool{
		client: cli,
		image:  img,
		log:    log.Named("docker"),
		http:   hc,
	}, nil
}

// Launch starts a container and blocks until its DevTools endpoint answers.
func (p *ContainerPool) Launch(ctx context.Context, id string) (*Container, error) {
	name := fmt.Sprintf("chrome-%s", id[:8])

	containerConfig := &container.Config{
		Image: p.image,
		Labels: map[string]string{
			"orchestrator-id": id,
			"managed-by":      managedBy,
		},
		Env: []string{
			"CONNECTION_TIMEOUT=-1",
			"PREBOOT_CHROME=true",
			"KEEP_ALIVE=true",
			"EXIT_ON_HEALTH_FAILURE=false",
		},
		ExposedPorts: nat.PortSet{
			devtoolsPort: struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			devtoolsPort: []nat.PortBinding{
				{
					HostIP:   "127.0.0.1",
					HostPort: "0",
				},
			},
		},
	}

	resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		p.remove(resp.ID)
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	inspect, err := p.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		p.remove(resp.ID)
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}
	bindings := inspect.NetworkSettings.Ports[devtoolsPort]
	if len(bindings) == 0 {
		p.remove(resp.ID)
		return nil, fmt.Errorf("container %s exposes no devtools port", name)
	}

	endpoint := "127.0.0.1:" + bindings[0].HostPort
	if err := p.waitReady(ctx, endpoint); err != nil {
		p.remove(resp.ID)
		return nil, fmt.Errorf("browser failed to become ready: %w", err)
	}

	p.log.Info("chrome container ready",
		zap.String("container", resp.ID[:12]),
		zap.String("endpoint", endpoint),
	)
	return &Container{ID: resp.ID, Name: name, Endpoint: endpoint}, nil
}

// Stop stops and removes a container.
func (p *ContainerPool) Stop(ctx context.Context, containerID string) error {
	timeout := 10
	if err := p.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	if err := p.client.ContainerRemove(ctx, containerID, container.RemoveOptions{}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

func (p *ContainerPool) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		p.log.Warn("failed to remove container", zap.String("container", containerID), zap.Error(err))
	}
}

// IsHealthy reports whether the container is running.
func (p *ContainerPool) IsHealthy(ctx context.Context, containerID string) bool {
	inspect, err := p.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return false
	}
	return inspect.State.Running
}

// EnsureImage pulls the configured image unless it is already present.
func (p *ContainerPool) EnsureImage(ctx context.Context) error {
	images, err := p.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == p.image {
				return nil
			}
		}
	}

	p.log.Info("pulling image", zap.String("image", p.image))
	reader, err := p.client.ImagePull(ctx, p.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (p *ContainerPool) Close() error {
	p.http.HTTPClient.CloseIdleConnections()
	return p.client.Close()
}

// waitReady polls /json/version until Chrome answers with 200.
func (p *ContainerPool) waitReady(ctx context.Context, endpoint string) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, "http://"+endpoint+"/json/version", nil)
	if err != nil {
		return err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, endpoint)
	}
	return nil
}

// leveledLogger adapts zap to retryablehttp.LeveledLogger.
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
