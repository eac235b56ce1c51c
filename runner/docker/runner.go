// Package docker runs interpreter processes inside a Docker container.
//
// The container runs the cgikernel agent as its entrypoint, and processes are started through
// the agent, so a crashing or misbehaving interpreter cannot touch the host.
// The underlying host must have a Docker daemon running.
// This supports standard environment variables for configuring the Docker client (DOCKER_HOST etc.).
package docker

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/guseggert/cgikernel/agent"
	inet "github.com/guseggert/cgikernel/internal/net"
	"github.com/guseggert/cgikernel/runner"
	"go.uber.org/zap"
)

const (
	agentPort       = "8081"
	agentBinInImage = "/cgikernel"
)

type CreateContainerConfig struct {
	Name             string
	ContainerConfig  *container.Config
	HostConfig       *container.HostConfig
	NetworkingConfig *network.NetworkingConfig
}

// Runner runs interpreters in a single long-lived container.
// It implements runner.Runner once Start has returned.
type Runner struct {
	Log          *zap.SugaredLogger
	DockerClient *client.Client
	Image        string
	// AgentBin is the host path of a cgikernel binary that can run inside the image.
	AgentBin string
	// Mounts are host directories bind mounted at the same path in the container,
	// so working directories and spooled uploads resolve identically on both sides.
	Mounts                []string
	AllowedCommands       []string
	CreateContainerConfig func(*CreateContainerConfig) error

	mut         sync.Mutex
	containerID string
	hostPort    int
	agentClient *agent.Client
}

type Option func(r *Runner)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(r *Runner) {
		r.Log = l
	}
}

func WithAgentBin(p string) Option {
	return func(r *Runner) {
		r.AgentBin = p
	}
}

func WithMounts(dirs ...string) Option {
	return func(r *Runner) {
		r.Mounts = append(r.Mounts, dirs...)
	}
}

func WithAllowedCommands(cmds ...string) Option {
	return func(r *Runner) {
		r.AllowedCommands = append(r.AllowedCommands, cmds...)
	}
}

func WithCreateContainerConfig(f func(*CreateContainerConfig) error) Option {
	return func(r *Runner) {
		r.CreateContainerConfig = f
	}
}

// NewRunner builds a runner for image. By default the agent binary is the running executable.
func NewRunner(image string, opts ...Option) (*Runner, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv)
	if err != nil {
		return nil, fmt.Errorf("building Docker client: %w", err)
	}
	r := &Runner{
		Image:        image,
		DockerClient: dockerClient,
	}
	for _, o := range opts {
		o(r)
	}
	if r.Log == nil {
		log, err := zap.NewProduction()
		if err != nil {
			return nil, fmt.Errorf("instantiating default logger: %w", err)
		}
		r.Log = log.Sugar()
	}
	r.Log = r.Log.Named("docker_runner")
	if len(r.AllowedCommands) == 0 {
		r.AllowedCommands = []string{runner.DefaultInterpreter}
	}
	if r.AgentBin == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("finding agent binary: %w", err)
		}
		r.AgentBin = exe
	}
	return r, nil
}

func (r *Runner) pullImage(ctx context.Context) error {
	out, err := r.DockerClient.ImagePull(ctx, r.Image, types.ImagePullOptions{})
	if err != nil {
		if out != nil {
			out.Close()
		}
		return err
	}
	defer out.Close()
	_, err = io.Copy(io.Discard, out)
	if err != nil {
		return fmt.Errorf("reading Docker pull response: %w", err)
	}
	return nil
}

func (r *Runner) containerConfig(name string, hostPort int) (*CreateContainerConfig, error) {
	agentBin, err := filepath.Abs(r.AgentBin)
	if err != nil {
		return nil, fmt.Errorf("resolving agent binary: %w", err)
	}
	binds := []string{fmt.Sprintf("%s:%s:ro", agentBin, agentBinInImage)}
	for _, dir := range r.Mounts {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("resolving mount %q: %w", dir, err)
		}
		binds = append(binds, fmt.Sprintf("%s:%s", abs, abs))
	}

	entrypoint := []string{agentBinInImage, "agent", "--listen-addr", "0.0.0.0:" + agentPort}
	for _, cmd := range r.AllowedCommands {
		entrypoint = append(entrypoint, "--allow", cmd)
	}

	port := nat.Port(agentPort + "/tcp")
	return &CreateContainerConfig{
		Name: name,
		ContainerConfig: &container.Config{
			Image:        r.Image,
			Entrypoint:   entrypoint,
			ExposedPorts: nat.PortSet{port: struct{}{}},
		},
		HostConfig: &container.HostConfig{
			Binds:        binds,
			PortBindings: nat.PortMap{port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(hostPort)}}},
		},
	}, nil
}

// Start pulls the image, starts the container and waits for its agent to answer.
func (r *Runner) Start(ctx context.Context) error {
	err := r.pullImage(ctx)
	if err != nil {
		return fmt.Errorf("pulling image: %w", err)
	}

	hostPort, err := inet.GetEphemeralTCPPort()
	if err != nil {
		return fmt.Errorf("acquiring ephemeral port: %w", err)
	}

	ccConfig, err := r.containerConfig("cgikernel-"+uuid.NewString()[:8], hostPort)
	if err != nil {
		return err
	}
	if r.CreateContainerConfig != nil {
		err := r.CreateContainerConfig(ccConfig)
		if err != nil {
			return fmt.Errorf("calling CreateContainerConfig function: %w", err)
		}
	}

	createResp, err := r.DockerClient.ContainerCreate(
		ctx,
		ccConfig.ContainerConfig,
		ccConfig.HostConfig,
		ccConfig.NetworkingConfig,
		nil,
		ccConfig.Name,
	)
	if err != nil {
		return fmt.Errorf("creating Docker container: %w", err)
	}
	r.mut.Lock()
	r.containerID = createResp.ID
	r.hostPort = hostPort
	r.mut.Unlock()

	err = r.DockerClient.ContainerStart(ctx, createResp.ID, types.ContainerStartOptions{})
	if err != nil {
		return fmt.Errorf("starting container %q: %w", createResp.ID, err)
	}
	r.Log.Debugw("started container", "ContainerID", createResp.ID, "Name", ccConfig.Name, "HostPort", hostPort)

	agentClient, err := agent.NewClient(r.Log, fmt.Sprintf("http://127.0.0.1:%d", hostPort), agent.WithClientWaitInterval(100*time.Millisecond))
	if err != nil {
		return fmt.Errorf("building agent client: %w", err)
	}
	err = agentClient.WaitForServer(ctx)
	if err != nil {
		return fmt.Errorf("waiting for agent in container %q: %w", createResp.ID, err)
	}

	r.mut.Lock()
	r.agentClient = agentClient
	r.mut.Unlock()
	return nil
}

func (r *Runner) StartProc(ctx context.Context, req runner.Request) (runner.Process, error) {
	r.mut.Lock()
	agentClient := r.agentClient
	r.mut.Unlock()
	if agentClient == nil {
		return nil, fmt.Errorf("container for image %q is not started", r.Image)
	}
	return agentClient.StartProc(ctx, req)
}

// Stop force-removes the container.
func (r *Runner) Stop(ctx context.Context) error {
	r.mut.Lock()
	containerID := r.containerID
	r.containerID = ""
	r.agentClient = nil
	r.mut.Unlock()
	if containerID == "" {
		return nil
	}

	err := r.DockerClient.ContainerRemove(ctx, containerID, types.ContainerRemoveOptions{
		RemoveVolumes: true,
		Force:         true,
	})
	if err != nil {
		return fmt.Errorf("removing container %q: %w", containerID, err)
	}
	return nil
}
