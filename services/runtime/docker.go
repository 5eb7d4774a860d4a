package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

type commandRunner func(ctx context.Context, stdin []byte, args ...string) ([]byte, error)

// DockerEngine drives Docker Swarm through the docker CLI.
type DockerEngine struct {
	binary string
	run    commandRunner
	logger zerolog.Logger
}

var _ Engine = (*DockerEngine)(nil)

// NewDockerEngine returns an engine using the docker binary on PATH.
func NewDockerEngine(logger zerolog.Logger) *DockerEngine {
	e := &DockerEngine{binary: "docker", logger: logger.With().Str("component", "docker").Logger()}
	e.run = e.exec
	return e
}

func (e *DockerEngine) exec(ctx context.Context, stdin []byte, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, e.binary, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("docker %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

func lines(out []byte) []string {
	var res []string
	for _, l := range strings.Split(string(out), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			res = append(res, l)
		}
	}
	return res
}

func isNotFound(out []byte) bool {
	s := strings.ToLower(string(out))
	return strings.Contains(s, "not found") || strings.Contains(s, "no such")
}

// EnsureCluster initialises a single-node swarm unless one is active.
func (e *DockerEngine) EnsureCluster(ctx context.Context) error {
	out, err := e.run(ctx, nil, "info", "--format", "{{.Swarm.LocalNodeState}}")
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(out)) == "active" {
		return nil
	}
	e.logger.Info().Msg("initialising swarm")
	_, err = e.run(ctx, nil, "swarm", "init")
	return err
}

// Login authenticates the daemon against a private registry so agent images
// can be pulled.
func (e *DockerEngine) Login(ctx context.Context, registry, username, token string) error {
	if registry == "" {
		return errors.New("registry url is required")
	}
	_, err := e.run(ctx, []byte(token), "login", "--username", username, "--password-stdin", registry)
	return err
}

func (e *DockerEngine) ImageExists(ctx context.Context, image string) (bool, error) {
	out, err := e.run(ctx, nil, "image", "inspect", "--format", "{{.Id}}", image)
	if err != nil {
		if isNotFound(out) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (e *DockerEngine) ImageLabel(ctx context.Context, image, label string) (string, error) {
	format := fmt.Sprintf("{{index .Config.Labels %q}}", label)
	out, err := e.run(ctx, nil, "image", "inspect", "--format", format, image)
	if err != nil {
		return "", err
	}
	value := strings.TrimSpace(string(out))
	if value == "<no value>" {
		return "", nil
	}
	return value, nil
}

// Pull fetches ref from its registry.
func (e *DockerEngine) Pull(ctx context.Context, ref string) error {
	_, err := e.run(ctx, nil, "pull", "--quiet", ref)
	return err
}

// Tag names an existing image src as dst.
func (e *DockerEngine) Tag(ctx context.Context, src, dst string) error {
	_, err := e.run(ctx, nil, "tag", src, dst)
	return err
}

func labelArgs(flag string, labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	args := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		args = append(args, flag, k+"="+labels[k])
	}
	return args
}

func (e *DockerEngine) CreateNetwork(ctx context.Context, name string, labels map[string]string) error {
	args := []string{"network", "create", "--driver", "overlay", "--attachable"}
	args = append(args, labelArgs("--label", labels)...)
	args = append(args, name)
	out, err := e.run(ctx, nil, args...)
	if err != nil && strings.Contains(string(out), "already exists") {
		e.logger.Warn().Str("network", name).Msg("network already exists")
		return nil
	}
	return err
}

func (e *DockerEngine) RemoveNetwork(ctx context.Context, name string) error {
	out, err := e.run(ctx, nil, "network", "rm", name)
	if err != nil && isNotFound(out) {
		return nil
	}
	return err
}

func (e *DockerEngine) ListNetworks(ctx context.Context, label string) ([]string, error) {
	out, err := e.run(ctx, nil, "network", "ls", "--filter", "label="+label, "--format", "{{.Name}}")
	if err != nil {
		return nil, err
	}
	return lines(out), nil
}

func (e *DockerEngine) CreateConfig(ctx context.Context, name string, labels map[string]string, data []byte) error {
	args := []string{"config", "create"}
	args = append(args, labelArgs("--label", labels)...)
	args = append(args, name, "-")
	_, err := e.run(ctx, data, args...)
	return err
}

func (e *DockerEngine) RemoveConfig(ctx context.Context, name string) error {
	out, err := e.run(ctx, nil, "config", "rm", name)
	if err != nil && isNotFound(out) {
		return nil
	}
	return err
}

func (e *DockerEngine) ListConfigs(ctx context.Context, label string) ([]string, error) {
	out, err := e.run(ctx, nil, "config", "ls", "--filter", "label="+label, "--format", "{{.Name}}")
	if err != nil {
		return nil, err
	}
	return lines(out), nil
}

// serviceCreateArgs renders spec as docker service create arguments.
func serviceCreateArgs(spec ServiceSpec) []string {
	args := []string{"service", "create", "--detach", "--name", spec.Name}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	if spec.Hostname != "" {
		args = append(args, "--hostname", spec.Hostname)
	}
	args = append(args, labelArgs("--label", spec.Labels)...)
	for _, env := range spec.Env {
		args = append(args, "--env", env)
	}
	replicas := spec.Replicas
	if replicas < 1 {
		replicas = 1
	}
	args = append(args, "--replicas", strconv.Itoa(replicas))
	if spec.MemLimit > 0 {
		args = append(args, "--limit-memory", strconv.FormatInt(spec.MemLimit, 10))
	}
	if len(spec.Ports) == 0 {
		args = append(args, "--endpoint-mode", "dnsrr")
	}
	for _, p := range spec.Ports {
		if p.DestinationPort > 0 {
			args = append(args, "--publish", fmt.Sprintf("published=%d,target=%d", p.DestinationPort, p.SourcePort))
		} else {
			args = append(args, "--publish", fmt.Sprintf("target=%d", p.SourcePort))
		}
	}
	for _, m := range spec.Mounts {
		args = append(args, "--mount", mountArg(m))
	}
	for _, c := range spec.Constraints {
		args = append(args, "--constraint", c)
	}
	if spec.RestartCondition != "" {
		args = append(args, "--restart-condition", spec.RestartCondition)
	}
	for _, c := range spec.Configs {
		args = append(args, "--config", fmt.Sprintf("source=%s,target=%s", c.Name, c.Target))
	}
	if spec.HealthCmd != "" {
		args = append(args, "--health-cmd", spec.HealthCmd, "--health-interval", "5s", "--health-retries", "3")
	}
	return append(args, spec.Image)
}

// mountArg accepts either a full --mount spec or a src:dst bind shorthand.
func mountArg(m string) string {
	if strings.Contains(m, "=") {
		return m
	}
	src, dst, ok := strings.Cut(m, ":")
	if !ok {
		return "type=volume,target=" + m
	}
	return fmt.Sprintf("type=bind,source=%s,target=%s", src, dst)
}

func (e *DockerEngine) CreateService(ctx context.Context, spec ServiceSpec) error {
	if spec.Name == "" || spec.Image == "" {
		return errors.New("service name and image are required")
	}
	_, err := e.run(ctx, nil, serviceCreateArgs(spec)...)
	return err
}

func (e *DockerEngine) RemoveService(ctx context.Context, name string) error {
	out, err := e.run(ctx, nil, "service", "rm", name)
	if err != nil && isNotFound(out) {
		return nil
	}
	return err
}

func (e *DockerEngine) ListServices(ctx context.Context, label string) ([]string, error) {
	out, err := e.run(ctx, nil, "service", "ls", "--filter", "label="+label, "--format", "{{.Name}}")
	if err != nil {
		return nil, err
	}
	return lines(out), nil
}

// RunningTasks counts tasks whose current state is Running. Tasks of a service
// with a health command only reach Running once healthy.
func (e *DockerEngine) RunningTasks(ctx context.Context, name string) (int, error) {
	out, err := e.run(ctx, nil, "service", "ps", name, "--filter", "desired-state=running", "--format", "{{.CurrentState}}")
	if err != nil {
		return 0, err
	}
	running := 0
	for _, l := range lines(out) {
		if strings.HasPrefix(l, "Running") {
			running++
		}
	}
	return running, nil
}

func (e *DockerEngine) PublishedPort(ctx context.Context, name string, target int) (int, error) {
	format := fmt.Sprintf("{{range .Endpoint.Ports}}{{if eq .TargetPort %d}}{{.PublishedPort}}{{end}}{{end}}", target)
	out, err := e.run(ctx, nil, "service", "inspect", "--format", format, name)
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return 0, fmt.Errorf("service %s publishes no port for %d", name, target)
	}
	return port, nil
}

type cmdReader struct {
	io.ReadCloser
	cmd *exec.Cmd
}

func (r *cmdReader) Close() error {
	_ = r.ReadCloser.Close()
	if r.cmd.Process != nil {
		_ = r.cmd.Process.Kill()
	}
	_ = r.cmd.Wait()
	return nil
}

func (e *DockerEngine) Logs(ctx context.Context, name string) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, e.binary, "service", "logs", "--follow", "--raw", "--no-task-ids", name)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("docker service logs %s: %w", name, err)
	}
	return &cmdReader{ReadCloser: stdout, cmd: cmd}, nil
}
