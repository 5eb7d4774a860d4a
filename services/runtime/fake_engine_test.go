package runtime

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
)

type fakeEngine struct {
	mu sync.Mutex

	images   map[string]bool
	services map[string]ServiceSpec
	networks map[string]map[string]string
	configs  map[string]map[string]string
	data     map[string][]byte
	labels   map[string]map[string]string

	clusterFailures int
	clusterCalls    int
	running         func(name string) int
	created         []string
}

func newFakeEngine(images ...string) *fakeEngine {
	f := &fakeEngine{
		images:   make(map[string]bool),
		services: make(map[string]ServiceSpec),
		networks: make(map[string]map[string]string),
		configs:  make(map[string]map[string]string),
		data:     make(map[string][]byte),
		labels:   make(map[string]map[string]string),
	}
	for _, img := range images {
		f.images[img] = true
	}
	return f
}

func matchesLabel(labels map[string]string, filter string) bool {
	k, v, _ := strings.Cut(filter, "=")
	return labels[k] == v
}

func (f *fakeEngine) EnsureCluster(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clusterCalls++
	if f.clusterCalls <= f.clusterFailures {
		return errors.New("swarm init failed")
	}
	return nil
}

func (f *fakeEngine) ImageExists(_ context.Context, image string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[image], nil
}

func (f *fakeEngine) ImageLabel(_ context.Context, image, label string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.labels[image][label], nil
}

func (f *fakeEngine) CreateNetwork(_ context.Context, name string, labels map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.networks[name] = labels
	return nil
}

func (f *fakeEngine) RemoveNetwork(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.networks, name)
	return nil
}

func (f *fakeEngine) ListNetworks(_ context.Context, label string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for name, labels := range f.networks {
		if matchesLabel(labels, label) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *fakeEngine) CreateConfig(_ context.Context, name string, labels map[string]string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs[name] = labels
	f.data[name] = data
	return nil
}

func (f *fakeEngine) RemoveConfig(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.configs, name)
	return nil
}

func (f *fakeEngine) ListConfigs(_ context.Context, label string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for name, labels := range f.configs {
		if matchesLabel(labels, label) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *fakeEngine) CreateService(_ context.Context, spec ServiceSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.services[spec.Name] = spec
	f.created = append(f.created, spec.Name)
	return nil
}

func (f *fakeEngine) RemoveService(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.services, name)
	return nil
}

func (f *fakeEngine) ListServices(_ context.Context, label string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for name, spec := range f.services {
		if matchesLabel(spec.Labels, label) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *fakeEngine) RunningTasks(_ context.Context, name string) (int, error) {
	f.mu.Lock()
	running := f.running
	_, ok := f.services[name]
	f.mu.Unlock()
	if !ok {
		return 0, nil
	}
	if running == nil {
		return 1, nil
	}
	return running(name), nil
}

func (f *fakeEngine) PublishedPort(context.Context, string, int) (int, error) {
	return 30001, nil
}

func (f *fakeEngine) Logs(_ context.Context, name string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("starting " + name + "\n")), nil
}

func (f *fakeEngine) counts() (services, networks, configs int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.services), len(f.networks), len(f.configs)
}

func (f *fakeEngine) configData(name string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data[name]
}

func (f *fakeEngine) service(name string) (ServiceSpec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	spec, ok := f.services[name]
	return spec, ok
}

type publishedMessage struct {
	url  string
	key  string
	body []byte
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []publishedMessage
	url      string
	closed   bool
}

func (p *fakePublisher) factory(url, exchange string) (Publisher, error) {
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()
	return p, nil
}

func (p *fakePublisher) Publish(_ context.Context, key string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, publishedMessage{url: p.url, key: key, body: body})
	return nil
}

func (p *fakePublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePublisher) published() []publishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedMessage(nil), p.messages...)
}
