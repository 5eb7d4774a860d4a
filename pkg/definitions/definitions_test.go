package definitions

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oxo/pkg/message"
)

const nmapDefinition = `
kind: Agent
name: nmap
version: 1.2.0
description: Network scanner.
in_selectors:
  - v3.asset.ip
  - v3.asset.domain_name
out_selectors:
  - v3.report.vulnerability
  - v3.asset.ip.port.service
args:
  - name: fast_mode
    type: boolean
    value: true
restart_policy: on-failure
mem_limit: 1073741824
open_ports:
  - src_port: 50000
    dest_port: 50300
`

func TestParseAgentDefinition(t *testing.T) {
	def, err := ParseAgentDefinition(strings.NewReader(nmapDefinition))
	require.NoError(t, err)

	assert.Equal(t, "nmap", def.Name)
	assert.Equal(t, []message.Selector{"v3.asset.ip", "v3.asset.domain_name"}, def.InSelectors)
	assert.Equal(t, "on-failure", def.RestartPolicy)
	assert.Equal(t, int64(1073741824), def.MemLimit)
	assert.Equal(t, []PortMapping{{SourcePort: 50000, DestinationPort: 50300}}, def.OpenPorts)

	image, err := def.ImageTag()
	require.NoError(t, err)
	assert.Equal(t, "agent_oxo_nmap:1.2.0", image)
}

func TestParseAgentDefinitionRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "missing name", doc: "kind: Agent\n"},
		{name: "wrong kind", doc: "kind: AgentGroup\nname: nmap\n"},
		{name: "bad selector", doc: "kind: Agent\nname: nmap\nin_selectors: [asset.ip]\n"},
		{name: "bad restart policy", doc: "kind: Agent\nname: nmap\nrestart_policy: always\n"},
		{name: "port out of range", doc: "kind: Agent\nname: nmap\nopen_ports: [{src_port: 0, dest_port: 70000}]\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAgentDefinition(strings.NewReader(tt.doc))
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, "Agent", verr.Kind)
		})
	}
}

func TestImageTag(t *testing.T) {
	tests := []struct {
		key     string
		version string
		want    string
		wantErr bool
	}{
		{key: "agent/ostorlab/nmap", version: "1.0.0", want: "agent_ostorlab_nmap:1.0.0"},
		{key: "agent/ostorlab/nmap", want: "agent_ostorlab_nmap:latest"},
		{key: "ostorlab/nmap", wantErr: true},
		{key: "agent//nmap", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got, err := ImageTag(tt.key, tt.version)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ImageTag() error = %v, wantErr %v", err, tt.wantErr)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseAgentGroup(t *testing.T) {
	doc := `
kind: AgentGroup
agents:
  - key: agent/ostorlab/nmap
    replicas: 500
  - key: agent/ostorlab/tsunami
    version: 0.3.1
    args:
      - name: timeout
        type: number
        value: 30
`
	group, err := ParseAgentGroup(strings.NewReader(doc))
	require.NoError(t, err)

	require.Len(t, group.Agents, 2)
	assert.Equal(t, MaxReplicas, group.Agents[0].Replicas)
	assert.Equal(t, 1, group.Agents[1].Replicas)
	assert.Equal(t, DefaultHealthcheckPort, group.Agents[1].HealthcheckPort)
	assert.Equal(t, "Agent group : agent/ostorlab/nmap,agent/ostorlab/tsunami", group.Description)

	image, err := group.Agents[1].Image()
	require.NoError(t, err)
	assert.Equal(t, "agent_ostorlab_tsunami:0.3.1", image)
}

func TestParseAgentGroupRejectsBadKey(t *testing.T) {
	_, err := ParseAgentGroup(strings.NewReader("kind: AgentGroup\nagents:\n  - key: nmap\n"))
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "AgentGroup", verr.Kind)
}

func TestClampReplicas(t *testing.T) {
	assert.Equal(t, 1, ClampReplicas(0))
	assert.Equal(t, 1, ClampReplicas(-3))
	assert.Equal(t, 7, ClampReplicas(7))
	assert.Equal(t, MaxReplicas, ClampReplicas(MaxReplicas+1))
}

func TestResolveArgs(t *testing.T) {
	declared := []Arg{{Name: "fast_mode", Value: true}, {Name: "ports", Value: "1-1024"}}

	values, err := ResolveArgs(declared, []Arg{{Name: "ports", Value: "80,443"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"fast_mode": true, "ports": "80,443"}, values)

	_, err = ResolveArgs(declared, []Arg{{Name: "unknown", Value: 1}})
	assert.Error(t, err)
}

func TestKBLookup(t *testing.T) {
	fsys := fstest.MapFS{
		"WEB_XSS/meta.yaml":      {Data: []byte("title: Cross-site scripting\nrisk_rating: high\n")},
		"WEB_XSS/description.md": {Data: []byte("Reflected input.")},
		"TLS_WEAK/meta.yaml":     {Data: []byte("title: Weak TLS\nrisk_rating: medium\n")},
	}

	kb, err := LoadKB(fsys)
	require.NoError(t, err)
	assert.Equal(t, []string{"TLS_WEAK", "WEB_XSS"}, kb.Names())

	entry, err := kb.Lookup("web_xss")
	require.NoError(t, err)
	assert.Equal(t, "Cross-site scripting", entry.Title)
	assert.Equal(t, "Reflected input.", entry.Description)

	_, err = kb.Lookup("MISSING")
	var nf *KBNotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "MISSING", nf.Name)
}

func TestSettingsRoundTripThroughFile(t *testing.T) {
	def, err := ParseAgentDefinition(strings.NewReader(nmapDefinition))
	require.NoError(t, err)

	settings := SettingsFor(def)
	settings.BusURL = "amqp://guest:guest@mq:5672/"
	raw, err := settings.Encode()
	require.NoError(t, err)

	path := t.TempDir() + "/settings.json"
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	loaded, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, settings.Key, loaded.Key)
	assert.Equal(t, settings.BusURL, loaded.BusURL)
	assert.Equal(t, settings.OpenPorts, loaded.OpenPorts)
	assert.Equal(t, DefaultHealthcheckPort, loaded.HealthcheckPort)
}

func TestAgentDefinitionEncodeIsParseable(t *testing.T) {
	def, err := ParseAgentDefinition(strings.NewReader(nmapDefinition))
	require.NoError(t, err)

	raw, err := def.Encode()
	require.NoError(t, err)
	back, err := ParseAgentDefinition(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, def, back)
}

func TestDefinitionWithSettings(t *testing.T) {
	def, err := ParseAgentDefinition(strings.NewReader(nmapDefinition))
	require.NoError(t, err)

	merged := def.WithSettings(AgentSettings{
		Key:           "agent/oxo/nmap",
		Version:       "1.2.0",
		InSelectors:   []message.Selector{"v3.asset.ip"},
		RestartPolicy: "any",
		Args:          []Arg{{Name: "fast_mode", Value: false}},
	})
	assert.Equal(t, "agent/oxo/nmap", merged.Key)
	assert.Equal(t, []message.Selector{"v3.asset.ip"}, merged.InSelectors)
	assert.Equal(t, def.OutSelectors, merged.OutSelectors)
	assert.Equal(t, def.Args, merged.Args)
	assert.Equal(t, "any", merged.RestartPolicy)
	assert.Equal(t, def.MemLimit, merged.MemLimit)
	assert.Equal(t, def.OpenPorts, merged.OpenPorts)

	args, err := ResolveArgs(merged.Args, []Arg{{Name: "fast_mode", Value: false}})
	require.NoError(t, err)
	assert.Equal(t, false, args["fast_mode"])
}
