package message

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatches(t *testing.T) {
	tests := []struct {
		name       string
		subscribed Selector
		published  Selector
		want       bool
	}{
		{name: "descendant", subscribed: "v3.report", published: "v3.report.vulnerability", want: true},
		{name: "ancestor", subscribed: "v3.report.vulnerability", published: "v3.report", want: false},
		{name: "equal", subscribed: "v3.asset.ip", published: "v3.asset.ip", want: true},
		{name: "deep descendant", subscribed: "v3", published: "v3.asset.ip.v4", want: true},
		{name: "shared prefix is not a descendant", subscribed: "v3.asset.ip", published: "v3.asset.ipv6", want: false},
		{name: "sibling", subscribed: "v3.asset.ip", published: "v3.asset.domain_name", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(tt.subscribed, tt.published))
		})
	}
}

func TestMatchesReflexive(t *testing.T) {
	for _, s := range []Selector{"v3", "v3.asset", "v3.asset.file.android.apk", "v3.report.vulnerability"} {
		assert.True(t, Matches(s, s), s)
	}
}

func TestSelectorValidate(t *testing.T) {
	tests := []struct {
		selector Selector
		wantErr  bool
	}{
		{selector: "v3.asset.ip", wantErr: false},
		{selector: "v3", wantErr: false},
		{selector: "", wantErr: true},
		{selector: "asset.ip", wantErr: true},
		{selector: "v3.Asset", wantErr: true},
		{selector: "v3..ip", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(string(tt.selector), func(t *testing.T) {
			err := tt.selector.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	registry := NewJSONRegistry("v3")

	tests := []struct {
		selector Selector
		data     map[string]any
	}{
		{selector: "v3.asset.ip", data: map[string]any{"host": "10.0.0.1", "version": float64(4)}},
		{selector: "v3.report.vulnerability", data: map[string]any{
			"title":     "XSS",
			"risk":      "HIGH",
			"technical": map[string]any{"path": "/index", "params": []any{"q", "page"}},
			"verified":  true,
		}},
		{selector: "v3.asset.domain_name", data: map[string]any{}},
	}

	for _, tt := range tests {
		t.Run(string(tt.selector), func(t *testing.T) {
			raw, err := registry.Serialize(tt.selector, tt.data)
			require.NoError(t, err)

			routingKey := RoutingKey(tt.selector, NewDeliveryID())
			msg, err := FromDelivery(routingKey, raw)
			require.NoError(t, err)
			assert.Equal(t, tt.selector, msg.Selector)

			got, err := registry.Decode(msg)
			require.NoError(t, err)
			assert.Equal(t, tt.data, got)
		})
	}
}

func TestDeliveryIDsCollapseToSameSelector(t *testing.T) {
	first, err := FromDelivery(RoutingKey("v3.asset.ip", NewDeliveryID()), nil)
	require.NoError(t, err)
	second, err := FromDelivery(RoutingKey("v3.asset.ip", NewDeliveryID()), nil)
	require.NoError(t, err)
	assert.Equal(t, first.Selector, second.Selector)
}

func TestRegistryErrors(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register("v3.asset", JSONCodec{}))

	_, err := registry.Serialize("v3.report.vulnerability", map[string]any{})
	var unknown *UnknownSelectorError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, Selector("v3.report.vulnerability"), unknown.Selector)

	_, err = registry.Deserialize("v3.asset.ip", []byte("{not json"))
	var malformed *MalformedPayloadError
	require.True(t, errors.As(err, &malformed))
	assert.Equal(t, Selector("v3.asset.ip"), malformed.Selector)
}

func TestRegistryLongestPrefixWins(t *testing.T) {
	registry := NewJSONRegistry("v3")
	require.NoError(t, registry.Register("v3.asset.raw", rawCodec{}))

	raw, err := registry.Serialize("v3.asset.raw.bytes", []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), raw)

	raw, err = registry.Serialize("v3.asset.ip", map[string]any{"host": "a"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), "{"))
}

func TestFromDeliveryRejectsBareSelector(t *testing.T) {
	_, err := FromDelivery("v3", nil)
	assert.Error(t, err)
	_, err = FromDelivery("v3.asset.", nil)
	assert.Error(t, err)
}

func TestControlEnvelope(t *testing.T) {
	body, err := WrapControl([]string{"nmap", "tsunami"}, []byte("inner"))
	require.NoError(t, err)

	control, raw, err := UnwrapControl(body)
	require.NoError(t, err)
	assert.Equal(t, []string{"nmap", "tsunami"}, control.Agents)
	assert.Equal(t, []byte("inner"), raw)

	_, _, err = UnwrapControl([]byte(`{"control":{"agents":[]}}`))
	var malformed *MalformedPayloadError
	assert.True(t, errors.As(err, &malformed))
}

type rawCodec struct{}

func (rawCodec) Encode(data any) ([]byte, error) {
	b, ok := data.([]byte)
	if !ok {
		return nil, errors.New("expected bytes")
	}
	return b, nil
}

func (rawCodec) Decode(raw []byte) (any, error) { return raw, nil }

type portFinding struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
}

func TestTypedCodecKeepsFieldTypes(t *testing.T) {
	registry := NewJSONRegistry("v3")
	require.NoError(t, registry.Register("v3.asset.ip.port", TypedCodec[portFinding]{}))

	in := portFinding{Host: "10.0.0.1", Port: 8443, Protocol: "tcp"}
	raw, err := registry.Serialize("v3.asset.ip.port.service", in)
	require.NoError(t, err)

	out, err := registry.Deserialize("v3.asset.ip.port.service", raw)
	require.NoError(t, err)
	require.IsType(t, &portFinding{}, out)
	assert.Equal(t, in, *out.(*portFinding))

	loose, err := registry.Deserialize("v3.asset.ip", raw)
	require.NoError(t, err)
	assert.Equal(t, float64(8443), loose.(map[string]any)["port"])

	_, err = registry.Deserialize("v3.asset.ip.port", []byte(`{"host":"a","port":"http"}`))
	var malformed *MalformedPayloadError
	require.ErrorAs(t, err, &malformed)
}
