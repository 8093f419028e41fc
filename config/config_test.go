/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type backendConfig struct {
	Name         string
	Rate         int
	Alpha        float64
	Timeout      time.Duration
	BodyLimit    BytesCount
	Mode         string
	StrictReject bool

	keyPrefix string
}

func (c *backendConfig) KeyPrefix() string { return c.keyPrefix }

func (c *backendConfig) SetProviderDefaults(dp DataProvider) {
	dp.SetDefault("rate", 60)
	dp.SetDefault("alpha", 0.2)
	dp.SetDefault("timeout", "15s")
	dp.SetDefault("bodyLimit", "1M")
	dp.SetDefault("mode", "block")
}

func (c *backendConfig) Set(dp DataProvider) error {
	var err error
	if c.Name, err = dp.GetString("name"); err != nil {
		return err
	}
	if c.Rate, err = dp.GetInt("rate"); err != nil {
		return err
	}
	if c.Alpha, err = dp.GetFloat64("alpha"); err != nil {
		return err
	}
	if c.Timeout, err = dp.GetDuration("timeout"); err != nil {
		return err
	}
	if c.BodyLimit, err = dp.GetBytesCount("bodyLimit"); err != nil {
		return err
	}
	if c.Mode, err = dp.GetStringFromSet("mode", []string{"block", "reject"}, true); err != nil {
		return err
	}
	if c.StrictReject, err = dp.GetBool("strictReject"); err != nil {
		return err
	}
	return nil
}

func TestLoaderLoadFromReader(t *testing.T) {
	tests := []struct {
		name     string
		dataType DataType
		data     string
		want     backendConfig
	}{
		{
			name:     "yaml with defaults",
			dataType: DataTypeYAML,
			data: `
backend:
  name: ollama
`,
			want: backendConfig{Name: "ollama", Rate: 60, Alpha: 0.2, Timeout: 15 * time.Second, BodyLimit: 1024 * 1024, Mode: "block"},
		},
		{
			name:     "json with overrides",
			dataType: DataTypeJSON,
			data:     `{"backend": {"name": "vllm", "rate": 120, "alpha": 0.5, "timeout": "2m", "bodyLimit": 2048, "mode": "REJECT", "strictReject": true}}`,
			want:     backendConfig{Name: "vllm", Rate: 120, Alpha: 0.5, Timeout: 2 * time.Minute, BodyLimit: 2048, Mode: "REJECT", StrictReject: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &backendConfig{keyPrefix: "backend"}
			err := NewDefaultLoader("").LoadFromReader(bytes.NewBufferString(tt.data), tt.dataType, cfg)
			require.NoError(t, err)
			tt.want.keyPrefix = "backend"
			require.Equal(t, tt.want, *cfg)
		})
	}
}

func TestLoaderErrors(t *testing.T) {
	cfg := &backendConfig{keyPrefix: "backend"}
	err := NewDefaultLoader("").LoadFromReader(bytes.NewBufferString("backend:\n  mode: drop"), DataTypeYAML, cfg)
	require.EqualError(t, err, `backend.mode: unknown value "drop", should be one of [block reject]`)

	cfg = &backendConfig{keyPrefix: "backend"}
	err = NewDefaultLoader("").LoadFromReader(bytes.NewBufferString("backend:\n  rate: many"), DataTypeYAML, cfg)
	require.ErrorContains(t, err, "backend.rate: ")

	cfg = &backendConfig{keyPrefix: "backend"}
	err = NewDefaultLoader("").LoadFromReader(bytes.NewBufferString("backend:\n  bodyLimit: -5"), DataTypeYAML, cfg)
	require.EqualError(t, err, "backend.bodyLimit: negative value is not allowed: -5")
}

func TestLoaderLoadFromFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend:\n  name: from-file\n  rate: 10\n"), 0o600))

	t.Setenv("GOVTEST_BACKEND_RATE", "42")

	cfg := &backendConfig{keyPrefix: "backend"}
	require.NoError(t, NewDefaultLoader("govtest").LoadFromFile(path, DataTypeYAML, cfg))
	require.Equal(t, "from-file", cfg.Name)
	require.Equal(t, 42, cfg.Rate)
}

func TestLoaderLoadWithoutSource(t *testing.T) {
	dp := NewViperAdapter()
	dp.Set("backend.name", "explicit")
	cfg := &backendConfig{keyPrefix: "backend"}
	require.NoError(t, NewLoader(dp).Load(cfg))
	require.Equal(t, "explicit", cfg.Name)
	require.Equal(t, 60, cfg.Rate)
	require.True(t, dp.IsSet("backend.rate"))
}

func TestUnmarshalKey(t *testing.T) {
	dp := NewViperAdapter()
	require.NoError(t, dp.SetFromReader(bytes.NewBufferString("limits:\n  rate: 5\n  extra: true\n"), DataTypeYAML))

	var limits struct {
		Rate int `mapstructure:"rate"`
	}
	require.NoError(t, NewKeyPrefixedDataProvider(dp, "").UnmarshalKey("limits", &limits))
	require.Equal(t, 5, limits.Rate)

	errorUnused := func(dc *mapstructure.DecoderConfig) { dc.ErrorUnused = true }
	require.ErrorContains(t, dp.UnmarshalKey("limits", &limits, errorUnused), "limits: ")
}

func TestBytesCount(t *testing.T) {
	var fromJSON struct {
		Size BytesCount `json:"size"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"size": "10K"}`), &fromJSON))
	require.Equal(t, BytesCount(10*1024), fromJSON.Size)
	require.NoError(t, json.Unmarshal([]byte(`{"size": 512}`), &fromJSON))
	require.Equal(t, BytesCount(512), fromJSON.Size)
	require.Error(t, json.Unmarshal([]byte(`{"size": "ten"}`), &fromJSON))

	var fromYAML struct {
		Size BytesCount `yaml:"size"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("size: 2Mi"), &fromYAML))
	require.Equal(t, BytesCount(2*1024*1024), fromYAML.Size)
	require.NoError(t, yaml.Unmarshal([]byte("size: 100"), &fromYAML))
	require.Equal(t, BytesCount(100), fromYAML.Size)

	var fromText BytesCount
	require.NoError(t, fromText.UnmarshalText([]byte("1G")))
	require.Equal(t, "1G", fromText.String())

	data, err := json.Marshal(BytesCount(1024))
	require.NoError(t, err)
	require.Equal(t, `"1K"`, string(data))
}
