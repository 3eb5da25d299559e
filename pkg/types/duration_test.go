package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDuration_UnmarshalYAML(t *testing.T) {
	tests := []struct {
		name     string
		yaml     string
		expected time.Duration
		wantErr  bool
	}{
		{name: "milliseconds", yaml: "duration: 500ms", expected: 500 * time.Millisecond},
		{name: "seconds", yaml: "duration: 30s", expected: 30 * time.Second},
		{name: "minutes", yaml: "duration: 2m", expected: 2 * time.Minute},
		{name: "combined format", yaml: "duration: 1h30m", expected: 90 * time.Minute},
		{name: "days", yaml: "duration: 1d", expected: 24 * time.Hour},
		{name: "fractional days", yaml: "duration: 0.5d", expected: 12 * time.Hour},
		{name: "weeks", yaml: "duration: 2w", expected: 14 * 24 * time.Hour},
		{name: "negative", yaml: "duration: -10s", expected: -10 * time.Second},
		{name: "zero days", yaml: "duration: 0d", expected: 0},

		{name: "invalid suffix", yaml: "duration: 10y", wantErr: true},
		{name: "invalid format", yaml: "duration: soon", wantErr: true},
		{name: "empty string", yaml: `duration: ""`, wantErr: true},
		{name: "number without unit", yaml: "duration: 30", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var config struct {
				Duration Duration `yaml:"duration"`
			}

			err := yaml.Unmarshal([]byte(tt.yaml), &config)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, time.Duration(config.Duration))
		})
	}
}

func TestDuration_MarshalYAML(t *testing.T) {
	config := struct {
		IdleTTL Duration `yaml:"idle_ttl"`
	}{IdleTTL: Duration(2 * time.Minute)}

	data, err := yaml.Marshal(&config)
	require.NoError(t, err)
	assert.Equal(t, "idle_ttl: 2m0s\n", string(data))
}

func TestDuration_JSON(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected time.Duration
		wantErr  bool
	}{
		{name: "milliseconds number", input: `60000`, expected: time.Minute},
		{name: "duration string", input: `"1m30s"`, expected: 90 * time.Second},
		{name: "days string", input: `"1d"`, expected: 24 * time.Hour},
		{name: "boolean", input: `true`, wantErr: true},
		{name: "bad string", input: `"later"`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Duration
			err := json.Unmarshal([]byte(tt.input), &d)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, d.ToDuration())
		})
	}

	out, err := json.Marshal(Duration(500 * time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, `"500ms"`, string(out))
}

func TestDuration_String(t *testing.T) {
	assert.Equal(t, "0s", Duration(0).String())
	assert.Equal(t, "20s", Duration(20*time.Second).String())
	assert.Equal(t, "-30s", Duration(-30*time.Second).String())
}
