package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_DefaultsFillMissingKeys(t *testing.T) {
	cfg, err := Parse([]byte(`
[sensor]
kind = "accelerometer"
`))
	require.NoError(t, err)

	assert.Equal(t, "accelerometer", cfg.Sensor.Kind)
	assert.Nil(t, cfg.Sensor.Threshold)
	assert.Equal(t, 20, cfg.Recording.BatchSize)
	assert.Equal(t, 50, cfg.Sensor.CalibrationSamples)
	assert.Equal(t, 3, cfg.Workers.Count)
	assert.Equal(t, time.Duration(0), cfg.TaskTimeout())
	assert.NotEmpty(t, cfg.DeviceID, "device id is generated when absent")
}

func TestParse_RejectsUnknownKey(t *testing.T) {
	_, err := Parse([]byte(`
[recording]
batch_sise = 10
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown config key")
}

func TestParse_Validation(t *testing.T) {
	tests := []struct {
		name string
		toml string
	}{
		{"bad naming", "[recording]\nfile_naming = \"fancy\""},
		{"zero batch", "[recording]\nbatch_size = 0"},
		{"bad kind", "[sensor]\nkind = \"magnetometer\""},
		{"negative threshold", "[sensor]\nthreshold = -1.0"},
		{"bad yaw", "[sensor]\nyaw_baseline = \"median\""},
		{"bad source", "[sensor]\nsource = \"bluetooth\""},
		{"firestore without project", "[firestore]\nenabled = true"},
		{"supabase without key", "[supabase]\nenabled = true\nurl = \"https://x.supabase.co\""},
		{"sqlstore bad driver", "[sqlstore]\nenabled = true\ndriver = \"oracle\""},
		{"zero workers", "[workers]\ncount = 0"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.toml))
			assert.Error(t, err)
		})
	}
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	t.Setenv("RECORDER_SUPABASE_KEY", "secret-key")

	path := filepath.Join(t.TempDir(), "recorder.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
device_id = "bench-1"

[sensor]
threshold = 0.75

[supabase]
enabled = true
url = "https://example.supabase.co"
api_key = "${RECORDER_SUPABASE_KEY}"

[workers]
task_timeout_ms = 1500
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "bench-1", cfg.DeviceID)
	assert.Equal(t, "secret-key", cfg.Supabase.APIKey)
	require.NotNil(t, cfg.Sensor.Threshold)
	assert.Equal(t, 0.75, *cfg.Sensor.Threshold)
	assert.Equal(t, 1500*time.Millisecond, cfg.TaskTimeout())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}
