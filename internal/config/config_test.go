package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())
	path := writeConfig(t, "ezviz:\n  device_serial: BG5031825\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "BG5031825", cfg.EZVIZ.DeviceSerial)
	assert.Equal(t, 10, cfg.Sync.PageSize)
	assert.Equal(t, 1, cfg.Sync.MaxPages)
	assert.Equal(t, 15*time.Second, cfg.Sync.Interval)
	assert.Equal(t, time.Minute, cfg.Sync.RetryInterval)
	assert.Equal(t, 30*time.Second, cfg.ImageFetch.Timeout)
	assert.True(t, cfg.ImageFetch.SkipVerify())
	assert.True(t, cfg.Detector.SkipVerify())
	assert.Equal(t, 60*time.Second, cfg.Detector.Timeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Detector.MinInterval)
	assert.Equal(t, "Asia/Kuala_Lumpur", cfg.Sync.Timezone)
	assert.Equal(t, "none", cfg.OCR.Provider)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_EnvOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("PLATELOG_EZVIZ_TOKEN", "at.token")
	t.Setenv("PLATELOG_DEVICE_SERIAL", "ENV123")
	t.Setenv("PLATELOG_DB_PORT", "6543")

	path := writeConfig(t, "ezviz:\n  device_serial: FILE123\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "at.token", cfg.EZVIZ.AccessToken)
	assert.Equal(t, "ENV123", cfg.EZVIZ.DeviceSerial)
	assert.Equal(t, 6543, cfg.Database.Port)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("PLATELOG_EZVIZ_APP_KEY=from-dotenv\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("PLATELOG_EZVIZ_APP_KEY") })

	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.EZVIZ.AppKey)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config file")
}

func TestSyncConfig_CutoffTime(t *testing.T) {
	tests := []struct {
		name   string
		cutoff string
		want   string
	}{
		{"date", "2024-12-22", "2024-12-21T16:00:00Z"},
		{"datetime", "2024-12-22 08:30:00", "2024-12-22T00:30:00Z"},
		{"rfc3339", "2024-12-22T00:00:00Z", "2024-12-22T00:00:00Z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := SyncConfig{Cutoff: tt.cutoff, Timezone: "Asia/Kuala_Lumpur"}
			got, err := sc.CutoffTime()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.UTC().Format(time.RFC3339))
		})
	}

	t.Run("empty", func(t *testing.T) {
		got, err := SyncConfig{Timezone: "UTC"}.CutoffTime()
		require.NoError(t, err)
		assert.True(t, got.IsZero())
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := SyncConfig{Cutoff: "yesterday", Timezone: "UTC"}.CutoffTime()
		require.Error(t, err)
	})
}

func TestImageFetchConfig_SkipVerify(t *testing.T) {
	f := false
	assert.False(t, ImageFetchConfig{InsecureSkipVerify: &f}.SkipVerify())
}

func TestDetectorConfig_SkipVerify(t *testing.T) {
	assert.True(t, DetectorConfig{}.SkipVerify())
	f := false
	assert.False(t, DetectorConfig{InsecureSkipVerify: &f}.SkipVerify())
}
