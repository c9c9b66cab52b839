package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, time.UTC, cfg.App.Location)
	assert.Equal(t, 2.5, cfg.Engine.MaxEaseFactor)
	assert.Equal(t, 21, cfg.Engine.MatureIntervalDays)
	assert.Equal(t, 5, cfg.Engine.CorrectQuality)
	assert.Equal(t, 2, cfg.Engine.IncorrectQuality)
	assert.Equal(t, 5*time.Minute, cfg.Leaderboard.RefreshInterval)
	assert.Empty(t, cfg.Database.URL)
	assert.False(t, cfg.Redis.Enabled)
	assert.True(t, cfg.Features.IsEnabled(FeatureLeaderboardRefresh))
}

func TestLoadFrom_EnvFileAndOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte(
		"LEADERBOARD_REFRESH_INTERVAL=30s\n"+
			"LEADERBOARD_COURSE_IDS=c1, c2,,\n"+
			"GRADER_RATE_PER_SECOND=1.5\n"+
			"TEST_ONLY_FROM_FILE=file\n",
	), 0o600))
	t.Setenv("LEADERBOARD_REFRESH_INTERVAL", "1m")
	t.Setenv("FEATURE_GRADING_EXTERNAL", "false")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_USER", "engine")
	t.Cleanup(func() {
		os.Unsetenv("LEADERBOARD_COURSE_IDS")
		os.Unsetenv("GRADER_RATE_PER_SECOND")
		os.Unsetenv("TEST_ONLY_FROM_FILE")
	})

	cfg, err := LoadFrom(path)
	require.NoError(t, err)

	assert.Equal(t, time.Minute, cfg.Leaderboard.RefreshInterval, "environment wins over the file")
	assert.Equal(t, []string{"c1", "c2"}, cfg.Leaderboard.CourseIDs)
	assert.Equal(t, 1.5, cfg.Grader.RatePerSecond)
	assert.Equal(t, "postgres://engine:@db:5432/postgres?sslmode=disable", cfg.Database.URL)
	assert.False(t, cfg.Features.IsEnabled(FeatureExternalGrading))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"bad timezone", map[string]string{"APP_TIMEZONE": "Mars/Olympus"}, "APP_TIMEZONE"},
		{"production needs a database", map[string]string{"APP_ENV": "production"}, "DATABASE_URL"},
		{"ease factor below floor", map[string]string{"ENGINE_MAX_EASE_FACTOR": "1.1"}, "ENGINE_MAX_EASE_FACTOR"},
		{"quality out of range", map[string]string{"ENGINE_CORRECT_QUALITY": "7"}, "ENGINE_CORRECT_QUALITY"},
		{"zero refresh", map[string]string{"LEADERBOARD_REFRESH_INTERVAL": "0s"}, "LEADERBOARD_REFRESH_INTERVAL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadFrom()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestFeatureFlags(t *testing.T) {
	ff := LoadFeatureFlags()
	assert.False(t, ff.IsEnabled("nope"))

	require.NoError(t, ff.Set(FeatureCertificates, false))
	assert.False(t, ff.IsEnabled(FeatureCertificates))

	var flagErr *FeatureFlagError
	assert.ErrorAs(t, ff.Set("nope", true), &flagErr)
	assert.Len(t, ff.All(), 6)
	assert.Equal(t, "FEATURE_GRADING_EXTERNAL", featureNameToEnvKey(FeatureExternalGrading))
}
