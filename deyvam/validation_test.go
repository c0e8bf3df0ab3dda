package deyvam

import (
	"errors"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failedTags returns "Field:tag" for each validation failure in err
func failedTags(t testing.TB, err error) []string {
	t.Helper()
	var verrs validator.ValidationErrors
	require.True(t, errors.As(err, &verrs), "expected validation errors, got: %v", err)
	tags := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		tags = append(tags, fe.StructField()+":"+fe.Tag())
	}
	return tags
}

func TestValidateConfig(t *testing.T) {
	require.NoError(t, ValidateConfig(newTestConfig(t)))

	err := ValidateConfig(nil)
	require.Error(t, err)
	assert.EqualError(t, err, "config is nil")
}

func TestValidateConfig_MissingSections(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Redis = nil
	cfg.Archive = nil

	err := ValidateConfig(cfg)
	require.Error(t, err)
	assert.ErrorContains(t, err, "redis: missing config section")
	assert.ErrorContains(t, err, "archive: missing config section")
	assert.NotContains(t, err.Error(), "discord:")
}

func TestValidateConfig_Fields(t *testing.T) {
	tests := []struct {
		name   string
		modify func(cfg *Config)
		want   string
	}{
		{
			name:   "missing token",
			modify: func(cfg *Config) { cfg.Discord.Token = "" },
			want:   "Token:required",
		},
		{
			name:   "bad database type",
			modify: func(cfg *Config) { cfg.DatabaseType = "mysql" },
			want:   "DatabaseType:oneof",
		},
		{
			name:   "control scan above history",
			modify: func(cfg *Config) { cfg.Tickets.HistoryLimit = 10; cfg.Tickets.ControlScanLimit = 20 },
			want:   "ControlScanLimit:ltefield",
		},
		{
			name:   "history limit too high",
			modify: func(cfg *Config) { cfg.Tickets.HistoryLimit = 500 },
			want:   "HistoryLimit:max",
		},
		{
			name:   "bad timezone",
			modify: func(cfg *Config) { cfg.Tickets.TranscriptTimezone = "Mars/Olympus_Mons" },
			want:   "TranscriptTimezone:timezone",
		},
		{
			name: "archive without keys",
			modify: func(cfg *Config) {
				cfg.Archive.Enabled = true
				cfg.Archive.Endpoint = "localhost:9000"
				cfg.Archive.Bucket = "transcripts"
			},
			want: "AccessKey:required_if",
		},
		{
			name:   "archive without bucket",
			modify: func(cfg *Config) { cfg.Archive.Enabled = true },
			want:   "Bucket:required_if",
		},
		{
			name:   "redis without address",
			modify: func(cfg *Config) { cfg.Redis.Enabled = true },
			want:   "Addr:required_if",
		},
		{
			name:   "short session",
			modify: func(cfg *Config) { cfg.API.SessionMaxAge = 0 },
			want:   "SessionMaxAge:min",
		},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				cfg := newTestConfig(t)
				tc.modify(cfg)
				err := ValidateConfig(cfg)
				require.Error(t, err)
				assert.Contains(t, failedTags(t, err), tc.want)
			},
		)
	}
}

func TestValidateConfig_ArchiveDisabledIgnoresKeys(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Archive.AccessKey = ""
	cfg.Archive.SecretKey = ""
	assert.NoError(t, ValidateConfig(cfg))
}
