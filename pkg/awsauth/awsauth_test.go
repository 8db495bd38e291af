package awsauth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveRegion(t *testing.T) {
	tests := []struct {
		name      string
		endpoint  string
		sdkRegion string
		want      string
	}{
		{"sdk region wins", "", "eu-west-1", "eu-west-1"},
		{"aws default", "", "", DefaultRegion},
		{"custom endpoint keeps empty", "http://localhost:9000", "", ""},
		{"custom endpoint with region", "http://localhost:9000", "us-west-2", "us-west-2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveRegion(tt.endpoint, tt.sdkRegion))
		})
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.NoError(t, Config{AccessKeyID: "a", SecretAccessKey: "b"}.Validate())

	err := Config{AccessKeyID: "a"}.Validate()
	require.Error(t, err)
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestLoad_StaticCredentials(t *testing.T) {
	t.Setenv("AWS_CONFIG_FILE", "/nonexistent")
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", "/nonexistent")

	cfg, err := Load(context.Background(), Config{
		Region:          "us-west-2",
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
	})
	require.NoError(t, err)
	assert.Equal(t, "us-west-2", cfg.Region)

	creds, err := cfg.Credentials.Retrieve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AKIDEXAMPLE", creds.AccessKeyID)
}
