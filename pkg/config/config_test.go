package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProcess(t *testing.T) {
	// Default config
	defaults, err := Process([]string{})
	require.NoError(t, err)
	require.Equal(t, uint(90), defaults.Matchmaking.PaymentDeadlineSeconds)
	require.Equal(t, 64, defaults.Game.GridWidth)

	dir := t.TempDir()

	// yaml config
	{
		yaml := filepath.Join(dir, "config.yaml")
		err = os.WriteFile(yaml, []byte(`
server:
  ingress:
    web:
      port: 1234
`), 0644)
		require.NoError(t, err)
		config, err := Process([]string{yaml})
		require.NoError(t, err)
		require.Equal(t, 1234, config.Server.Ingress.Web.Port)
	}

	// json config
	{
		json := filepath.Join(dir, "config.json")
		err = os.WriteFile(json, []byte(`{
  "tournament": {
    "enabled": true,
    "bucketsize": 4
  }
}`), 0644)
		require.NoError(t, err)
		config, err := Process([]string{json})
		require.NoError(t, err)
		require.True(t, config.Tournament.Enabled)
		require.Equal(t, 4, config.Tournament.BucketSize)
	}

	// invalid value is rejected
	{
		yaml := filepath.Join(dir, "bad.yaml")
		err = os.WriteFile(yaml, []byte(`
tournament:
  scorebatchsize: 500
`), 0644)
		require.NoError(t, err)
		_, err = Process([]string{yaml})
		require.Error(t, err)
	}
}
