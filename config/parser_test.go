package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MakeNowJust/heredoc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sampleConfig = heredoc.Doc(`
	# Sample configuration file for a four replica cluster.
	replicas_config:
	- 127.0.0.1:3410
	  -   127.0.0.1:3420
	- 127.0.0.1:3430

	clients_config: 127.0.0.1:4444
	  empty_key:
	s3-bucket-name: blocks
	s3-access-key: AKIA
	s3-protocol: HTTP
	s3-url: 127.0.0.1:9000
	s3-secret-key: secret
`)

func TestParse(t *testing.T) {
	f, err := Parse(strings.NewReader(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 3, f.Count("replicas_config"))
	assert.Equal(t, []string{"127.0.0.1:3410", "127.0.0.1:3420", "127.0.0.1:3430"}, f.Values("replicas_config"))

	v, err := f.Value("clients_config")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:4444", v)

	assert.Equal(t, 0, f.Count("empty_key"))
	_, err = f.Value("empty_key")
	assert.ErrorIs(t, err, ErrMissingKey)

	assert.Equal(t, "fallback", f.OptionalValue("missing", "fallback"))
	assert.Contains(t, f.Keys(), "s3-url")
	assert.NotContains(t, f.Keys(), "# Sample configuration file for a four replica cluster.")
}

func TestParseValueWithoutKey(t *testing.T) {
	_, err := Parse(strings.NewReader("- orphan\n"))
	assert.Error(t, err)
}

func TestValuesIsCopy(t *testing.T) {
	f, err := Parse(strings.NewReader("k: a\n"))
	require.NoError(t, err)
	f.Values("k")[0] = "b"
	assert.Equal(t, []string{"a"}, f.Values("k"))
}

func TestSplitValue(t *testing.T) {
	assert.Equal(t, []string{"127.0.0.1", "3410"}, SplitValue("127.0.0.1:3410", ":"))
	assert.Equal(t, []string{"a", "b", "c"}, SplitValue(",a,,b;c", ",;"))
	assert.Empty(t, SplitValue("", ","))
}

func TestParseFile(t *testing.T) {
	name := filepath.Join(t.TempDir(), "replica.cfg")
	require.NoError(t, os.WriteFile(name, []byte(sampleConfig), 0o600))

	f, err := ParseFile(name)
	require.NoError(t, err)
	assert.Equal(t, name, f.Name)

	_, err = ParseFile(filepath.Join(t.TempDir(), "missing.cfg"))
	assert.Error(t, err)
}

func TestObjectStore(t *testing.T) {
	f, err := Parse(strings.NewReader(sampleConfig))
	require.NoError(t, err)

	cfg, err := f.ObjectStore()
	require.NoError(t, err)
	assert.Equal(t, "blocks", cfg.BucketName)
	assert.Equal(t, "AKIA", cfg.AccessKey)
	assert.Equal(t, "HTTP", cfg.Protocol)
	assert.Equal(t, "127.0.0.1:9000", cfg.URL)
	assert.Equal(t, "secret", cfg.SecretKey)
	assert.Equal(t, 60*time.Second, cfg.OperationTimeout)
	assert.NotEmpty(t, cfg.PathPrefix, "unique prefix when unset")

	f, err = Parse(strings.NewReader(sampleConfig + "s3-path-prefix: ro-1\ns3-operation-timeout: 1500\n"))
	require.NoError(t, err)
	cfg, err = f.ObjectStore()
	require.NoError(t, err)
	assert.Equal(t, "ro-1", cfg.PathPrefix)
	assert.Equal(t, 1500*time.Millisecond, cfg.OperationTimeout)

	f, err = Parse(strings.NewReader(sampleConfig + "s3-operation-timeout: soon\n"))
	require.NoError(t, err)
	_, err = f.ObjectStore()
	assert.Error(t, err)

	f, err = Parse(strings.NewReader("s3-bucket-name: blocks\n"))
	require.NoError(t, err)
	_, err = f.ObjectStore()
	assert.ErrorIs(t, err, ErrMissingKey)
}
