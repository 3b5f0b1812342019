package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValid(t *testing.T) {
	require.Nil(t, NewDefaultConfig().Validate())
	require.Nil(t, NewTestConfig().Validate())
}

func TestValidate(t *testing.T) {
	c := NewTestConfig()
	c.BaseTickInterval = NewDuration(0)
	assert.NotNil(t, c.Validate())

	c = NewTestConfig()
	c.OutOfOrderLimit = -1
	assert.NotNil(t, c.Validate())

	c = NewTestConfig()
	c.ProposeRateLimit = 10
	assert.NotNil(t, c.Validate())
	c.ProposeBurst = 5
	assert.Nil(t, c.Validate())

	c = NewTestConfig()
	c.EnableMvcc = false
	c.DisableImmediateBarrier = true
	require.Nil(t, c.Validate())
	assert.False(t, c.DisableImmediateBarrier)
}

func TestLoadFile(t *testing.T) {
	dir, err := ioutil.TempDir("", "config")
	require.Nil(t, err)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "shard.toml")
	data := `
shard-id = 7
enable-mvcc = true
disable-immediate-barrier = true
out-of-order-limit = 40
max-readset-payload = "2MiB"
base-tick-interval = "25ms"
terminal-retention-steps = 0
`
	require.Nil(t, ioutil.WriteFile(path, []byte(data), 0644))
	c, err := LoadFile(path)
	require.Nil(t, err)
	assert.Equal(t, uint64(7), c.ShardID)
	assert.True(t, c.DisableImmediateBarrier)
	assert.Equal(t, 40, c.OutOfOrderLimit)
	assert.Equal(t, ByteSize(2*MB), c.MaxReadSetPayload)
	assert.Equal(t, 25*time.Millisecond, c.BaseTickInterval.Duration)
	assert.Equal(t, uint64(0), c.TerminalRetentionSteps)
	// Untouched fields keep their defaults.
	assert.Equal(t, 10000, c.MaxQueuedOperations)
	assert.Equal(t, 50, c.ReadSetResendTicks)

	require.Nil(t, ioutil.WriteFile(path, []byte(`max-readset-payload = "lots"`), 0644))
	_, err = LoadFile(path)
	assert.NotNil(t, err)
}

func TestClone(t *testing.T) {
	c := NewTestConfig()
	d := c.Clone(3)
	assert.Equal(t, uint64(3), d.ShardID)
	assert.Equal(t, uint64(0), c.ShardID)
}
