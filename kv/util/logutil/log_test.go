package logutil

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/pingcap/log"
	"github.com/stretchr/testify/require"
)

func TestInitLogger(t *testing.T) {
	dir, err := ioutil.TempDir("", "logutil")
	require.Nil(t, err)
	defer os.RemoveAll(dir)
	file := filepath.Join(dir, "shard.log")
	require.Nil(t, InitLogger("debug", file))
	log.Info("hello")
	log.Sync()
	data, err := ioutil.ReadFile(file)
	require.Nil(t, err)
	require.Contains(t, string(data), "hello")

	require.NotNil(t, InitLogger("no-such-level", ""))
	require.Nil(t, InitLogger("info", ""))
}
