package tracking

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCollectHostInfo(t *testing.T) {
	info := CollectHostInfo()
	require.NotEmpty(t, info.Hostname)
	require.Equal(t, runtime.GOOS, info.OS)
	require.Equal(t, runtime.GOARCH, info.Arch)
	require.GreaterOrEqual(t, info.Threads, info.Cores)
}
