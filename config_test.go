package remotethread

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitStripsServerFlagsAndKeepsTheRest(t *testing.T) {
	argv := []string{"/bin/worker", "--verbose", "--remotethread", "10.0.0.1", "--remotethread", "10.0.0.2", "--port", "9"}
	rest, err := Init(argv)
	require.NoError(t, err)

	assert.Equal(t, []string{"/bin/worker", "--verbose", "--port", "9"}, rest)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, Servers())
	assert.Equal(t, "/bin/worker", OwnBinaryPath())
}

func TestInitIgnoresInvalidAddress(t *testing.T) {
	_, err := Init([]string{"/bin/worker", "--remotethread", "not-an-ip"})
	require.NoError(t, err)
	assert.Empty(t, Servers())
}

func TestInitCapsServerList(t *testing.T) {
	argv := []string{"/bin/worker"}
	for i := 0; i < maxServers+5; i++ {
		argv = append(argv, "--remotethread", "127.0.0.1")
	}
	_, err := Init(argv)
	require.NoError(t, err)
	assert.Len(t, Servers(), maxServers)
}

func TestInitRejectsEmptyArgv(t *testing.T) {
	_, err := Init(nil)
	assert.Error(t, err)
}
