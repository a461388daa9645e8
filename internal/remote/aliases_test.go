package remote

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nicmon/internal/model"
)

const sampleSSHConfig = `
Host lab-jump
  HostName 192.0.2.10
  Port 2222
  User ops
  IdentityFile ~/.ssh/lab_ed25519

Host dut-*
  User root
`

func TestAliases_Resolve(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config")
	require.NoError(t, os.WriteFile(path, []byte(sampleSSHConfig), 0o600))
	a, err := LoadAliases(path)
	require.NoError(t, err)

	hop := a.Resolve(model.Hop{Address: "lab-jump"})
	assert.Equal(t, "192.0.2.10:2222", hop.Address)
	assert.Equal(t, "ops", hop.User)
	assert.Equal(t, "~/.ssh/lab_ed25519", hop.KeyFile)

	hop = a.Resolve(model.Hop{Address: "dut-7", User: "admin"})
	assert.Equal(t, "dut-7", hop.Address)
	assert.Equal(t, "admin", hop.User)

	hop = a.Resolve(model.Hop{Address: "dut-8:22"})
	assert.Equal(t, "root", hop.User)
}

func TestAliases_NilAndMissing(t *testing.T) {
	t.Parallel()

	var a *Aliases
	hop := model.Hop{Address: "10.0.0.1"}
	assert.Equal(t, hop, a.Resolve(hop))

	_, err := LoadAliases(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestHostKeyCallback_RequiresSource(t *testing.T) {
	t.Parallel()

	_, err := NewSSHDialer(DialerConfig{KnownHosts: filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err)

	d, err := NewSSHDialer(DialerConfig{InsecureSkipVerify: true})
	require.NoError(t, err)
	assert.NoError(t, d.Close())
}
