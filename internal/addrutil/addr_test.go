package addrutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHostPort_DefaultPortFilled(t *testing.T) {
	addr, ok := HostPort("10.0.0.5", DefaultSSHPort)
	assert.True(t, ok)
	assert.Equal(t, "10.0.0.5:22", addr)
}

func TestHostPort_ExplicitPortKept(t *testing.T) {
	addr, ok := HostPort("bastion.lab:2222", DefaultSSHPort)
	assert.True(t, ok)
	assert.Equal(t, "bastion.lab:2222", addr)
}

func TestHostPort_UnbracketedIPv6HostPort(t *testing.T) {
	addr, ok := HostPort("2001:db8::1:2222", DefaultSSHPort)
	assert.True(t, ok)
	// "2001:db8::1:2222" is itself a valid v6 address, so no port is peeled off.
	assert.Equal(t, "[2001:db8::1:2222]:22", addr)

	addr, ok = HostPort("[2001:db8::1]:2222", DefaultSSHPort)
	assert.True(t, ok)
	assert.Equal(t, "[2001:db8::1]:2222", addr)
}

func TestHostPort_Empty(t *testing.T) {
	_, ok := HostPort("  ", DefaultSSHPort)
	assert.False(t, ok)
}

func TestSplitUser(t *testing.T) {
	user, rest := SplitUser("admin@10.0.0.1:22")
	assert.Equal(t, "admin", user)
	assert.Equal(t, "10.0.0.1:22", rest)

	user, rest = SplitUser("10.0.0.1")
	assert.Empty(t, user)
	assert.Equal(t, "10.0.0.1", rest)
}

func TestHost(t *testing.T) {
	assert.Equal(t, "10.1.1.1", Host("10.1.1.1:5001"))
	assert.Equal(t, "10.1.1.1", Host("10.1.1.1"))
}
