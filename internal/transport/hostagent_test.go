package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSSHAgent_BuildArgs(t *testing.T) {
	a := NewSSHAgent("host1.example.com")
	args := a.buildArgs("lvdisplay /dev/vg0/mongo", 120*time.Second)

	assert.Equal(t, []string{
		"120",
		"ssh",
		"-o", "StrictHostKeyChecking=no",
		"-o", "ConnectTimeout=60",
		"-o", "ServerAliveInterval=20",
		"-l", "root",
		"host1.example.com",
		"lvdisplay /dev/vg0/mongo",
	}, args)
}

func TestSSHAgent_BuildArgs_CustomUser(t *testing.T) {
	a := NewSSHAgent("host1.example.com")
	a.User = "backup"
	args := a.buildArgs("true", 30*time.Second)
	assert.Contains(t, args, "backup")
	assert.NotContains(t, args, "root")
}

func TestSSHAgent_DefaultsApplied(t *testing.T) {
	a := NewSSHAgent("host1")
	assert.Equal(t, DefaultConnectTimeout, a.ConnectTimeout)
	assert.Equal(t, DefaultKeepaliveInterval, a.KeepaliveInterval)
	assert.Equal(t, "root", a.user())
}
