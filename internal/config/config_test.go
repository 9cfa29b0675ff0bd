package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "mongobackup.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeTempConfig(t, `
router: 127.0.0.1:27017
config_base_dir: /usr/local/backup/mongo-config
hosts:
  host1.example.com:
    lvol: /dev/vg0/mongo
    mount_point: /mongodbdata_snapshot
    archive_dir: /backup
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:27017", cfg.Router)
	assert.Equal(t, "/usr/local/backup/mongo-config", cfg.ConfigBaseDir)
	require.Contains(t, cfg.Hosts, "host1.example.com")
	assert.Equal(t, "/dev/vg0/mongo", cfg.Hosts["host1.example.com"].LVol)
}

func TestLoad_MissingRouter(t *testing.T) {
	path := writeTempConfig(t, `
config_base_dir: /backup/cfg
hosts:
  host1:
    lvol: /dev/vg0/mongo
    mount_point: /mnt/snap
    archive_dir: /backup
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "router")
}

func TestLoad_RelativeMountPointRejected(t *testing.T) {
	path := writeTempConfig(t, `
router: 127.0.0.1:27017
config_base_dir: /backup/cfg
hosts:
  host1:
    lvol: /dev/vg0/mongo
    mount_point: mnt/snap
    archive_dir: /backup
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "absolute")
}

func TestLoad_NoHosts(t *testing.T) {
	path := writeTempConfig(t, `
router: 127.0.0.1:27017
config_base_dir: /backup/cfg
hosts: {}
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one host")
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path.yaml")
	require.Error(t, err)
}
