// Package snapshot drives the per-host LVM snapshot lifecycle: create,
// mount, tar, unmount, remove. Each step is dispatched by the coordinator's
// fan-out runner across every backed-up host concurrently.
package snapshot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/mongobackup/internal/backuperr"
	"github.com/cuemby/mongobackup/internal/obslog"
	"github.com/cuemby/mongobackup/internal/transport"
	"github.com/rs/zerolog"
)

// Worker manages LVM snapshots of one logical volume on one physical host.
type Worker struct {
	Host       string
	LVol       string
	MountPoint string
	ArchiveDir string

	agent        transport.HostAgent
	logger       zerolog.Logger
	snapshotPath string
}

// New builds a Worker and verifies lvol exists on host, mirroring the
// original implementation's construction-time `lvdisplay` check: a backup
// run should never get partway through before discovering a misconfigured
// volume.
func New(ctx context.Context, agent transport.HostAgent, host, lvol, mountPoint, archiveDir string, logger zerolog.Logger) (*Worker, error) {
	logger = obslog.WithComponent(obslog.WithHost(logger, host), "snapshot")
	w := &Worker{Host: host, LVol: lvol, MountPoint: mountPoint, ArchiveDir: archiveDir, agent: agent, logger: logger}
	if _, _, err := agent.Run(ctx, fmt.Sprintf("lvdisplay %s > /dev/null", lvol), 30*time.Second, false); err != nil {
		return nil, backuperr.New(backuperr.KindAborted, fmt.Sprintf("cannot find logical volume %s on %s", lvol, host)).WithHost(host)
	}
	return w, nil
}

// CreateSnapshot creates the LVM snapshot backupID, sized to 100% of the
// volume group's free extents, and resolves the resulting device path via
// `lvs`. On failure it sends a message on errs rather than returning one,
// matching the fan-out runner's Op contract.
func (w *Worker) CreateSnapshot(ctx context.Context, backupID string, errs chan<- string) {
	cmd := fmt.Sprintf("lvcreate --snapshot %s --name '%s' --extents '100%%free'", w.LVol, backupID)
	if _, _, err := w.agent.Run(ctx, cmd, 60*time.Second, false); err != nil {
		errs <- fmt.Sprintf("cannot create snapshot %s at %s: %v", backupID, w.Host, err)
		return
	}

	query := fmt.Sprintf("lvs --noheadings -o lv_path --select 'lv_name=%s'", backupID)
	_, out, err := w.agent.Run(ctx, query, 30*time.Second, true)
	if err != nil {
		errs <- fmt.Sprintf("cannot resolve snapshot device path for %s at %s: %v", backupID, w.Host, err)
		return
	}
	path := strings.TrimSpace(out)
	if path == "" {
		errs <- fmt.Sprintf("snapshot %s created on %s but lvs reported no device path", backupID, w.Host)
		return
	}
	w.snapshotPath = path
	w.logger.Info().Str("snapshot", backupID).Str("path", path).Msg("created snapshot")
}

// MountSnapshot mounts the previously created snapshot at MountPoint.
func (w *Worker) MountSnapshot(ctx context.Context, backupID string, errs chan<- string) {
	if w.snapshotPath == "" {
		errs <- fmt.Sprintf("snapshot %s was not created on %s", backupID, w.Host)
		return
	}
	cmd := fmt.Sprintf("mount %s %s", w.snapshotPath, w.MountPoint)
	if _, _, err := w.agent.Run(ctx, cmd, 30*time.Second, false); err != nil {
		errs <- fmt.Sprintf("cannot mount snapshot %s to %s on %s: %v", backupID, w.MountPoint, w.Host, err)
		return
	}
	w.logger.Info().Str("snapshot", backupID).Msg("mounted snapshot")
}

// TakeTarBackup archives MountPoint into ArchiveDir/<backupID>.tar.
func (w *Worker) TakeTarBackup(ctx context.Context, backupID string, errs chan<- string) {
	cmd := fmt.Sprintf("tar -cvf %s/%s.tar %s", w.ArchiveDir, backupID, w.MountPoint)
	if _, _, err := w.agent.Run(ctx, cmd, 600*time.Second, false); err != nil {
		errs <- fmt.Sprintf("cannot complete tar of %s on %s: %v", w.MountPoint, w.Host, err)
		return
	}
	w.logger.Info().Str("snapshot", backupID).Msg("tar backup complete")
}

// UnmountSnapshot unmounts MountPoint (force-unmounting, matching the
// original's `umount -f`).
func (w *Worker) UnmountSnapshot(ctx context.Context, backupID string, errs chan<- string) {
	cmd := fmt.Sprintf("umount -f %s", w.MountPoint)
	if _, _, err := w.agent.Run(ctx, cmd, 30*time.Second, false); err != nil {
		errs <- fmt.Sprintf("cannot unmount snapshot %s from %s on %s: %v", backupID, w.MountPoint, w.Host, err)
		return
	}
	w.logger.Info().Str("snapshot", backupID).Msg("unmounted snapshot")
}

// RemoveSnapshot removes the LVM snapshot by the device path recorded at
// creation, which is unambiguous even when several volume groups hold an LV
// of the same name. If no path was recorded (creation failed before it was
// resolved), it falls back to the bare backup ID as the LV name.
func (w *Worker) RemoveSnapshot(ctx context.Context, backupID string, errs chan<- string) {
	target := w.snapshotPath
	if target == "" {
		target = backupID
	}
	cmd := fmt.Sprintf("lvremove -f %s", target)
	if _, _, err := w.agent.Run(ctx, cmd, 60*time.Second, false); err != nil {
		errs <- fmt.Sprintf("cannot remove snapshot %s from %s: %v", backupID, w.Host, err)
		return
	}
	w.logger.Info().Str("snapshot", backupID).Msg("removed snapshot")
}
