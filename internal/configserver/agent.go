// Package configserver drives the single config server chosen for a backup
// run: briefly stopping mongod to quiesce cluster metadata, dumping the
// `config` database with mongodump, then restarting it.
package configserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/mongobackup/internal/backuperr"
	"github.com/cuemby/mongobackup/internal/obslog"
	"github.com/cuemby/mongobackup/internal/transport"
	"github.com/rs/zerolog"
)

// settleDelay is how long the agent waits after issuing stop/start before
// checking whether mongod actually changed state, matching the original
// implementation's fixed 3-second pause.
const settleDelay = 3 * time.Second

// Agent stops, starts and dumps the config server chosen for one backup run.
type Agent struct {
	host   transport.HostAgent
	addr   string
	outDir string
	sleep  func(time.Duration)
	logger zerolog.Logger
}

// New builds an Agent for the config server reachable via host, dumping to
// outDir. It verifies mongod is running before returning, aborting the
// whole run early if the config server isn't reachable in a usable state.
func New(ctx context.Context, host transport.HostAgent, addr, outDir string, logger zerolog.Logger) (*Agent, error) {
	logger = obslog.WithComponent(obslog.WithHost(logger, addr), "config_server")
	a := &Agent{host: host, addr: addr, outDir: outDir, sleep: time.Sleep, logger: logger}
	running, err := a.isRunning(ctx)
	if err != nil {
		return nil, err
	}
	if !running {
		return nil, backuperr.New(backuperr.KindAborted, fmt.Sprintf("mongod is not running on config server %s", addr)).WithHost(addr)
	}
	return a, nil
}

func (a *Agent) isRunning(ctx context.Context) (bool, error) {
	code, _, err := a.host.Run(ctx, "/etc/init.d/mongodb status", 30*time.Second, false)
	if err != nil {
		var be *backuperr.Error
		if errors.As(err, &be) && be.Kind == backuperr.KindCommand {
			return false, nil
		}
		return false, err
	}
	return code == 0, nil
}

// Stop stops mongod, waiting settleDelay before confirming it is down.
func (a *Agent) Stop(ctx context.Context) error {
	a.logger.Info().Msg("stopping config server mongod")
	if _, _, err := a.host.Run(ctx, "/etc/init.d/mongodb stop", 60*time.Second, false); err != nil {
		return err
	}
	a.sleep(settleDelay)
	running, err := a.isRunning(ctx)
	if err != nil {
		return err
	}
	if running {
		return backuperr.New(backuperr.KindCommand, fmt.Sprintf("could not stop config server on %s", a.addr)).WithHost(a.addr)
	}
	return nil
}

// Start starts mongod back up, waiting settleDelay before confirming.
func (a *Agent) Start(ctx context.Context) error {
	a.logger.Info().Msg("starting config server mongod")
	if _, _, err := a.host.Run(ctx, "/etc/init.d/mongodb start", 60*time.Second, false); err != nil {
		return err
	}
	a.sleep(settleDelay)
	running, err := a.isRunning(ctx)
	if err != nil {
		return err
	}
	if !running {
		return backuperr.New(backuperr.KindCommand, fmt.Sprintf("could not start config server on %s", a.addr)).WithHost(a.addr)
	}
	return nil
}

// Mongodump dumps the `config` database to a.outDir via the shelled-out
// mongodump binary, while mongod is stopped.
func (a *Agent) Mongodump(ctx context.Context) error {
	if _, _, err := a.host.Run(ctx, fmt.Sprintf("mkdir -p %s", a.outDir), 30*time.Second, false); err != nil {
		return backuperr.Wrap(backuperr.KindCommand, "create config dump directory", err).WithHost(a.addr)
	}
	cmd := fmt.Sprintf("mongodump -d config -o %s", a.outDir)
	if _, _, err := a.host.Run(ctx, cmd, 300*time.Second, false); err != nil {
		return backuperr.Wrap(backuperr.KindCommand, "dump config database", err).WithHost(a.addr)
	}
	return nil
}
