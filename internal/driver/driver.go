// Package driver wires the firmware package, the DFU engine, and a
// transport together into one upgrade run, and handles the ambient
// concerns around them: bootloader entry on BLE, progress logging, and
// guaranteed cleanup.
package driver

import (
	"context"
	"fmt"
	"log/slog"

	"nrfdfu/internal/config"
	"nrfdfu/internal/dfu"
	"nrfdfu/internal/firmware"
	"nrfdfu/internal/transport"
)

// Driver runs exactly one upgrade for the Config it is built with.
type Driver struct {
	cfg    config.Config
	log    *slog.Logger
	central transport.BleCentral
}

// Option configures optional Driver collaborators.
type Option func(*Driver)

// WithBleCentral supplies the BLE host stack to use in BLE mode. Without
// one, Run fails fast with an IoError rather than attempting serial I/O on
// a BLE target.
func WithBleCentral(c transport.BleCentral) Option {
	return func(d *Driver) { d.central = c }
}

// New builds a Driver for cfg.
func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Driver{cfg: cfg, log: logger}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run executes §4.7's steps end to end, guaranteeing the package and
// transport are released on every exit path.
func (d *Driver) Run(ctx context.Context) (runErr error) {
	pkg, err := firmware.Open(d.cfg.ZipPath)
	if err != nil {
		return err
	}
	defer pkg.Close()

	initR, initSize, err := pkg.InitPayload()
	if err != nil {
		return err
	}
	defer initR.Close()

	fwR, fwSize, err := pkg.FirmwarePayload()
	if err != nil {
		return err
	}
	defer fwR.Close()

	t, err := d.buildTransport(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := t.Close(); cerr != nil && runErr == nil {
			runErr = cerr
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			runErr = dfu.IoError("driver_run", fmt.Errorf("panic: %v", r))
		}
	}()

	proto := dfu.NewProtocol(t, d.log)
	engine := dfu.NewEngine(proto, dfu.WithProgress(d.onProgress), dfu.WithLogger(d.log))

	return engine.Run(ctx, t, initR, initSize, fwR, fwSize)
}

// buildTransport implements §4.7 steps 2-3: build the configured transport,
// running the buttonless hop first if this is a BLE session.
func (d *Driver) buildTransport(ctx context.Context) (dfu.Transport, error) {
	switch d.cfg.Mode {
	case config.ModeSerial:
		return transport.OpenSerial(d.cfg.Port, d.log)

	case config.ModeBLE:
		if d.central == nil {
			return nil, dfu.IoError("build_transport", fmt.Errorf("no BLE host stack configured"))
		}
		conn, err := transport.BleButtonlessEntry(ctx, d.central, d.cfg.BleAddress, d.cfg.AddrType)
		if err != nil {
			d.log.Debug("buttonless entry unavailable, connecting directly", "error", err)
			conn, err = d.central.Connect(ctx, d.cfg.BleAddress, d.cfg.AddrType)
			if err != nil {
				return nil, err
			}
		}
		return transport.NewBleTransport(ctx, conn, d.log)

	default:
		return nil, dfu.IoError("build_transport", fmt.Errorf("unknown transport mode %v", d.cfg.Mode))
	}
}

// onProgress logs one structured line per progress callback (every data
// chunk written and every committed object), per §4.7's note
// that this is the hook a terminal progress bar would extend.
func (d *Driver) onProgress(p dfu.Progress) {
	d.log.Info("upgrade progress",
		"phase", p.Phase,
		"object_type", p.ObjectType,
		"object_base", p.ObjectBase,
		"object_total", p.ObjectTotal,
	)
}
