// Package config holds the immutable, CLI-derived settings the driver
// needs to run one upgrade. There is no global mutable configuration state;
// a Config is built once by the CLI and passed down by value.
package config

import "nrfdfu/internal/transport"

// Mode selects which transport the driver builds.
type Mode int

const (
	ModeSerial Mode = iota
	ModeBLE
)

// Config is the fully resolved set of options for one upgrade run.
type Config struct {
	Mode Mode

	// Serial
	Port string

	// BLE
	BleAddress string
	AddrType   transport.AddressType
	Interface  string

	ZipPath    string
	DebugLevel int
}
