// Package dfu implements the Nordic-style Device Firmware Update transfer
// protocol: the object-transfer state machine (Select/Create/burst/CalcCrc/
// Execute), its opcode table, and the typed error taxonomy shared by every
// transport. The package defines the Transport capability it drives but
// does not implement one — concrete transports live in internal/transport.
package dfu
