// nrfdfu drives a Nordic-style DFU bootloader over serial or BLE with a
// distribution ZIP produced by nrfutil.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"hermannm.dev/devlog"

	"nrfdfu/internal/config"
	"nrfdfu/internal/dfu"
	"nrfdfu/internal/driver"
	"nrfdfu/internal/transport"
)

var flags = flag.NewFlagSet("nrfdfu", flag.ContinueOnError)

var (
	port      = flags.String("port", "/dev/ttyUSB0", "serial device path")
	portShort = flags.String("p", "", "shorthand for --port")

	ble      = flags.String("ble", "", "BLE target address; mutually exclusive with --port")
	bleShort = flags.String("b", "", "shorthand for --ble")

	atype      = flags.String("atype", "public", "BLE address type: public|random")
	atypeShort = flags.String("t", "", "shorthand for --atype")

	iface      = flags.String("interface", "hci0", "BLE host interface")
	ifaceShort = flags.String("i", "", "shorthand for --interface")
)

// debugLevel is populated by extractDebugArgs before flags.Parse runs,
// since -d/--debug takes an optional value and flag.FlagSet has no concept
// of that (flag.Int would always consume a following token as the value).
var debugLevel int

func usage() {
	fmt.Fprintf(os.Stderr, "Usage:\n  nrfdfu [options] <package.zip>\n\nOptions:\n%s  -d, --debug [level]  verbosity level 1..4 (bare -d means 1)\n", options(flags))
}

func options(fs *flag.FlagSet) string {
	var nameSize int
	fs.VisitAll(func(f *flag.Flag) {
		if len(f.Name) > nameSize {
			nameSize = len(f.Name)
		}
	})
	nameSize++

	var out string
	fs.VisitAll(func(f *flag.Flag) {
		out += fmt.Sprintf("  -%s%s%s\n", f.Name, strings.Repeat(" ", nameSize-len(f.Name)), f.Usage)
	})
	return out
}

func first(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func main() {
	flags.Usage = usage
	var rest []string
	debugLevel, rest = extractDebugArgs(os.Args[1:])
	if err := flags.Parse(rest); err != nil {
		os.Exit(1)
	}

	if flags.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	level := new(slog.LevelVar)
	level.Set(debugToSlogLevel(debugLevel))
	logger := slog.New(devlog.NewHandler(os.Stdout, &devlog.Options{Level: level}))
	slog.SetDefault(logger)

	cfg, err := buildConfig(flags.Arg(0))
	if err != nil {
		logger.Error("invalid arguments", "error", err)
		os.Exit(1)
	}

	d := driver.New(cfg, logger)
	if err := d.Run(context.Background()); err != nil {
		logFatal(logger, err)
		os.Exit(1)
	}
}

func buildConfig(zipPath string) (config.Config, error) {
	cfg := config.Config{ZipPath: zipPath, DebugLevel: debugLevel}

	bleAddr := first(*ble, *bleShort)
	if bleAddr != "" {
		portSet := *portShort != ""
		flags.Visit(func(f *flag.Flag) {
			if f.Name == "port" {
				portSet = true
			}
		})
		if portSet {
			return config.Config{}, fmt.Errorf("--ble and --port are mutually exclusive")
		}
		cfg.Mode = config.ModeBLE
		cfg.BleAddress = bleAddr
		cfg.Interface = first(*ifaceShort, *iface)
		switch first(*atypeShort, *atype) {
		case "random":
			cfg.AddrType = transport.AddressRandom
		default:
			cfg.AddrType = transport.AddressPublic
		}
		return cfg, nil
	}

	cfg.Mode = config.ModeSerial
	cfg.Port = first(*portShort, *port)
	return cfg, nil
}

func debugToSlogLevel(n int) slog.Level {
	switch {
	case n <= 0:
		return slog.LevelWarn
	case n == 1:
		return slog.LevelInfo
	case n == 2:
		return slog.LevelInfo
	case n == 3:
		return slog.LevelDebug
	default:
		return slog.LevelDebug - 4
	}
}

// extractDebugArgs pre-scans args for -d/--debug before flags.Parse runs,
// since that flag takes an optional value: a bare -d or --debug (no
// attached value) defaults to level 1 and never consumes a following
// token, matching the original tool's getopt_long optional_argument
// behavior. Attached forms (-d3, --debug=3) set an explicit level. It
// returns the highest level found and args with every debug token removed.
func extractDebugArgs(args []string) (level int, rest []string) {
	rest = make([]string, 0, len(args))
	for _, a := range args {
		if a == "-d" || a == "--debug" {
			if level < 1 {
				level = 1
			}
			continue
		}
		if v, ok := strings.CutPrefix(a, "--debug="); ok {
			if n, err := strconv.Atoi(v); err == nil && n > level {
				level = n
			}
			continue
		}
		if v, ok := strings.CutPrefix(a, "-d"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				if n > level {
					level = n
				}
				continue
			}
		}
		rest = append(rest, a)
	}
	return level, rest
}

// logFatal unwraps a *dfu.Error so the exit log carries its kind and op as
// structured fields, per §6.1's exit-code mapping.
func logFatal(logger *slog.Logger, err error) {
	if dfuErr, ok := err.(*dfu.Error); ok {
		logger.Error("upgrade failed", "kind", dfuErr.Kind, "op", dfuErr.Op, "error", err)
		return
	}
	logger.Error("upgrade failed", "error", err)
}
