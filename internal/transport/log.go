package transport

import (
	btclog "github.com/btcsuite/btclog/v2"
)

// Subsystem is the logging subsystem tag for the transport layer.
const Subsystem = "TRNS"

// log is the package logger. It is disabled by default; the daemon wires a
// real logger via UseLogger.
var log btclog.Logger = btclog.Disabled

// UseLogger sets the package logger. This should be called before any
// transport is created.
func UseLogger(logger btclog.Logger) {
	log = logger
}
