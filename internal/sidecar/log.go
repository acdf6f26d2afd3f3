package sidecar

import (
	btclog "github.com/btcsuite/btclog/v2"
)

// Subsystem is the logging subsystem tag for the sidecar host.
const Subsystem = "SIDE"

// log is the package logger, disabled until the hosting process installs
// one.
var log btclog.Logger = btclog.Disabled

// UseLogger sets the package logger. This should be called before a host
// is created.
func UseLogger(logger btclog.Logger) {
	log = logger
}
