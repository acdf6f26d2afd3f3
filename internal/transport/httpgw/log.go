package httpgw

import (
	btclog "github.com/btcsuite/btclog/v2"
)

// Subsystem is the logging subsystem tag for the HTTP gateway binding.
const Subsystem = "HTGW"

// log is the package logger, disabled until the daemon installs one.
var log btclog.Logger = btclog.Disabled

// UseLogger sets the package logger. This should be called before any
// gateway or gateway client is created.
func UseLogger(logger btclog.Logger) {
	log = logger
}
