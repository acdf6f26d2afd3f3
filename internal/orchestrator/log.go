package orchestrator

import (
	btclog "github.com/btcsuite/btclog/v2"
)

// Subsystem is the logging subsystem tag for the orchestration agents.
const Subsystem = "ORCH"

// log is the package logger, disabled until the daemon installs one.
var log btclog.Logger = btclog.Disabled

// UseLogger sets the package logger. This should be called before any
// orchestration agent is constructed.
func UseLogger(logger btclog.Logger) {
	log = logger
}
