// Package logging provides structured logging for replex coordinator runs.
//
// This package wraps Go's log/slog to provide JSON-formatted logs that can be
// filtered after the fact. A parallel-tempering run lasts days and spans many
// coordinator invocations, so every entry carries enough context (run ID,
// attempt, replica, stage) to reconstruct what the coordinator decided and why.
//
// # Basic Usage
//
//	logger, err := logging.NewLogger(".replex", "INFO")
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	attemptLog := logger.WithRun(state.RunID).WithAttempt(state.CurrentAttempt)
//	attemptLog.Info("swap applied", "param_i", 0.8, "param_j", 0.5)
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"swap applied","run_id":"...","attempt":1,"param_i":0.8,"param_j":0.5}
//
// # Testing
//
// Use [NopLogger] to discard all output.
//
// # Configuration
//
//	logging:
//	  enabled: true
//	  level: info
package logging
