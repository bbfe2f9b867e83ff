// Package log is a thin wrapper around zerolog with a process-global
// logger and field-scoped child constructors.
//
// Init is called once at process start; everything after that goes through
// the package-level helpers or a child logger carrying a standing field:
//
//	log.WithComponent("queue").Warn().Err(err).Msg("claim failed")
//	taskLog := log.WithTaskID(task.ID)
//	taskLog.Info().Str("stage", spec.Name).Msg("stage starting")
//
// Child constructors return *zerolog.Logger so the level methods chain
// directly off the call.
package log
