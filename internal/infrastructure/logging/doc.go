// Package logging provides structured logging using uber/zap.
//
// Two modes:
//   - Production: JSON output for machine parsing
//   - Development: colored console output
//
// Components never reach for a global logger. The host builds one Logger and
// hands each component a named child:
//
//	logger := logging.NewDefault()
//	breaker := resilience.New(resilience.Settings{Logger: logger.Component("breaker")})
package logging
