// Package logging provides structured logging using uber/zap.
//
// Two modes:
//   - Production: JSON output for machine parsing
//   - Development: Colored console output for human readability
//
// Components receive the embedded *zap.Logger and derive a child tagged
// with their name:
//
//	logger := logging.FromLevel(cfg.Logging.Level, cfg.Logging.Development)
//	defer logger.Sync()
//
//	poolLogger := logger.With(zap.String("component", "browser_pool"))
//	poolLogger.Info("browser process ready", zap.String("process_id", id))
package logging
