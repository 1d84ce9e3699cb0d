// Package logging builds the service's zap loggers.
//
// Production writes JSON lines; development writes colored console output
// with stack traces. Components receive a named child *zap.Logger and add
// structured fields such as generation, session_id and url.
//
// Example Usage:
//
//	logger, err := logging.New(logging.Config{Level: "debug", Development: true})
//	if err != nil {
//		return err
//	}
//	defer logger.Sync()
//	logger.Component("cdn").Info("Fetched module", zap.String("url", url))
package logging
