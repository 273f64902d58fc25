// Package log provides the leveled, printf-style logging used across doseguide.
//
// Components log through the package-level functions (log.Info, log.Warn, ...)
// which forward to a replaceable default Logger. Two implementations ship:
//
//   - DefaultLogger: Go's standard log package, prefixed "[doseguide] "
//   - GologLogger: an adapter over github.com/kataras/golog
//
// Applications call Setup once at startup to install a golog logger that
// writes to the terminal and to a log file:
//
//	logger, closer, err := log.Setup(log.Options{Level: "info", File: "logs/app.log"})
//	if err != nil {
//		panic(err)
//	}
//	defer closer.Close()
//	logger.Info("ready")
//
// Tests that want silence install a NoOpLogger:
//
//	log.SetDefaultLogger(&log.NoOpLogger{})
package log
