// Package logger provides adapters for popular logger libraries to work with sqlitecore's Logger interface.
//
// The adapters allow you to use your existing logger with sqlitecore without writing boilerplate.
// Note that the standard library's slog.Logger already implements sqlitecore.Logger directly.
//
// Example with zap:
//
//	import (
//	    "sqlitecore"
//	    "sqlitecore/logger"
//	    "go.uber.org/zap"
//	)
//
//	func main() {
//	    zapLogger, _ := zap.NewProduction()
//
//	    db, err := sqlitecore.Open("data.db", sqlitecore.WithLogger(logger.NewZap(zapLogger)))
//	    if err != nil {
//	        panic(err)
//	    }
//	    defer db.Close()
//	}
package logger
