// Package logger provides adapters for popular logger libraries to work with vordb's Logger interface.
//
// The adapters allow you to use your existing logger with vordb without writing boilerplate.
// Note that the standard library's slog.Logger already implements vordb.Logger directly.
//
// Example with zap:
//
//	import (
//	    "github.com/alexhholmes/vordb"
//	    "github.com/alexhholmes/vordb/logger"
//	    "go.uber.org/zap"
//	)
//
//	func main() {
//	    zapLogger, _ := zap.NewProduction()
//
//	    env, err := vordb.Open("data", vordb.WithLogger(logger.NewZap(zapLogger)))
//	    if err != nil {
//	        panic(err)
//	    }
//	    defer env.Close()
//	}
package logger

// pairs walks slog style key-value args. Non-string keys and a trailing key
// without a value are dropped, so every adapter records the same fields.
func pairs(args []any, fn func(key string, value any)) {
	for i := 0; i+1 < len(args); i += 2 {
		if key, ok := args[i].(string); ok {
			fn(key, args[i+1])
		}
	}
}
