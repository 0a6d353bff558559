package config

import (
	"fmt"
	"os"
)

// Exitf prints a startup failure to stderr and exits with status 1. The
// mains use it for errors raised before the log prefix is set.
func Exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
