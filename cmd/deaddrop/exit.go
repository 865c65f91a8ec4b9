package main

import "os"

// osExit is a package-level indirection over os.Exit so tests can
// intercept process exit via captureExit instead of killing the test
// binary.
var osExit = os.Exit
