package cmd

// Version is stamped into agent handshakes and the CLI. Overridden at
// release time via -ldflags.
var Version = "0.1.0"
