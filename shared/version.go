package shared

// Version is stamped into every log line of the example binaries.
var Version = "0.3.0"
