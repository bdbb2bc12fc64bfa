package internal

// Version is reported by -version and /healthz.
const Version = "1.0.0"
