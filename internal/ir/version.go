package ir

// EngineVersion is reported by the CLI and the status endpoint.
const EngineVersion = "0.1.0"
