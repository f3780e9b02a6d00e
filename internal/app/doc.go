// Package app wires the entitlement daemon together: configuration,
// logging and telemetry, the key-value store, the license verifier, the
// session manager, the tier gate, the WebSocket hub and the local HTTP API.
//
// # Initialization Flow
//
//	1. Load configuration from the YAML file and ENTITLEMENT_* variables
//	2. Initialize logging and OpenTelemetry
//	3. Open the store (encrypted file or SQLite)
//	4. Build the verifier, cache and session manager
//	5. Attach the WebSocket hub to session events
//	6. Serve the control API, then run the startup session init
//
// The server starts before init resolves so the UI can connect and
// receive the loading state.
//
// # Graceful Shutdown
//
// SIGINT and SIGTERM stop the HTTP server, cancel the periodic refresh,
// close WebSocket clients, close the store and flush telemetry.
//
// # Error Handling
//
// Initialization errors are returned to the caller. The package never
// calls os.Exit.
package app
