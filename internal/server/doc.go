// Package server hosts the Fiber HTTP service: request ids and access logging,
// the registry routes that front the metadata store, publish protocol and
// attachment store, and the shared upstream HTTP clients. Diagnostics routes
// under /-/ live in the routes subpackage and are registered after NewApp.
// Keep exports narrow and accept explicit dependencies.
package server
