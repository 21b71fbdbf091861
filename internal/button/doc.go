// Package button defines the push-button domain model shared by the session,
// radio adapters and the host bridge.
//
// It provides:
//   - Button, the value type describing one physical device and its last-known state
//   - ConnectionState and TriggerMode enums with fixed ordinals
//   - Registry, the authoritative, deduplicated, insertion-ordered collection of buttons
//   - Error, the structured error taxonomy returned by session operations
package button
