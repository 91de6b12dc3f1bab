// Package conn manages the live handles of tenant stores.
//
// The Manager owns one entry per store id. Each entry carries the store's
// status, counters, bounded status history and network status, plus the
// single live Handle returned by the store Engine.
//
// INVARIANTS:
//   - At most one live Handle per store id. Opens for the same store are
//     serialised; an open racing a Disconnect is retried on a fresh entry.
//   - Status moves connecting → connected → disconnected → connecting, or to
//     error from any state (see domain.StoreStatus.CanTransition).
//   - A store whose reconnect attempts reach MaxReconnectAttempts is left in
//     error and is not retried again until EnsureConnected is called for it.
//
// Opening a handle is bounded by ConnectTimeout. On timeout the open's
// context is cancelled and a handle that still arrives afterwards is closed.
package conn
