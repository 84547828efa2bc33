// Package valkey provides a Valkey backend for the reqguard lockout tracker.
//
// Valkey is a high-performance key-value store that is wire-compatible with
// Redis. Keeping login attempts here lets several replicas share one view of
// failed logins, so an attacker cannot spread guesses across instances.
//
// # Implemented Interfaces
//
//   - [storage.AttemptStore]: failed attempts and lockouts
//   - [storage.RecordSweeper]: retention sweeps of login_attempts
//
// Sessions, idempotency keys, rate limits and audit events stay in the
// primary store; sweeps naming those resources return
// [storage.ErrUnsupportedCriteria].
//
// # Key Schema
//
// All keys use a configurable prefix (default "reqguard:"):
//
//	{prefix}attempt:{id}                      -> HASH of the attempt
//	{prefix}attempts:{type}:{identifier}      -> ZSET of attempt IDs by attempt time
//	{prefix}locks:{type}:{identifier}         -> ZSET of locked attempt IDs by locked-until
//	{prefix}index:attempts                    -> ZSET of every attempt ID by attempt time
//	{prefix}index:locks                       -> ZSET of every locked attempt ID by locked-until
//
// Times are stored as Unix milliseconds.
//
// # Atomic Operations
//
// Recording a failure counts the identifier's window and inserts the new
// attempt in a single Lua script. Concurrent failures for the same identifier
// therefore always see distinct counts, and exactly the attempt that reaches
// the threshold becomes the lock. Unlock, delete and sweep scripts maintain
// the hash and all four indexes together.
//
// Scripts compute some key names from prefixes passed as arguments. On a
// Valkey cluster, use a hash-tagged prefix such as "{reqguard}:" so every key
// lives in the same slot.
//
// # Configuration
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "reqguard:",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//
//	tracker, err := lockout.New(store, lockout.Config{})
//
// With TLS:
//
//	store, err := valkey.New(valkey.Config{
//	    Address: "valkey.example.com:6379",
//	    TLS:     &tls.Config{MinVersion: tls.VersionTLS12},
//	})
//
// # Testing
//
// Integration tests connect to VALKEY_TEST_ADDR (default localhost:6379) and
// are skipped when no server answers.
package valkey
