// Package kvdoc provides a resilient document layer over a key-value store,
// with secondary indexes kept in the store itself.
//
// # Overview
//
// kvdoc turns a plain KV backend (Redis, BoltDB, or an in-process map) into a
// small document store. It provides:
//
//   - A connection manager that dials lazily and rebuilds idle or broken sessions
//   - A retry policy that classifies every backend error per call
//   - Multi, unique and double-unique secondary indexes stored as documents
//   - An entity driver with auto-increment ids, lookups, paging and chunked scans
//   - Optimistic (CAS) and pessimistic (lock) updates
//   - Full observability (Prometheus metrics + structured logging)
//
// # Quick Start
//
//	cfg := kvdoc.DefaultConfig()
//	cfg.Connection.Endpoint = "localhost:6379"
//
//	logger, _ := kvdoc.NewProductionZapLogger()
//	metrics := kvdoc.NewPrometheusMetrics(prometheus.NewRegistry())
//
//	driver, err := kvdoc.Open(cfg, logger, metrics)
//	if err != nil {
//	    return err
//	}
//	defer driver.Close()
//
//	driver.Register(kvdoc.Schema{
//	    Name:          "users",
//	    AutoIncrement: true,
//	    IndexedFields: []string{"city"},
//	    UniqueFields:  []string{"email"},
//	})
//
//	user, err := driver.Create(ctx, "users", kvdoc.Document{
//	    "email": "alice@example.com",
//	    "city":  "Oslo",
//	})
//
//	byEmail, err := driver.Find(ctx, "users", "alice@example.com", "email")
//	inOslo, err := driver.FindBy(ctx, "users", "city", "Oslo", 0, 50)
//
// Typed collections over structs live in the model subpackage.
//
// # Core Concepts
//
// KV: The backend contract. Get, Insert, Upsert, Replace, Remove, Counter and
// the lock calls, each reporting failures through the sentinel errors below.
//
// Connection: Owns the backend session. The first call dials; a session idle
// longer than MaxIdleTime is closed and redialed before use.
//
// Policy: Runs one KV call under a Condition. The condition decides whether
// an error is retried, silenced, or thrown, and whether the session is
// rebuilt first.
//
// Client: The KV surface with a default condition per call. Callers override
// it with WithCondition.
//
// Indexes: Index documents live under "idx:" keys. Multi indexes hold a set
// of ids, unique indexes a single id, and double-unique indexes a map from
// second-field value to id for each first-field value.
//
// Driver: Entity CRUD on top of Client and Indexes. Entities live at
// "<schema>:<id>", the id counter at "<schema>:counter".
//
// # Conditions
//
//	Base               retry temp failures, throw the rest
//	FailNotFound       throw not-found without rebuilding the session
//	FailKeyExists      throw key-exists and CAS mismatches likewise
//	FailBadValue       throw bad-value likewise
//	SilenceNotFound    treat not-found as success
//	SilenceKeyExists   treat key-exists as success
//
// Unclassified errors and timeouts rebuild the session before they are
// thrown. Context cancellation is thrown as is.
//
// # Error Handling
//
// Use the helpers rather than comparing errors directly:
//
//	if kvdoc.IsNotFound(err) { ... }
//	if kvdoc.IsUniqueConflict(err) { ... }
//	if kvdoc.IsTransient(err) { ... }
//
// Errors returned by the driver carry context via ErrorWithContext and keep
// the sentinel reachable through errors.Is.
//
// # Concurrency
//
// Client, Indexes and Driver are safe for concurrent use once schemas are
// registered. Unique claims use insert-if-absent; double-unique writes use a
// CAS loop and fail with ErrIndexContention when it cannot settle.
package kvdoc
