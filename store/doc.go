// Package store provides the DynamoDB data-access layer for the forum.
//
// Arbor keeps four independently stored entity collections (categories,
// forums, threads, posts) plus a counter collection that mints ids. The
// collections have no enforced foreign keys; referential integrity is the
// job of the service layer, which validates parent existence before every
// dependent write.
//
// # Entity Binding
//
// Every storable type implements [Entity], fixing its table binding at
// compile time:
//
//	type Entity interface {
//	    TableName() string
//	    EntityType() string
//	    GetKey() PK
//	}
//
// A [Registry] of [Binding] records describes the full collection layout
// (table, key attribute, parent attribute, id sequence category) and is
// required to construct a [Store]. Bindings cannot be overridden at call
// time.
//
// # Id Allocation
//
// [Store.NextID] atomically increments a per-category counter row and
// returns the pre-increment value plus one. Uniqueness under concurrency
// comes entirely from DynamoDB's atomic ADD; no in-process locking is
// used. Counter rows must be provisioned out of band (see cmd/provision);
// a missing row yields [ErrCounterNotProvisioned].
//
// # Errors
//
// Raw SDK failures are translated into a closed taxonomy:
//
//   - [ErrStorage] - opaque store failure (connectivity, server side)
//   - [ErrDeserialization] - stored document does not match the schema
//   - [ErrStoreNotAvailable] - no client was supplied
//   - [ErrCounterNotProvisioned] - no counter row for the category
//   - [ErrNotFound] / [NotFoundError] - referenced entity does not exist
package store
