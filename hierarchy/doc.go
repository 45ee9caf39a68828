// Package hierarchy maintains trees of tenant-scoped entities with
// materialized ancestor paths and guarded deletes.
//
// A hierarchical entity carries an optional parent reference and the
// root-first list of its ancestors' ids. The [Engine] keeps the two
// consistent: on create and reparent the ancestors are recomputed from the
// live parent, and structurally unsafe mutations are refused.
//
// # Invariants
//
//   - ancestors == parent.ancestors + [parent.id] when a parent is set,
//     empty otherwise
//   - no entity is its own ancestor
//   - a parent reference always points at a live same-kind, same-tenant
//     entity
//   - unique field values (e.g. name) are taken at most once per tenant
//     and kind
//
// # Cycle guard
//
// Reparenting onto a candidate fails with [ErrCyclicRelation] when the
// candidate is the entity itself or lists the entity among its own
// ancestors. The check reads the candidate's materialized path, an
// O(depth) lookup rather than a tree walk.
//
// # Reference integrity
//
// Deletion is vetoed with [ErrReferenced] while any sibling lists the
// entity as parent, or any record of a registered dependent kind (see
// [Registry]) references it through its foreign attribute. Deletes fence
// the entity before scanning for referrers; creates that reference an
// entity re-check it inside their write transaction, so the scan and the
// condition checks together close the race between a delete and a
// concurrent referrer insert.
//
// # Consistency contract for descendants
//
// A reparent rewrites only the edited entity's own ancestor path.
// Descendants are repaired asynchronously by the stream package; between
// the reparent and convergence their stored paths may lag, while parent
// pointers remain authoritative throughout.
//
// # Errors
//
// All failures surface as typed sentinels: [ErrInvalidID], [ErrNotFound],
// [ErrParentNotFound], [ErrCyclicRelation], [ErrDuplicateName],
// [ErrReferenced], [ErrValidation], [ErrAlreadyExists],
// [ErrConcurrentModification]. Transient store errors propagate unwrapped
// and are never retried here.
package hierarchy
