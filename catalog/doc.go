// Package catalog wires the concrete inventory entity kinds onto the
// tenant router and the hierarchy engine.
//
// Categories and units of measure are hierarchical: both live in named
// trees maintained by the hierarchy engine, and a unit additionally
// carries a conversion factor relative to its base unit. Products are
// dependent records: each may reference a category ("group") and a unit,
// and a live reference vetoes deletion of the referenced entity.
// [NewDependentRegistry] declares that mapping. Parties and taxes are
// plain pass-through records with no tree invariants.
package catalog
