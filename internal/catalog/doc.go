// Package catalog is the read-only source of region definitions.
//
// Drivers:
//   - file: a YAML or JSON document, re-read when its mtime or size changes
//   - sqlite: the region_index table
//   - memory: an in-process set, used by tests and for seeding
//
// Catalog failures are wrapped in ErrCatalogUnavailable so callers can keep
// their last known state.
package catalog
