// Package mirror keeps local copies of remote blocks and documents in sync
// with a persistence API and a change feed.
//
// A Collection mirrors one scope: it fetches a snapshot, subscribes to the
// feed, and reconciles upserts by revision. ServiceModule is the block
// collection of one controller service. Registry owns the modules, the
// spec catalog and the preset collection, and routes lookups and writes
// by service id.
package mirror
