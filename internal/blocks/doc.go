// Package blocks owns the mirrored data model.
//
// Ownership boundary:
// - block, address, link and field address shapes
// - datastore documents (presets, builder layouts)
// - typed errors shared by the remote and mirror layers
package blocks
