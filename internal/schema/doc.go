// Package schema validates entity documents against CUE definitions before
// the sync bridge writes them to the remote store.
//
// A schema source is any CUE file (or package directory) that declares the
// configured definition, "#Character" by default. Entity data is compiled
// from its canonical JSON form and unified with the definition; the result
// must be concrete.
//
// Definitions are closed in CUE. Schemas that should admit fields they do not
// name must end with "...", as the built-in default does.
package schema
