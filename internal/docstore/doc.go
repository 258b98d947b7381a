// Package docstore is the client side of the document store: a change feed
// that announces committed writes per partition, live listeners that re-read a
// partition and push the full result set on every announcement, and the
// serializable transaction runner used by the Postgres repositories.
package docstore
