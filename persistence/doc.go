/*
Package persistence keeps bundles and references records in a relational
database.

A Manager owns three tables, each named with a configurable prefix: BUNDLE
and REFS, keyed by node id, and BINVAL, which holds large binary values when
they are not kept in an external blob store. Namespace names are numbered in
a NAMES table. The tables are created on first use from the statements of the
configured dialect, and a version table records that this has happened.

Node ids are stored either as one 16 byte binary column or as two 64 bit
integer columns. This storage model is chosen when the tables are created and
cannot be changed afterwards; a manager configured with the other model
refuses to start.

All changes go through a ChangeSet, which is written inside one database
transaction. If the connection is lost during a Store, the connection is
opened again and the change set is retried once.

The consistency checker walks the stored bundles and reports child entries
whose bundle is missing, children which name another parent, and bundles
whose parent is missing. Only the first kind is repaired.
*/
package persistence
