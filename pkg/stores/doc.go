// Package stores persists configuration history for siteconf.
//
// The layout is one record per install-configuration snapshot plus a root
// index holding the label, the history bound, the last-seen change stamp,
// the ordered snapshot locations and the preserved subset. Delta records
// produced by pessimistic reconciliation are stored alongside.
//
// Two backends implement Store:
//
//   - FileStore writes YAML files under a state directory:
//     index.yaml, snapshots/<location>.yaml and deltas/<id>.yaml.
//   - SQLiteStore keeps the same records in SQLite with embedded
//     golang-migrate migrations and WAL mode.
package stores
