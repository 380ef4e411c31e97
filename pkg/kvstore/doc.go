// Package kvstore persists JSON snapshots under fixed keys.
//
// Two backends are provided: FileStore keeps one <key>.json file per key and
// replaces it atomically, SQLiteStore keeps one row per key in a snapshots
// table. Callers hold their state in memory and rewrite the whole snapshot
// after each mutation.
package kvstore
