// Package mysql provides repositories and data access helpers backed by MySQL.
// It encapsulates schema migrations, connection pooling, and strongly typed
// queries for persisting the transaction chain, ledger metadata, and
// distribution run state.
package mysql
