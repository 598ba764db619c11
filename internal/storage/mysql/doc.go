// Package mysql provides the shared MySQL connection pool and schema
// migration runner. Domain packages own their own queries; this package
// only hands them a ready *sql.DB with the schema applied.
package mysql
