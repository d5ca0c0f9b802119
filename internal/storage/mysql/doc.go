// Package mysql provides the MySQL connection pool and the embedded schema
// migrations used by the MySQL task store.
package mysql
