// Package migrations provides SQL migration generation.
//
// To generate a migration file, use the schema command:
//
//	go run github.com/getpup/pupstore/cmd/pupstore schema --engine postgres --output migrations
//
// Or add a go generate directive to your code:
//
//	//go:generate go run github.com/getpup/pupstore/cmd/pupstore schema --engine sqlite --output ../../migrations
//
// Recorders can also create their tables directly (see recorder.CreateTables),
// which runs the same statements.
package migrations
