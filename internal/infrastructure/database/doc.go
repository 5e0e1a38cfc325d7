// Package database provides the bridge's SQLite store.
//
// This package manages:
//   - Database connection with WAL mode for concurrent access
//   - Schema migrations (each version has .up.sql and optional .down.sql)
//   - Connection pooling and lifecycle management
//
// The schema itself lives in the top-level migrations package, which embeds
// its SQL files and registers them in MigrationsFS. The journal package
// is the only writer.
//
// Usage:
//
//	db, err := database.Open(ctx, database.ConfigFrom(cfg.Database))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Migration Strategy:
//
// Migrations are additive: new columns must be NULLABLE or have DEFAULT
// values, so an older bridge binary can still read a newer database.
package database
