// Package database holds the SQLite handle behind the supervision journal
// and the migration runner that creates its schema.
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//	err = db.Migrate(ctx, migrations.FS)
//
// Migrations are read from any fs.FS; the daemon embeds the migrations
// directory. Every .up.sql ships with a .down.sql so MigrateDown can step
// the schema back one version.
package database
