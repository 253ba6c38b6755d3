package persistence

import (
	"log"

	"github.com/BurntSushi/migration"
)

// The migration package keeps its version in a table with a fixed name. We
// need one version table per schema object prefix, and SQL each dialect
// accepts, so these functions replace its default version functions.

type dbVersion struct {
	// SQL to get the version of this schema, returns one row and one column
	GetSQL string
	// SQL to insert a new version. takes one parameter, the new version
	SetSQL string
	// the SQL to create the version table
	CreateSQL string

	// lost is the connection error seen while reading the version, since
	// the migration package passes on only its text
	lost error
}

func (d *dbVersion) Get(tx migration.LimitedTx) (int, error) {
	var version int
	err := tx.QueryRow(d.GetSQL).Scan(&version)
	if IsConnectionError(err) {
		d.lost = err
		return 0, err
	}
	if err != nil {
		// we assume error means there is no version table yet
		log.Println("schema version:", err)
		return 0, nil
	}
	return version, nil
}

func (d *dbVersion) Set(tx migration.LimitedTx, version int) error {
	if _, err := tx.Exec(d.SetSQL, version); err == nil {
		return nil
	}
	if _, err := tx.Exec(d.CreateSQL); err != nil {
		return err
	}
	_, err := tx.Exec(d.SetSQL, version)
	return err
}
