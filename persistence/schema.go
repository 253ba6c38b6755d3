package persistence

import (
	"database/sql"
	"fmt"
	"log"
	"strings"

	"github.com/BurntSushi/migration"
	"github.com/pkg/errors"
)

// schema describes the tables of one manager.
type schema struct {
	dialect       Dialect
	prefix        string
	tableSpace    string
	model         StorageModel
	externalBlobs bool
}

// migrations lists the schema migrations. Add new ones to the end.
// DO NOT change the order of items already in this list.
func (s schema) migrations() []migration.Migrator {
	return []migration.Migrator{
		s.createTables,
	}
}

func (s schema) versioning() dbVersion {
	return s.dialect.versioning(s.prefix + "SCHEMA_VERSION")
}

// createTables creates every table which does not exist yet, one statement
// at a time. The BINVAL table is skipped when blobs are kept outside the
// database.
func (s schema) createTables(tx migration.LimitedTx) error {
	for _, t := range s.dialect.Script(s.model) {
		if t.Table == "BINVAL" && s.externalBlobs {
			continue
		}
		ok, err := s.tableExists(tx, t.Table)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		log.Printf("creating table %s%s", s.prefix, t.Table)
		for _, stmt := range t.Stmts {
			stmt = s.dialect.RewriteSchemaStatement(stmt, s.prefix, s.tableSpace)
			if _, err := tx.Exec(stmt); err != nil {
				return errors.Wrapf(err, "creating %s%s", s.prefix, t.Table)
			}
		}
	}
	return nil
}

// querier is the part of a *sql.DB, *sql.Tx, or migration.LimitedTx used
// to inspect the schema.
type querier interface {
	QueryRow(query string, args ...interface{}) *sql.Row
}

func (s schema) tableExists(q querier, table string) (bool, error) {
	var n int
	err := q.QueryRow(s.dialect.TableExistsQuery(), s.prefix+table).Scan(&n)
	if err != nil {
		return false, errors.Wrapf(err, "looking for table %s%s", s.prefix, table)
	}
	return n > 0, nil
}

// keyColumns are the key columns of the bundle and references tables.
func (s schema) keyColumns() []string {
	if s.model == StorageModelLongLong {
		return []string{"NODE_ID_HI", "NODE_ID_LO"}
	}
	return []string{"NODE_ID"}
}

// checkModel makes sure the bundle table has the key columns of the
// configured storage model.
func (s schema) checkModel(q querier) error {
	query := fmt.Sprintf("SELECT %s FROM %sBUNDLE LIMIT 1", strings.Join(s.keyColumns(), ", "), s.prefix)
	var dummy []interface{}
	for range s.keyColumns() {
		dummy = append(dummy, new(interface{}))
	}
	err := q.QueryRow(query).Scan(dummy...)
	if err != nil && err != sql.ErrNoRows {
		return errors.Wrapf(ErrStorageModelMismatch, "%s model: %s", s.model, err)
	}
	return nil
}

// statements has every query the manager runs, built once for the dialect
// and storage model.
type statements struct {
	bundleSelect string
	bundleExists string
	bundleInsert string
	bundleUpdate string
	bundleDelete string

	refsSelect string
	refsExists string
	refsInsert string
	refsUpdate string
	refsDelete string

	// ids in key order; idsAfter needs a LIMIT added
	idsFirst string
	idsAfter string

	blobSelect string
	blobExists string
	blobInsert string
	blobUpdate string
	blobDelete string

	nameByName string
	nameByID   string
	nameMax    string
	nameInsert string
}

// params numbers the parameters of one statement.
type params struct {
	d Dialect
	n int
}

func (p *params) next() string {
	p.n++
	return p.d.Placeholder(p.n)
}

// where returns "k1 = ? AND k2 = ?" for the key columns.
func (s schema) where(p *params) string {
	var parts []string
	for _, col := range s.keyColumns() {
		parts = append(parts, col+" "+s.dialect.Eq()+" "+p.next())
	}
	return strings.Join(parts, " AND ")
}

func (s schema) buildStatements() statements {
	var st statements
	keys := strings.Join(s.keyColumns(), ", ")
	eq := s.dialect.Eq()
	table := func(name string) string { return s.prefix + name }

	crud := func(name, data string) (sel, exists, insert, update, del string) {
		p := &params{d: s.dialect}
		sel = "SELECT " + data + " FROM " + table(name) + " WHERE " + s.where(p)
		p = &params{d: s.dialect}
		exists = "SELECT count(*) FROM " + table(name) + " WHERE " + s.where(p)
		p = &params{d: s.dialect}
		first := p.next()
		var rest []string
		for range s.keyColumns() {
			rest = append(rest, p.next())
		}
		insert = "INSERT INTO " + table(name) + " (" + data + ", " + keys + ") VALUES (" + first + ", " + strings.Join(rest, ", ") + ")"
		p = &params{d: s.dialect}
		update = "UPDATE " + table(name) + " SET " + data + " = " + p.next() + " WHERE " + s.where(p)
		p = &params{d: s.dialect}
		del = "DELETE FROM " + table(name) + " WHERE " + s.where(p)
		return
	}
	st.bundleSelect, st.bundleExists, st.bundleInsert, st.bundleUpdate, st.bundleDelete = crud("BUNDLE", "BUNDLE_DATA")
	st.refsSelect, st.refsExists, st.refsInsert, st.refsUpdate, st.refsDelete = crud("REFS", "REFS_DATA")

	st.idsFirst = "SELECT " + keys + " FROM " + table("BUNDLE") + " ORDER BY " + keys
	p := &params{d: s.dialect}
	if s.model == StorageModelLongLong {
		st.idsAfter = "SELECT " + keys + " FROM " + table("BUNDLE") +
			" WHERE NODE_ID_HI > " + p.next() + " OR (NODE_ID_HI " + eq + " " + p.next() + " AND NODE_ID_LO > " + p.next() + ")" +
			" ORDER BY " + keys
	} else {
		st.idsAfter = "SELECT " + keys + " FROM " + table("BUNDLE") + " WHERE NODE_ID > " + p.next() + " ORDER BY " + keys
	}

	one := func() string { return (&params{d: s.dialect}).next() }
	st.blobSelect = "SELECT BINVAL_DATA FROM " + table("BINVAL") + " WHERE BINVAL_ID " + eq + " " + one()
	st.blobExists = "SELECT count(*) FROM " + table("BINVAL") + " WHERE BINVAL_ID " + eq + " " + one()
	p = &params{d: s.dialect}
	st.blobInsert = "INSERT INTO " + table("BINVAL") + " (BINVAL_DATA, BINVAL_ID) VALUES (" + p.next() + ", " + p.next() + ")"
	p = &params{d: s.dialect}
	st.blobUpdate = "UPDATE " + table("BINVAL") + " SET BINVAL_DATA = " + p.next() + " WHERE BINVAL_ID " + eq + " " + p.next()
	st.blobDelete = "DELETE FROM " + table("BINVAL") + " WHERE BINVAL_ID " + eq + " " + one()

	st.nameByName = "SELECT ID FROM " + table("NAMES") + " WHERE NAME " + eq + " " + one()
	st.nameByID = "SELECT NAME FROM " + table("NAMES") + " WHERE ID " + eq + " " + one()
	st.nameMax = "SELECT max(ID) FROM " + table("NAMES")
	p = &params{d: s.dialect}
	st.nameInsert = "INSERT INTO " + table("NAMES") + " (ID, NAME) VALUES (" + p.next() + ", " + p.next() + ")"
	return st
}
