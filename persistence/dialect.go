package persistence

import (
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"

	// database drivers used by the dialects
	_ "github.com/cznic/ql/driver"
	_ "modernc.org/sqlite"
)

// A Dialect holds what differs between database engines: the DDL for the
// tables, how to ask whether a table exists, which identifiers are legal, and
// how parameters are written.
type Dialect interface {
	Name() string
	// Source returns the driver and data source name to open for cfg.
	Source(cfg *Config) (driver, dsn string, err error)
	// Script lists the tables to create for the storage model. Each
	// statement may contain the placeholders ${schemaObjectPrefix} and
	// ${tableSpace}.
	Script(model StorageModel) []TableDDL
	// RewriteSchemaStatement fills in the placeholders of one statement.
	RewriteSchemaStatement(stmt, prefix, tableSpace string) string
	// TableExistsQuery takes one parameter, the full table name, and
	// returns one row with a count.
	TableExistsQuery() string
	// SanitizePrefix makes prefix safe to put in front of table names.
	SanitizePrefix(prefix string) string
	// Placeholder returns the marker for the nth (1-based) parameter.
	Placeholder(n int) string
	// Eq is the equality operator.
	Eq() string
	// BinaryKeys is true if the binary storage model is supported.
	BinaryKeys() bool

	versioning(table string) dbVersion
}

// TableDDL is the DDL creating one table and its indexes. Table is the name
// without the prefix.
type TableDDL struct {
	Table string
	Stmts []string
}

// LookupDialect returns the dialect with the given name.
func LookupDialect(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "mysql":
		return mysqlDialect{}, nil
	case "sqlite", "sqlite3", "":
		return sqliteDialect{}, nil
	case "ql":
		return qlDialect{}, nil
	}
	return nil, errors.Errorf("unknown schema %q", name)
}

func rewrite(stmt, prefix, tableSpace string) string {
	r := strings.NewReplacer("${schemaObjectPrefix}", prefix, "${tableSpace}", tableSpace)
	return r.Replace(stmt)
}

// sanitize upper cases prefix and replaces every character which is not a
// letter, digit, or underscore.
func sanitize(prefix string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return '_'
	}, prefix)
}

// mysql

type mysqlDialect struct{}

func (mysqlDialect) Name() string { return "mysql" }

// Source merges the user and password into the url, which is a
// go-sql-driver DSN like "tcp(host:3306)/dbname".
func (mysqlDialect) Source(cfg *Config) (string, string, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "mysql"
	}
	if cfg.User == "" && cfg.Password == "" {
		return driver, cfg.URL, nil
	}
	mc, err := mysql.ParseDSN(cfg.URL)
	if err != nil {
		return "", "", errors.Wrap(err, "mysql url")
	}
	if cfg.User != "" {
		mc.User = cfg.User
	}
	if cfg.Password != "" {
		mc.Passwd = cfg.Password
	}
	return driver, mc.FormatDSN(), nil
}

func (mysqlDialect) Script(model StorageModel) []TableDDL {
	key := "NODE_ID VARBINARY(16) NOT NULL"
	pk := "PRIMARY KEY (NODE_ID)"
	if model == StorageModelLongLong {
		key = "NODE_ID_HI BIGINT NOT NULL, NODE_ID_LO BIGINT NOT NULL"
		pk = "PRIMARY KEY (NODE_ID_HI, NODE_ID_LO)"
	}
	return []TableDDL{
		{"BUNDLE", []string{
			"CREATE TABLE ${schemaObjectPrefix}BUNDLE (" + key + ", BUNDLE_DATA LONGBLOB NOT NULL, " + pk + ") ENGINE=InnoDB${tableSpace}",
		}},
		{"REFS", []string{
			"CREATE TABLE ${schemaObjectPrefix}REFS (" + key + ", REFS_DATA LONGBLOB NOT NULL, " + pk + ") ENGINE=InnoDB${tableSpace}",
		}},
		{"BINVAL", []string{
			"CREATE TABLE ${schemaObjectPrefix}BINVAL (BINVAL_ID VARCHAR(255) NOT NULL, BINVAL_DATA LONGBLOB NOT NULL, PRIMARY KEY (BINVAL_ID)) ENGINE=InnoDB${tableSpace}",
		}},
		{"NAMES", []string{
			"CREATE TABLE ${schemaObjectPrefix}NAMES (ID INTEGER NOT NULL, NAME VARCHAR(255) BINARY NOT NULL, PRIMARY KEY (ID)) ENGINE=InnoDB${tableSpace}",
			"CREATE UNIQUE INDEX ${schemaObjectPrefix}NAMES_IDX ON ${schemaObjectPrefix}NAMES (NAME)",
		}},
	}
}

func (mysqlDialect) RewriteSchemaStatement(stmt, prefix, tableSpace string) string {
	if tableSpace != "" {
		tableSpace = " TABLESPACE `" + tableSpace + "`"
	}
	return rewrite(stmt, prefix, tableSpace)
}

func (mysqlDialect) TableExistsQuery() string {
	return "SELECT count(*) FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = ?"
}

func (mysqlDialect) SanitizePrefix(prefix string) string { return sanitize(prefix) }
func (mysqlDialect) Placeholder(n int) string           { return "?" }
func (mysqlDialect) Eq() string                         { return "=" }
func (mysqlDialect) BinaryKeys() bool                   { return true }

func (mysqlDialect) versioning(table string) dbVersion {
	return dbVersion{
		GetSQL:    "SELECT max(version) FROM " + table,
		SetSQL:    "INSERT INTO " + table + " (version, applied) VALUES (?, now())",
		CreateSQL: "CREATE TABLE " + table + " (version INTEGER, applied datetime)",
	}
}

// sqlite

type sqliteDialect struct{}

func (sqliteDialect) Name() string { return "sqlite" }

// Source uses the url as the database file name.
func (sqliteDialect) Source(cfg *Config) (string, string, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "sqlite"
	}
	if cfg.URL == "" {
		return "", "", errors.New("sqlite needs a database file in url")
	}
	return driver, cfg.URL, nil
}

func (sqliteDialect) Script(model StorageModel) []TableDDL {
	key := "NODE_ID BLOB NOT NULL"
	pk := "PRIMARY KEY (NODE_ID)"
	if model == StorageModelLongLong {
		key = "NODE_ID_HI INTEGER NOT NULL, NODE_ID_LO INTEGER NOT NULL"
		pk = "PRIMARY KEY (NODE_ID_HI, NODE_ID_LO)"
	}
	return []TableDDL{
		{"BUNDLE", []string{
			"CREATE TABLE ${schemaObjectPrefix}BUNDLE (" + key + ", BUNDLE_DATA BLOB NOT NULL, " + pk + ")",
		}},
		{"REFS", []string{
			"CREATE TABLE ${schemaObjectPrefix}REFS (" + key + ", REFS_DATA BLOB NOT NULL, " + pk + ")",
		}},
		{"BINVAL", []string{
			"CREATE TABLE ${schemaObjectPrefix}BINVAL (BINVAL_ID TEXT NOT NULL PRIMARY KEY, BINVAL_DATA BLOB NOT NULL)",
		}},
		{"NAMES", []string{
			"CREATE TABLE ${schemaObjectPrefix}NAMES (ID INTEGER NOT NULL PRIMARY KEY, NAME TEXT NOT NULL UNIQUE)",
		}},
	}
}

func (sqliteDialect) RewriteSchemaStatement(stmt, prefix, tableSpace string) string {
	return rewrite(stmt, prefix, "")
}

func (sqliteDialect) TableExistsQuery() string {
	return "SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?"
}

func (sqliteDialect) SanitizePrefix(prefix string) string { return sanitize(prefix) }
func (sqliteDialect) Placeholder(n int) string           { return "?" }
func (sqliteDialect) Eq() string                         { return "=" }
func (sqliteDialect) BinaryKeys() bool                   { return true }

func (sqliteDialect) versioning(table string) dbVersion {
	return dbVersion{
		GetSQL:    "SELECT max(version) FROM " + table,
		SetSQL:    "INSERT INTO " + table + " (version, applied) VALUES (?, CURRENT_TIMESTAMP)",
		CreateSQL: "CREATE TABLE " + table + " (version INTEGER, applied TEXT)",
	}
}

// ql is the embedded database from github.com/cznic/ql. It is meant for
// development. Only the longlong storage model is supported.

type qlDialect struct{}

func (qlDialect) Name() string { return "ql" }

// Source opens the url as a database file. The url "memory" keeps the
// database in memory.
func (qlDialect) Source(cfg *Config) (string, string, error) {
	if cfg.Driver != "" {
		return cfg.Driver, cfg.URL, nil
	}
	if cfg.URL == "memory" {
		return "ql-mem", "mem.db", nil
	}
	if cfg.URL == "" {
		return "", "", errors.New("ql needs a database file in url")
	}
	return "ql", cfg.URL, nil
}

func (qlDialect) Script(model StorageModel) []TableDDL {
	return []TableDDL{
		{"BUNDLE", []string{
			"CREATE TABLE ${schemaObjectPrefix}BUNDLE (NODE_ID_HI int64, NODE_ID_LO int64, BUNDLE_DATA blob)",
			"CREATE INDEX ${schemaObjectPrefix}BUNDLE_HI ON ${schemaObjectPrefix}BUNDLE (NODE_ID_HI)",
		}},
		{"REFS", []string{
			"CREATE TABLE ${schemaObjectPrefix}REFS (NODE_ID_HI int64, NODE_ID_LO int64, REFS_DATA blob)",
			"CREATE INDEX ${schemaObjectPrefix}REFS_HI ON ${schemaObjectPrefix}REFS (NODE_ID_HI)",
		}},
		{"BINVAL", []string{
			"CREATE TABLE ${schemaObjectPrefix}BINVAL (BINVAL_ID string, BINVAL_DATA blob)",
			"CREATE INDEX ${schemaObjectPrefix}BINVAL_ID ON ${schemaObjectPrefix}BINVAL (BINVAL_ID)",
		}},
		{"NAMES", []string{
			"CREATE TABLE ${schemaObjectPrefix}NAMES (ID int64, NAME string)",
			"CREATE INDEX ${schemaObjectPrefix}NAMES_NAME ON ${schemaObjectPrefix}NAMES (NAME)",
		}},
	}
}

func (qlDialect) RewriteSchemaStatement(stmt, prefix, tableSpace string) string {
	return rewrite(stmt, prefix, "")
}

func (qlDialect) TableExistsQuery() string {
	return "SELECT count(*) FROM __Table WHERE Name == ?1"
}

// SanitizePrefix also makes sure the prefix does not start with a digit or
// with the "__" reserved for system tables.
func (qlDialect) SanitizePrefix(prefix string) string {
	p := sanitize(prefix)
	if p != "" && (p[0] >= '0' && p[0] <= '9' || strings.HasPrefix(p, "__")) {
		p = "T" + p
	}
	return p
}

func (qlDialect) Placeholder(n int) string { return "?" + strconv.Itoa(n) }
func (qlDialect) Eq() string               { return "==" }
func (qlDialect) BinaryKeys() bool         { return false }

func (qlDialect) versioning(table string) dbVersion {
	return dbVersion{
		GetSQL:    "SELECT max(version) FROM " + table,
		SetSQL:    "INSERT INTO " + table + " (version, applied) VALUES (?1, now())",
		CreateSQL: "CREATE TABLE " + table + " (version int, applied time)",
	}
}
