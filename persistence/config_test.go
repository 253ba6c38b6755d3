package persistence

import (
	"database/sql/driver"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundles.toml")
	const text = `
schema = "mysql"
url = "tcp(db.example.org:3306)/repo"
user = "repo"
password = "secret"
schemaObjectPrefix = "ws1_"
storageModel = "longlong"
externalBLOBs = true
blobLocation = "s3://bucket/blobs"
virtualIDSuffixes = ["babecafebabe", "deadbeefcafe"]
`
	require.NoError(t, os.WriteFile(path, []byte(text), 0664))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "mysql", cfg.Schema)
	assert.Equal(t, "ws1_", cfg.SchemaObjectPrefix)
	assert.True(t, cfg.ExternalBLOBs)
	assert.Equal(t, []string{"babecafebabe", "deadbeefcafe"}, cfg.VirtualIDSuffixes)
	// defaults are kept for missing options
	assert.Equal(t, 16*1024, cfg.MinBlobSize)

	model, err := cfg.storageModel()
	require.NoError(t, err)
	assert.Equal(t, StorageModelLongLong, model)

	drv, dsn, err := mysqlDialect{}.Source(&cfg)
	require.NoError(t, err)
	assert.Equal(t, "mysql", drv)
	assert.True(t, strings.HasPrefix(dsn, "repo:secret@tcp(db.example.org:3306)/repo"), dsn)
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()
	var table = []string{
		`schema = "db2"`,
		`storageModel = "bits"`,
		`minBlobSize = -5`,
		`blobPrefix = "ws1-"`,
		`blobCacheSize = 1024`,
		`schema = `,
	}
	for i, text := range table {
		path := filepath.Join(dir, "c.toml")
		require.NoError(t, os.WriteFile(path, []byte(text), 0664))
		_, err := LoadConfig(path)
		if err == nil {
			t.Errorf("%d: expected an error for %q", i, text)
		}
	}
	_, err := LoadConfig(filepath.Join(dir, "missing.toml"))
	assert.Error(t, err)
}

func TestSanitizePrefix(t *testing.T) {
	var table = []struct {
		d      Dialect
		input  string
		output string
	}{
		{mysqlDialect{}, "", ""},
		{mysqlDialect{}, "ws1_", "WS1_"},
		{sqliteDialect{}, "my-ws.", "MY_WS_"},
		{sqliteDialect{}, "ünï", "_N_"},
		{qlDialect{}, "1ws", "T1WS"},
		{qlDialect{}, "__x", "T__X"},
		{qlDialect{}, "ws", "WS"},
	}
	for _, tab := range table {
		got := tab.d.SanitizePrefix(tab.input)
		if got != tab.output {
			t.Errorf("%s %q: Received %q, expected %q", tab.d.Name(), tab.input, got, tab.output)
		}
	}
}

func TestStatements(t *testing.T) {
	s := schema{dialect: qlDialect{}, prefix: "P_", model: StorageModelLongLong}
	st := s.buildStatements()
	var table = []struct {
		got, want string
	}{
		{st.bundleSelect, "SELECT BUNDLE_DATA FROM P_BUNDLE WHERE NODE_ID_HI == ?1 AND NODE_ID_LO == ?2"},
		{st.bundleInsert, "INSERT INTO P_BUNDLE (BUNDLE_DATA, NODE_ID_HI, NODE_ID_LO) VALUES (?1, ?2, ?3)"},
		{st.bundleUpdate, "UPDATE P_BUNDLE SET BUNDLE_DATA = ?1 WHERE NODE_ID_HI == ?2 AND NODE_ID_LO == ?3"},
		{st.refsDelete, "DELETE FROM P_REFS WHERE NODE_ID_HI == ?1 AND NODE_ID_LO == ?2"},
		{st.idsAfter, "SELECT NODE_ID_HI, NODE_ID_LO FROM P_BUNDLE WHERE NODE_ID_HI > ?1 OR (NODE_ID_HI == ?2 AND NODE_ID_LO > ?3) ORDER BY NODE_ID_HI, NODE_ID_LO"},
		{st.blobUpdate, "UPDATE P_BINVAL SET BINVAL_DATA = ?1 WHERE BINVAL_ID == ?2"},
	}
	for _, tab := range table {
		assert.Equal(t, tab.want, tab.got)
	}

	s = schema{dialect: mysqlDialect{}, model: StorageModelBinary}
	st = s.buildStatements()
	assert.Equal(t, "SELECT count(*) FROM BUNDLE WHERE NODE_ID = ?", st.bundleExists)
	assert.Equal(t, "SELECT NODE_ID FROM BUNDLE WHERE NODE_ID > ? ORDER BY NODE_ID", st.idsAfter)
}

func TestRewriteSchemaStatement(t *testing.T) {
	stmt := "CREATE TABLE ${schemaObjectPrefix}BUNDLE (X INT)${tableSpace}"
	assert.Equal(t, "CREATE TABLE WS_BUNDLE (X INT) TABLESPACE `fast`",
		mysqlDialect{}.RewriteSchemaStatement(stmt, "WS_", "fast"))
	assert.Equal(t, "CREATE TABLE WS_BUNDLE (X INT)",
		mysqlDialect{}.RewriteSchemaStatement(stmt, "WS_", ""))
	assert.Equal(t, "CREATE TABLE WS_BUNDLE (X INT)",
		sqliteDialect{}.RewriteSchemaStatement(stmt, "WS_", "fast"))
}

func TestIsConnectionError(t *testing.T) {
	assert.False(t, IsConnectionError(nil))
	assert.False(t, IsConnectionError(ErrNotFound))
	assert.True(t, IsConnectionError(&Error{Op: "store", Err: driver.ErrBadConn}))
	assert.True(t, IsConnectionError(errors.Wrap(mysql.ErrInvalidConn, "insert")))
}
