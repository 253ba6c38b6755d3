package persistence

import (
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Config has every option understood by a Manager. It is usually read from
// a TOML file with LoadConfig, e.g.
//
//	schema = "mysql"
//	url = "tcp(localhost:3306)/repo"
//	user = "repo"
//	schemaObjectPrefix = "ws1_"
//	externalBLOBs = true
//	blobLocation = "/var/lib/repo/blobs"
type Config struct {
	// Driver is the database/sql driver name. It defaults to the one used
	// by the dialect.
	Driver   string `toml:"driver"`
	URL      string `toml:"url"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	// Schema names the SQL dialect: "mysql", "sqlite", or "ql".
	Schema             string `toml:"schema"`
	SchemaObjectPrefix string `toml:"schemaObjectPrefix"`
	TableSpace         string `toml:"tableSpace"`

	// Binary values at least this many bytes long are kept in the blob
	// store instead of inside the bundle.
	MinBlobSize int `toml:"minBlobSize"`
	// ExternalBLOBs selects the store-backed blob store at BlobLocation
	// instead of the BINVAL table.
	ExternalBLOBs bool   `toml:"externalBLOBs"`
	BlobLocation  string `toml:"blobLocation"`
	// BlobPrefix is put in front of every key at BlobLocation, so that
	// several repositories can share it.
	BlobPrefix string `toml:"blobPrefix"`
	// When BlobCacheSize is positive, values read from the external blob
	// store are copied to BlobCacheLocation, using at most that many bytes.
	BlobCacheLocation string `toml:"blobCacheLocation"`
	BlobCacheSize     int64  `toml:"blobCacheSize"`

	// StorageModel is "binary" for a single 16 byte key column or
	// "longlong" for two 64 bit integer key columns. It cannot be changed
	// once tables exist.
	StorageModel string `toml:"storageModel"`

	ConsistencyCheck bool `toml:"consistencyCheck"`
	ConsistencyFix   bool `toml:"consistencyFix"`
	// Node ids ending in one of these strings are skipped by the
	// consistency checker.
	VirtualIDSuffixes []string `toml:"virtualIDSuffixes"`

	// BlockOnConnectionLoss makes the manager wait, retrying, until the
	// database is reachable again instead of failing.
	BlockOnConnectionLoss bool `toml:"blockOnConnectionLoss"`
}

// StorageModel is the key encoding of the bundle and references tables.
type StorageModel int

const (
	StorageModelBinary StorageModel = iota
	StorageModelLongLong
)

func (sm StorageModel) String() string {
	if sm == StorageModelLongLong {
		return "longlong"
	}
	return "binary"
}

// DefaultConfig returns the defaults used for options missing from a file.
func DefaultConfig() Config {
	return Config{
		Schema:            "sqlite",
		URL:               "bundles.db",
		MinBlobSize:       16 * 1024,
		StorageModel:      "binary",
		VirtualIDSuffixes: []string{"babecafebabe"},
	}
}

// LoadConfig reads the TOML file at path on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, errors.Wrapf(err, "reading config %s", path)
	}
	return cfg, cfg.Validate()
}

// Validate checks the options which can be checked without a database.
func (cfg *Config) Validate() error {
	if _, err := LookupDialect(cfg.Schema); err != nil {
		return err
	}
	if _, err := cfg.storageModel(); err != nil {
		return err
	}
	if cfg.BlobCacheSize > 0 && !cfg.ExternalBLOBs {
		return errors.New("blobCacheSize needs externalBLOBs")
	}
	if cfg.BlobPrefix != "" && !cfg.ExternalBLOBs {
		return errors.New("blobPrefix needs externalBLOBs")
	}
	if cfg.MinBlobSize < 0 {
		return errors.Errorf("minBlobSize must not be negative, got %d", cfg.MinBlobSize)
	}
	return nil
}

func (cfg *Config) storageModel() (StorageModel, error) {
	switch strings.ToLower(cfg.StorageModel) {
	case "", "binary":
		return StorageModelBinary, nil
	case "longlong", "long-long":
		return StorageModelLongLong, nil
	}
	return 0, errors.Errorf("unknown storage model %q", cfg.StorageModel)
}
