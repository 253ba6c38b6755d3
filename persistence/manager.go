package persistence

import (
	"bytes"
	"database/sql"
	"fmt"
	"log"
	"sync"

	raven "github.com/getsentry/raven-go"
	"github.com/pkg/errors"

	"github.com/ndlib/bundlestore/blob"
	"github.com/ndlib/bundlestore/bundle"
	"github.com/ndlib/bundlestore/store"
)

// A Manager stores bundles and references records in a relational database.
// It owns one database connection, and every public method takes the
// manager's lock, so all work on one manager happens one call at a time.
//
// The zero value is not usable. Create managers with New and call Init
// before anything else.
type Manager struct {
	cfg     Config
	dialect Dialect

	m     sync.Mutex
	state managerState

	schema schema
	st     statements
	c      *conn
	names  *dbNameIndex
	blobs  bundle.BlobStore
	codec  *bundle.Codec
}

type managerState int

const (
	uninitialized managerState = iota
	initialized
	closed
)

// New returns a manager for cfg. Nothing is opened until Init.
func New(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d, err := LookupDialect(cfg.Schema)
	if err != nil {
		return nil, err
	}
	return &Manager{cfg: cfg, dialect: d}, nil
}

// Init connects to the database, creating the tables if needed, and sets up
// the blob store. If the configuration asks for it, a consistency check is
// run once everything is ready. Init may only be called once.
func (m *Manager) Init() error {
	m.m.Lock()
	switch m.state {
	case initialized:
		m.m.Unlock()
		return ErrAlreadyInitialized
	case closed:
		m.m.Unlock()
		return ErrClosed
	}
	err := m.init()
	if err != nil {
		m.m.Unlock()
		return err
	}
	m.state = initialized
	m.m.Unlock()

	if m.cfg.ConsistencyCheck {
		report, err := m.CheckConsistency(nil, false, m.cfg.ConsistencyFix)
		if err != nil {
			log.Println("consistency check:", err)
			return nil
		}
		log.Println("consistency check:", report)
	}
	return nil
}

func (m *Manager) init() error {
	prefix := m.dialect.SanitizePrefix(m.cfg.SchemaObjectPrefix)
	if prefix != m.cfg.SchemaObjectPrefix {
		log.Printf("schemaObjectPrefix %q changed to %q", m.cfg.SchemaObjectPrefix, prefix)
	}
	model, err := m.cfg.storageModel()
	if err != nil {
		return err
	}
	if model == StorageModelBinary && !m.dialect.BinaryKeys() {
		return errors.Errorf("%s supports only the %s storage model", m.dialect.Name(), StorageModelLongLong)
	}
	m.schema = schema{
		dialect:       m.dialect,
		prefix:        prefix,
		tableSpace:    m.cfg.TableSpace,
		model:         model,
		externalBlobs: m.cfg.ExternalBLOBs,
	}
	driver, dsn, err := m.dialect.Source(&m.cfg)
	if err != nil {
		return err
	}
	c := &conn{
		driver: driver,
		dsn:    dsn,
		schema: m.schema,
		block:  m.cfg.BlockOnConnectionLoss,
	}
	if err := c.open(); err != nil {
		return &Error{Op: "init", Err: err}
	}
	if err := m.schema.checkModel(c.db); err != nil {
		c.close()
		return err
	}
	if !m.cfg.ExternalBLOBs {
		ok, err := m.schema.tableExists(c.db, "BINVAL")
		if err == nil && !ok {
			err = errors.Errorf("table %sBINVAL missing: the tables were made for an external blob store", prefix)
		}
		if err != nil {
			c.close()
			return &Error{Op: "init", Err: err}
		}
	}

	m.c = c
	m.st = m.schema.buildStatements()
	m.names = newDBNameIndex(m.c, &m.st)
	if m.cfg.ExternalBLOBs {
		s, err := blob.OpenLocation(m.cfg.BlobLocation)
		if err != nil {
			c.close()
			return &Error{Op: "init", Err: err}
		}
		if m.cfg.BlobPrefix != "" {
			s = store.NewWithPrefix(s, m.cfg.BlobPrefix)
		}
		m.blobs = blob.NewStoreBlobStore(s, m.names)
		if m.cfg.BlobCacheSize > 0 {
			local, err := blob.OpenLocation(m.cfg.BlobCacheLocation)
			if err != nil {
				c.close()
				return &Error{Op: "init", Err: err}
			}
			cache := blob.NewCache(m.blobs, local, m.cfg.BlobCacheSize)
			cache.Scan()
			m.blobs = cache
		}
	} else {
		m.blobs = &dbBlobStore{c: m.c, st: &m.st, names: m.names}
	}
	m.codec = &bundle.Codec{
		Names:       m.names,
		Blobs:       m.blobs,
		MinBlobSize: m.cfg.MinBlobSize,
	}
	log.Printf("persistence %s ready, prefix %q, %s storage model", m.dialect.Name(), prefix, model)
	return nil
}

// ready returns the error for calling a data method in the current state.
// The lock must be held.
func (m *Manager) ready() error {
	switch m.state {
	case uninitialized:
		return ErrNotInitialized
	case closed:
		return ErrClosed
	}
	return nil
}

// Close releases the database connection. Every later call fails with
// ErrClosed.
func (m *Manager) Close() error {
	m.m.Lock()
	defer m.m.Unlock()
	if m.c != nil {
		m.c.close()
	}
	m.state = closed
	return nil
}

// key returns the statement parameters for the key columns of id.
func (m *Manager) key(id bundle.NodeID) []interface{} {
	if m.schema.model == StorageModelLongLong {
		return []interface{}{id.MSB(), id.LSB()}
	}
	return []interface{}{id[:]}
}

// dataKey returns the parameters of an insert or update: the data column
// followed by the key columns.
func (m *Manager) dataKey(data []byte, id bundle.NodeID) []interface{} {
	return append([]interface{}{data}, m.key(id)...)
}

// readFailed drops the connection if err means it was lost, so that the next
// call reconnects.
func (m *Manager) readFailed(err error) {
	if IsConnectionError(err) {
		log.Println("connection lost:", err)
		m.c.close()
	}
}

// LoadBundle returns the bundle with the given id. If there is none the
// error satisfies IsNotFound.
func (m *Manager) LoadBundle(id bundle.NodeID) (*bundle.Bundle, error) {
	m.m.Lock()
	defer m.m.Unlock()
	if err := m.ready(); err != nil {
		return nil, err
	}
	data, err := m.loadRaw(id)
	if err != nil {
		return nil, err
	}
	return m.decode(id, data)
}

// checkReady is ready for callers not holding the lock.
func (m *Manager) checkReady() error {
	m.m.Lock()
	defer m.m.Unlock()
	return m.ready()
}

func (m *Manager) loadRawLocked(id bundle.NodeID) ([]byte, error) {
	m.m.Lock()
	defer m.m.Unlock()
	if err := m.ready(); err != nil {
		return nil, err
	}
	return m.loadRaw(id)
}

func (m *Manager) decodeLocked(id bundle.NodeID, data []byte) (*bundle.Bundle, error) {
	m.m.Lock()
	defer m.m.Unlock()
	if err := m.ready(); err != nil {
		return nil, err
	}
	return m.decode(id, data)
}

// loadRaw reads the serialized bundle. The whole column is read before
// returning, so no cursor is open while it is decoded.
func (m *Manager) loadRaw(id bundle.NodeID) ([]byte, error) {
	var data []byte
	err := m.c.queryRow(m.st.bundleSelect, m.key(id), &data)
	if err == sql.ErrNoRows {
		return nil, &Error{Op: "load bundle", ID: id, Err: ErrNotFound}
	} else if err != nil {
		m.readFailed(err)
		return nil, &Error{Op: "load bundle", ID: id, Err: err}
	}
	return data, nil
}

func (m *Manager) decode(id bundle.NodeID, data []byte) (*bundle.Bundle, error) {
	b, err := m.codec.ReadBundle(bytes.NewReader(data), id)
	if err != nil {
		return nil, &Error{Op: "read bundle", ID: id, Err: err}
	}
	b.Size = int64(len(data))
	return b, nil
}

// ExistsBundle is true if a bundle with the given id is stored.
func (m *Manager) ExistsBundle(id bundle.NodeID) (bool, error) {
	m.m.Lock()
	defer m.m.Unlock()
	if err := m.ready(); err != nil {
		return false, err
	}
	return m.exists("bundle exists", m.st.bundleExists, id)
}

func (m *Manager) exists(op, query string, id bundle.NodeID) (bool, error) {
	n, err := m.c.count(query, m.key(id)...)
	if err != nil {
		m.readFailed(err)
		return false, &Error{Op: op, ID: id, Err: err}
	}
	return n > 0, nil
}

// LoadReferences returns the references record of target. If there is none
// the error satisfies IsNotFound.
func (m *Manager) LoadReferences(target bundle.NodeID) (*bundle.References, error) {
	m.m.Lock()
	defer m.m.Unlock()
	if err := m.ready(); err != nil {
		return nil, err
	}
	var data []byte
	err := m.c.queryRow(m.st.refsSelect, m.key(target), &data)
	if err == sql.ErrNoRows {
		return nil, &Error{Op: "load references", ID: target, Err: ErrNotFound}
	} else if err != nil {
		m.readFailed(err)
		return nil, &Error{Op: "load references", ID: target, Err: err}
	}
	refs, err := m.codec.ReadReferences(bytes.NewReader(data), target)
	if err != nil {
		return nil, &Error{Op: "read references", ID: target, Err: err}
	}
	return refs, nil
}

// ExistsReferences is true if target has a references record.
func (m *Manager) ExistsReferences(target bundle.NodeID) (bool, error) {
	m.m.Lock()
	defer m.m.Unlock()
	if err := m.ready(); err != nil {
		return false, err
	}
	return m.exists("references exist", m.st.refsExists, target)
}

// AllNodeIDs returns up to max ids of stored bundles in key order, starting
// after the given id, or at the beginning if after is nil. A max of zero or
// less returns every id.
func (m *Manager) AllNodeIDs(after *bundle.NodeID, max int) ([]bundle.NodeID, error) {
	m.m.Lock()
	defer m.m.Unlock()
	if err := m.ready(); err != nil {
		return nil, err
	}
	return m.allNodeIDs(after, max)
}

func (m *Manager) allNodeIDs(after *bundle.NodeID, max int) ([]bundle.NodeID, error) {
	query := m.st.idsFirst
	var args []interface{}
	if after != nil {
		query = m.st.idsAfter
		if m.schema.model == StorageModelLongLong {
			args = []interface{}{after.MSB(), after.MSB(), after.LSB()}
		} else {
			args = m.key(*after)
		}
	}
	if max > 0 {
		query += fmt.Sprintf(" LIMIT %d", max)
	}
	rows, err := m.c.query(query, args...)
	if err != nil {
		m.readFailed(err)
		return nil, &Error{Op: "list bundles", Err: err}
	}
	defer rows.Close()
	var result []bundle.NodeID
	for rows.Next() {
		var id bundle.NodeID
		if m.schema.model == StorageModelLongLong {
			var hi, lo int64
			err = rows.Scan(&hi, &lo)
			id = bundle.NodeIDFromLongs(hi, lo)
		} else {
			var raw []byte
			err = rows.Scan(&raw)
			if err == nil && len(raw) != len(id) {
				err = errors.Errorf("bad node id length %d", len(raw))
			}
			copy(id[:], raw)
		}
		if err != nil {
			return nil, &Error{Op: "list bundles", Err: err}
		}
		result = append(result, id)
	}
	if err := rows.Err(); err != nil {
		return nil, &Error{Op: "list bundles", Err: err}
	}
	return result, nil
}

// Store applies every operation of cs in one transaction. If the connection
// is lost the connection is reopened and cs is tried exactly once more. On
// failure nothing of cs is kept.
//
// Bundles which were inserted have New cleared once the transaction commits.
func (m *Manager) Store(cs *ChangeSet) error {
	m.m.Lock()
	defer m.m.Unlock()
	if err := m.ready(); err != nil {
		return err
	}
	updates, err := m.store(cs)
	if err != nil && IsConnectionError(err) {
		log.Printf("store: connection lost (%s), retrying", err)
		if err = m.reconnect(); err == nil {
			updates, err = m.store(cs)
		}
		if IsConnectionError(err) {
			m.c.close()
		}
	}
	if err != nil {
		raven.CaptureError(err, map[string]string{"op": "store"})
		if _, ok := err.(*Error); !ok {
			err = &Error{Op: "store", Err: err}
		}
		return err
	}
	for _, o := range cs.ops {
		if o.kind == opStoreBundle {
			o.bundle.New = false
		}
	}
	for _, u := range updates {
		u.Apply()
	}
	return nil
}

func (m *Manager) reconnect() error {
	m.names.reset()
	return m.c.reopen()
}

// store runs cs in one transaction. The blob changes of the bundles written
// are returned for the caller to apply once the transaction has committed.
func (m *Manager) store(cs *ChangeSet) ([]*bundle.BlobUpdate, error) {
	if err := m.c.begin(); err != nil {
		return nil, err
	}
	var updates []*bundle.BlobUpdate
	for _, o := range cs.ops {
		u, err := m.apply(o)
		if err != nil {
			m.c.rollback()
			return nil, &Error{Op: o.kind.String(), ID: o.id(), Err: err}
		}
		if u != nil {
			updates = append(updates, u)
		}
	}
	if err := m.c.commit(); err != nil {
		return nil, err
	}
	return updates, nil
}

func (m *Manager) apply(o op) (*bundle.BlobUpdate, error) {
	switch o.kind {
	case opStoreBundle:
		var buf bytes.Buffer
		u, err := m.codec.EncodeBundle(&buf, o.bundle)
		if err != nil {
			return nil, err
		}
		query := m.st.bundleUpdate
		if o.bundle.New {
			query = m.st.bundleInsert
		}
		_, err = m.c.exec(query, m.dataKey(buf.Bytes(), o.bundle.ID)...)
		return u, err

	case opDestroyBundle:
		if err := m.codec.RemoveBlobs(o.bundle); err != nil {
			return nil, err
		}
		_, err := m.c.exec(m.st.bundleDelete, m.key(o.bundle.ID)...)
		return nil, err

	case opStoreRefs:
		var buf bytes.Buffer
		if err := m.codec.WriteReferences(&buf, o.refs); err != nil {
			return nil, err
		}
		n, err := m.c.count(m.st.refsExists, m.key(o.refs.Target)...)
		if err != nil {
			return nil, err
		}
		query := m.st.refsInsert
		if n > 0 {
			query = m.st.refsUpdate
		}
		_, err = m.c.exec(query, m.dataKey(buf.Bytes(), o.refs.Target)...)
		return nil, err

	case opDestroyRefs:
		_, err := m.c.exec(m.st.refsDelete, m.key(o.target)...)
		return nil, err
	}
	return nil, errors.Errorf("unknown change %d", o.kind)
}

// StoreBundle stores a single bundle in its own transaction.
func (m *Manager) StoreBundle(b *bundle.Bundle) error {
	return m.Store(new(ChangeSet).StoreBundle(b))
}

// DestroyBundle removes a single bundle and its blobs in its own transaction.
func (m *Manager) DestroyBundle(b *bundle.Bundle) error {
	return m.Store(new(ChangeSet).DestroyBundle(b))
}

// StoreReferences inserts or replaces a references record.
func (m *Manager) StoreReferences(refs *bundle.References) error {
	return m.Store(new(ChangeSet).StoreReferences(refs))
}

// DestroyReferences removes the references record of target.
func (m *Manager) DestroyReferences(target bundle.NodeID) error {
	return m.Store(new(ChangeSet).DestroyReferences(target))
}

// CheckConsistency runs the consistency checker over ids, or over every
// bundle if ids is empty. See Checker.Check.
func (m *Manager) CheckConsistency(ids []bundle.NodeID, recursive, fix bool) (*Report, error) {
	return NewChecker(m).Check(ids, recursive, fix)
}
