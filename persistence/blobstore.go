package persistence

import (
	"bytes"
	"database/sql"
	"io"

	"github.com/pkg/errors"

	"github.com/ndlib/bundlestore/blob"
	"github.com/ndlib/bundlestore/bundle"
)

// dbBlobStore keeps blobs in the BINVAL table. Writes join the transaction
// of the change set being stored, so the existence check in Put cannot race
// with another writer.
type dbBlobStore struct {
	c     *conn
	st    *statements
	names bundle.NameIndex
}

var _ bundle.BlobStore = &dbBlobStore{}

func (bs *dbBlobStore) CreateID(id bundle.PropertyID, index int) (string, error) {
	return blob.Key(bs.names, id, index)
}

// Get returns the blob under key. The result cursor stays open until the
// returned reader is closed, and nothing else can use the connection until
// then.
func (bs *dbBlobStore) Get(key string) (io.ReadCloser, error) {
	rows, err := bs.c.query(bs.st.blobSelect, key)
	if err != nil {
		return nil, errors.Wrapf(err, "blob %s", key)
	}
	if !rows.Next() {
		err = rows.Err()
		rows.Close()
		if err == nil {
			err = ErrNotFound
		}
		return nil, errors.Wrapf(err, "blob %s", key)
	}
	var data sql.RawBytes
	if err := rows.Scan(&data); err != nil {
		rows.Close()
		return nil, errors.Wrapf(err, "blob %s", key)
	}
	return &rowReader{Reader: bytes.NewReader(data), rows: rows}, nil
}

// rowReader reads a column value and closes its result set when done.
type rowReader struct {
	*bytes.Reader
	rows *sql.Rows
}

func (r *rowReader) Close() error {
	return r.rows.Close()
}

// Put saves length bytes from r under key, updating the row if one exists.
func (bs *dbBlobStore) Put(key string, r io.Reader, length int64) error {
	data, err := io.ReadAll(io.LimitReader(r, length))
	if err != nil {
		return errors.Wrapf(err, "blob %s", key)
	}
	if int64(len(data)) != length {
		return errors.Wrapf(io.ErrUnexpectedEOF, "blob %s", key)
	}
	err = bs.c.write(func() error {
		n, err := bs.c.count(bs.st.blobExists, key)
		if err != nil {
			return err
		}
		if n > 0 {
			_, err = bs.c.exec(bs.st.blobUpdate, data, key)
		} else {
			_, err = bs.c.exec(bs.st.blobInsert, data, key)
		}
		return err
	})
	return errors.Wrapf(err, "blob %s", key)
}

func (bs *dbBlobStore) Remove(key string) (bool, error) {
	var removed bool
	err := bs.c.write(func() error {
		result, err := bs.c.exec(bs.st.blobDelete, key)
		if err != nil {
			return err
		}
		n, err := result.RowsAffected()
		removed = n > 0
		return err
	})
	if err != nil {
		return false, errors.Wrapf(err, "blob %s", key)
	}
	return removed, nil
}
