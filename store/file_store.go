package store

import (
	"errors"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	raven "github.com/getsentry/raven-go"
)

// FileSystem keeps each value in its own file. Files are spread over two
// levels of subdirectories named after the first four characters of the key,
// so a key "3fa85f64.2.7.0.bin" lives in "3f/a8/3fa85f64.2.7.0.bin". Keys
// beginning with a node id in hex therefore group the values of a node
// together.
type FileSystem struct {
	root string
}

// the subdir to store files while they are being written to.
const scratchdir = "scratch"

var (
	_ Store = &FileSystem{}

	// ErrBadKey means the key cannot be used as a file name. It is empty,
	// not valid UTF-8, or contains a slash, white space, or a control
	// character.
	ErrBadKey = errors.New("key is not a valid file name")
)

// NewFileSystem creates a new FileSystem store based at the given root path.
func NewFileSystem(root string) *FileSystem {
	return &FileSystem{root: root}
}

// List returns a channel listing all the keys in this store.
func (s *FileSystem) List() <-chan string {
	c := make(chan string)
	go func() {
		defer close(c)
		walkTree(c, s.root, 0)
	}()
	return c
}

// walkTree does a depth first walk of the tree at root, sending every key on
// out. Only files two directories down are keys; the scratch directory is
// skipped.
func walkTree(out chan<- string, root string, level int) {
	f, err := os.Open(root)
	if err != nil {
		if !os.IsNotExist(err) || level > 0 {
			log.Println("store walk:", err)
			raven.CaptureError(err, nil)
		}
		return
	}
	defer f.Close()
	for {
		entries, err := f.Readdir(1000)
		if err == io.EOF {
			return
		} else if err != nil {
			// we have no other way of passing this error back
			log.Println("store walk:", err)
			raven.CaptureError(err, nil)
			return
		}
		for _, e := range entries {
			if e.IsDir() {
				if level < 2 && !(level == 0 && e.Name() == scratchdir) {
					walkTree(out, filepath.Join(root, e.Name()), level+1)
				}
				continue
			}
			if level == 2 {
				out <- e.Name()
			}
		}
	}
}

// ListPrefix returns a list of all the keys beginning with the given prefix.
func (s *FileSystem) ListPrefix(prefix string) ([]string, error) {
	var glob string
	switch len(prefix) {
	case 0:
		glob = "*/*"
	case 1:
		glob = prefix + "*/*"
	case 2:
		glob = prefix + "/*"
	case 3:
		glob = prefix[0:2] + "/" + prefix[2:3] + "*"
	default:
		glob = prefix[0:2] + "/" + prefix[2:4]
	}
	result, err := filepath.Glob(filepath.Join(s.root, glob, prefix+"*"))
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, fname := range result {
		// the scratch directory matches some of the globs
		if strings.HasPrefix(fname, filepath.Join(s.root, scratchdir)+string(filepath.Separator)) {
			continue
		}
		keys = append(keys, path.Base(fname))
	}
	return keys, nil
}

// Open returns a reader for the given value along with its size. ErrNotExist
// is returned if there is no such key.
func (s *FileSystem) Open(key string) (ReadAtCloser, int64, error) {
	if err := validKey(key); err != nil {
		return nil, 0, err
	}
	f, err := os.Open(s.keyPath(key))
	if os.IsNotExist(err) {
		return nil, 0, ErrNotExist
	} else if err != nil {
		return nil, 0, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, fi.Size(), nil
}

// Create returns a writer to save a new value under key. The data is written
// into a scratch file and only moved into place when the writer is closed, so
// readers never see a partial value.
func (s *FileSystem) Create(key string) (io.WriteCloser, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	target := s.keyPath(key)
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		return nil, ErrKeyExists
	}
	if err := os.MkdirAll(filepath.Dir(target), 0775); err != nil {
		return nil, err
	}
	scratch := filepath.Join(s.root, scratchdir)
	if err := os.MkdirAll(scratch, 0775); err != nil {
		return nil, err
	}
	// O_EXCL so two writers of the same key do not share a scratch file
	temp := filepath.Join(scratch, key)
	f, err := os.OpenFile(temp, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
	if err != nil {
		return nil, err
	}
	return &moveCloser{File: f, source: temp, target: target}, nil
}

// moveCloser moves the scratch file into place when it is closed. Close may
// be called more than once; only the first call does anything.
type moveCloser struct {
	*os.File
	source string
	target string

	once sync.Once
	err  error
}

func (w *moveCloser) Close() error {
	w.once.Do(func() {
		w.err = w.move()
	})
	return w.err
}

func (w *moveCloser) move() error {
	err := w.File.Close()
	if err != nil {
		os.Remove(w.source)
		return err
	}
	if _, err = os.Stat(w.target); !os.IsNotExist(err) {
		os.Remove(w.source)
		return ErrKeyExists
	}
	return os.Rename(w.source, w.target)
}

// Delete the given key from the store. It is not an error if the key doesn't
// exist.
func (s *FileSystem) Delete(key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	err := os.Remove(s.keyPath(key))
	if err != nil && os.IsNotExist(err) {
		err = nil
	}
	return err
}

func (s *FileSystem) keyPath(key string) string {
	return filepath.Join(s.root, itemSubdir(key), key)
}

// itemSubdir returns the subdirectory a key is stored in.
// e.g. "abcdd123" returns "ab/cd/"
func itemSubdir(key string) string {
	switch len(key) {
	case 0:
		return "./"
	case 1, 2:
		return key + "/"
	case 3:
		return key[0:2] + "/" + key[2:3] + "/"
	}
	return key[0:2] + "/" + key[2:4] + "/"
}

func validKey(key string) error {
	if key == "" || key == scratchdir || !utf8.ValidString(key) || strings.Contains(key, "/") {
		return ErrBadKey
	}
	for _, r := range key {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return ErrBadKey
		}
	}
	return nil
}
