package store

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	raven "github.com/getsentry/raven-go"
)

// A S3 store keeps values as objects in an S3 bucket. Every key is prefixed
// by Prefix, so one bucket may hold more than one store.
// Do not change Bucket or Prefix concurrently with calls using the structure.
type S3 struct {
	svc    s3iface.S3API
	Bucket string
	Prefix string
}

var _ Store = &S3{}

// NewS3 creates a new S3 store using the credentials in the given session.
func NewS3(bucket, prefix string, awsSession *session.Session) *S3 {
	return &S3{
		Bucket: bucket,
		Prefix: prefix,
		svc:    s3.New(awsSession),
	}
}

func (s *S3) tags(key string) map[string]string {
	return map[string]string{"Bucket": s.Bucket, "Prefix": s.Prefix, "Key": key}
}

// List returns a list of all the keys in this store. It only returns ones
// having the store's Prefix, so it is safe to use on a shared bucket.
func (s *S3) List() <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		err := s.list("", func(key string) { out <- key })
		if err != nil {
			log.Println("S3 List:", s.Prefix, err)
			raven.CaptureError(err, s.tags(""))
		}
	}()
	return out
}

// ListPrefix returns the keys in this store that have the given prefix.
func (s *S3) ListPrefix(prefix string) ([]string, error) {
	var result []string
	err := s.list(prefix, func(key string) { result = append(result, key) })
	if err != nil {
		log.Println("S3 ListPrefix:", s.Prefix, prefix, err)
		raven.CaptureError(err, s.tags(prefix))
	}
	return result, err
}

func (s *S3) list(prefix string, f func(string)) error {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.Bucket),
		Prefix: aws.String(s.Prefix + prefix),
	}
	return s.svc.ListObjectsV2Pages(input,
		func(page *s3.ListObjectsV2Output, lastpage bool) bool {
			for _, item := range page.Contents {
				f(strings.TrimPrefix(aws.StringValue(item.Key), s.Prefix))
			}
			return !lastpage
		})
}

// Open returns a ReadAtCloser for the given key. Each ReadAt is a ranged GET.
func (s *S3) Open(key string) (ReadAtCloser, int64, error) {
	info, err := s.svc.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Prefix + key),
	})
	if isNotFound(err) {
		return nil, 0, ErrNotExist
	} else if err != nil {
		return nil, 0, err
	}
	size := aws.Int64Value(info.ContentLength)
	return &s3Reader{s: s, key: s.Prefix + key, size: size}, size, nil
}

func isNotFound(err error) bool {
	e, ok := err.(awserr.RequestFailure)
	return ok && e.StatusCode() == http.StatusNotFound
}

type s3Reader struct {
	s    *S3
	key  string
	size int64
}

func (r *s3Reader) ReadAt(p []byte, offset int64) (int, error) {
	if offset >= r.size {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	end := offset + int64(len(p)) - 1
	if end >= r.size {
		end = r.size - 1
	}
	output, err := r.s.svc.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(r.s.Bucket),
		Key:    aws.String(r.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, end)),
	})
	if err != nil {
		log.Println("S3 ReadAt:", r.key, offset, err)
		return 0, err
	}
	defer output.Body.Close()
	n, err := io.ReadFull(output.Body, p[:end-offset+1])
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}

func (r *s3Reader) Close() error { return nil }

// Create returns a WriteCloser which buffers the value and uploads it with a
// single PUT when closed. Property values are small enough that a multipart
// upload is not needed.
func (s *S3) Create(key string) (io.WriteCloser, error) {
	_, err := s.svc.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Prefix + key),
	})
	if err == nil {
		return nil, ErrKeyExists
	} else if !isNotFound(err) {
		return nil, err
	}
	return &s3Writer{s: s, key: s.Prefix + key}, nil
}

type s3Writer struct {
	s      *S3
	key    string
	buf    bytes.Buffer
	closed bool
}

func (w *s3Writer) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *s3Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	_, err := w.s.svc.PutObject(&s3.PutObjectInput{
		Body:          bytes.NewReader(w.buf.Bytes()),
		Bucket:        aws.String(w.s.Bucket),
		Key:           aws.String(w.key),
		ContentLength: aws.Int64(int64(w.buf.Len())),
	})
	if err != nil {
		log.Println("S3 Put:", w.key, err)
		raven.CaptureError(err, w.s.tags(w.key))
	}
	return err
}

// Delete removes the given key from the store. It is not an error to delete
// something that doesn't exist.
func (s *S3) Delete(key string) error {
	_, err := s.svc.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Prefix + key),
	})
	if err != nil {
		log.Println("S3 Delete:", s.Prefix, key, err)
		raven.CaptureError(err, s.tags(key))
	}
	return err
}
