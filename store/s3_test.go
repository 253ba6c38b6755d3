package store

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

// fakeS3 implements the part of the S3 API the store uses, keeping objects
// in memory.
type fakeS3 struct {
	s3iface.S3API
	m       sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *S3 {
	return &S3{
		Bucket: "test",
		Prefix: "blobs/",
		svc:    &fakeS3{objects: make(map[string][]byte)},
	}
}

func notFound() error {
	return awserr.NewRequestFailure(awserr.New("NotFound", "not found", nil), http.StatusNotFound, "req")
}

func (f *fakeS3) HeadObject(in *s3.HeadObjectInput) (*s3.HeadObjectOutput, error) {
	f.m.Lock()
	defer f.m.Unlock()
	p, ok := f.objects[aws.StringValue(in.Key)]
	if !ok {
		return nil, notFound()
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(p)))}, nil
}

func (f *fakeS3) GetObject(in *s3.GetObjectInput) (*s3.GetObjectOutput, error) {
	f.m.Lock()
	defer f.m.Unlock()
	p, ok := f.objects[aws.StringValue(in.Key)]
	if !ok {
		return nil, notFound()
	}
	var start, end int
	if _, err := fmt.Sscanf(aws.StringValue(in.Range), "bytes=%d-%d", &start, &end); err != nil {
		return nil, err
	}
	if end >= len(p) {
		end = len(p) - 1
	}
	body := io.NopCloser(bytes.NewReader(p[start : end+1]))
	return &s3.GetObjectOutput{Body: body}, nil
}

func (f *fakeS3) PutObject(in *s3.PutObjectInput) (*s3.PutObjectOutput, error) {
	p, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.m.Lock()
	f.objects[aws.StringValue(in.Key)] = p
	f.m.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(in *s3.DeleteObjectInput) (*s3.DeleteObjectOutput, error) {
	f.m.Lock()
	delete(f.objects, aws.StringValue(in.Key))
	f.m.Unlock()
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2Pages(in *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output, bool) bool) error {
	f.m.Lock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.StringValue(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	f.m.Unlock()
	sort.Strings(keys)
	page := &s3.ListObjectsV2Output{}
	for _, k := range keys {
		page.Contents = append(page.Contents, &s3.Object{Key: aws.String(k)})
	}
	fn(page, true)
	return nil
}
