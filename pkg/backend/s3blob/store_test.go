package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 is a path-style, in-memory bucket served through a RoundTripper.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) RoundTrip(r *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	switch {
	case r.Method == http.MethodGet && key == "" && r.URL.Query().Get("list-type") == "2":
		return f.list(r.URL.Query().Get("prefix")), nil
	case r.Method == http.MethodGet:
		v, ok := f.objects[key]
		if !ok {
			return respond(http.StatusNotFound, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`), nil
		}
		resp := respond(http.StatusOK, string(v))
		resp.Header.Set("Content-Type", "application/octet-stream")
		resp.Header.Set("Content-Length", strconv.Itoa(len(v)))
		return resp, nil
	case r.Method == http.MethodPut:
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		if strings.Contains(r.Header.Get("Content-Encoding"), "aws-chunked") {
			raw = decodeChunked(raw)
		}
		f.objects[key] = raw
		resp := respond(http.StatusOK, "")
		resp.Header.Set("ETag", `"etag"`)
		return resp, nil
	case r.Method == http.MethodDelete:
		delete(f.objects, key)
		return respond(http.StatusNoContent, ""), nil
	}
	return respond(http.StatusMethodNotAllowed, ""), nil
}

func (f *fakeS3) list(prefix string) *http.Response {
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><ListBucketResult><Name>bucket</Name>`)
	fmt.Fprintf(&b, "<Prefix>%s</Prefix><KeyCount>%d</KeyCount><IsTruncated>false</IsTruncated>", prefix, len(keys))
	for _, k := range keys {
		fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>%d</Size><LastModified>2024-01-01T00:00:00.000Z</LastModified></Contents>", k, len(f.objects[k]))
	}
	b.WriteString("</ListBucketResult>")
	resp := respond(http.StatusOK, b.String())
	resp.Header.Set("Content-Type", "application/xml")
	return resp
}

func respond(code int, body string) *http.Response {
	return &http.Response{
		StatusCode: code,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func decodeChunked(raw []byte) []byte {
	var out bytes.Buffer
	rd := bufio.NewReader(bytes.NewReader(raw))
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			return out.Bytes()
		}
		size, err := strconv.ParseInt(strings.SplitN(strings.TrimSpace(line), ";", 2)[0], 16, 64)
		if err != nil || size == 0 {
			return out.Bytes()
		}
		chunk := make([]byte, size)
		if _, err := io.ReadFull(rd, chunk); err != nil {
			return out.Bytes()
		}
		out.Write(chunk)
		_, _ = rd.ReadString('\n')
	}
}

func newTestStore(t *testing.T) (*Store, *fakeS3) {
	fake := &fakeS3{objects: map[string][]byte{}}
	s, err := New(context.Background(), Config{
		Bucket:          "bucket",
		Endpoint:        "https://mock.s3.local",
		PathStyle:       true,
		Prefix:          "speakerbox/",
		AccessKeyID:     "AKIA",
		SecretAccessKey: "SECRET",
		HTTPClient:      &http.Client{Transport: fake},
	})
	require.NoError(t, err)
	return s, fake
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	s, fake := newTestStore(t)

	_, ok, err := s.Get(ctx, "u", "sample-revId-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "u", "sample-revId-1", []byte("audio")))
	require.NoError(t, s.Put(ctx, "u", "sample-revId-2", []byte("more")))
	require.NoError(t, s.Put(ctx, "other", "sample-revId-3", []byte("x")))
	assert.Contains(t, fake.objects, "speakerbox/users/u/sample-revId-1")

	v, ok, err := s.Get(ctx, "u", "sample-revId-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("audio"), v)

	keys, err := s.Keys(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, []string{"sample-revId-1", "sample-revId-2"}, keys)

	require.NoError(t, s.Delete(ctx, "u", "sample-revId-1"))
	require.NoError(t, s.Delete(ctx, "u", "sample-revId-1"))
	_, ok, err = s.Get(ctx, "u", "sample-revId-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBucketRequired(t *testing.T) {
	_, err := New(context.Background(), Config{})
	require.Error(t, err)
}
