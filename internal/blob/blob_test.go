package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLocation(t *testing.T) {
	tests := []struct {
		raw     string
		want    Location
		wantErr bool
	}{
		{raw: "s3://dumps/2026/synapse.sql.gz", want: Location{Driver: DriverS3, Bucket: "dumps", Key: "2026/synapse.sql.gz"}},
		{raw: "s3://dumps", want: Location{Driver: DriverS3, Bucket: "dumps"}},
		{raw: "file:///tmp/dump.sql", want: Location{Driver: DriverFilesystem, Key: "/tmp/dump.sql"}},
		{raw: "out/batch.sql", want: Location{Driver: DriverFilesystem, Key: "out/batch.sql"}},
		{raw: "", wantErr: true},
		{raw: "s3:///key", wantErr: true},
		{raw: "gs://bucket/key", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseLocation(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFSStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewFS(t.TempDir())
	require.NoError(t, err)

	info, err := s.Put(ctx, "runs/plan.json", strings.NewReader(`{"a":1}`), "application/json")
	require.NoError(t, err)
	assert.Equal(t, int64(7), info.Size)

	// overwrite
	_, err = s.Put(ctx, "runs/plan.json", strings.NewReader(`{}`), "")
	require.NoError(t, err)
	_, err = s.Put(ctx, "other.sql", strings.NewReader("BEGIN;"), "")
	require.NoError(t, err)

	rc, err := s.Get(ctx, "runs/plan.json")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))

	list, err := s.List(ctx, "runs/")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "runs/plan.json", list[0].Key)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFSStoreRejectsEscapingKeys(t *testing.T) {
	s, err := NewFS(t.TempDir())
	require.NoError(t, err)
	for _, key := range []string{"", "/etc/passwd", "../x", "a/../../x", `a\b`} {
		_, err := s.Put(context.Background(), key, strings.NewReader("x"), "")
		assert.Error(t, err, key)
	}
}

func TestFetchLocalPassthrough(t *testing.T) {
	got, err := Opener{}.Fetch(context.Background(), "/data/dump.sql", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "/data/dump.sql", got)
}

func TestPublishToDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "artifacts")
	info, err := Opener{}.Publish(context.Background(), dir, "batch.sql", []byte("BEGIN;\nCOMMIT;\n"))
	require.NoError(t, err)
	assert.Equal(t, "batch.sql", info.Key)

	data, err := os.ReadFile(filepath.Join(dir, "batch.sql"))
	require.NoError(t, err)
	assert.Equal(t, "BEGIN;\nCOMMIT;\n", string(data))
}

// fakeS3 serves path-style requests for a single in-memory bucket
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	reply := func(status int, body string, header http.Header) (*http.Response, error) {
		if header == nil {
			header = http.Header{}
		}
		return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(body)), Header: header, Request: req}, nil
	}

	switch {
	case req.Method == http.MethodGet && req.URL.Query().Get("list-type") == "2":
		prefix := req.URL.Query().Get("prefix")
		var keys []string
		for k := range f.objects {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteString(`<?xml version="1.0"?><ListBucketResult><IsTruncated>false</IsTruncated>`)
		for _, k := range keys {
			fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>%d</Size><LastModified>2026-01-01T00:00:00Z</LastModified></Contents>", k, len(f.objects[k]))
		}
		b.WriteString("</ListBucketResult>")
		return reply(http.StatusOK, b.String(), http.Header{"Content-Type": {"application/xml"}})
	case req.Method == http.MethodPut:
		body, _ := io.ReadAll(req.Body)
		if dec, ok := decodeChunked(body); ok {
			body = dec
		}
		f.objects[key] = body
		return reply(http.StatusOK, "", http.Header{"Etag": {`"etag"`}})
	case req.Method == http.MethodHead:
		body, ok := f.objects[key]
		if !ok {
			return reply(http.StatusNotFound, "", nil)
		}
		return reply(http.StatusOK, "", http.Header{"Content-Length": {strconv.Itoa(len(body))}})
	case req.Method == http.MethodGet:
		body, ok := f.objects[key]
		if !ok {
			return reply(http.StatusNotFound, `<?xml version="1.0"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`,
				http.Header{"Content-Type": {"application/xml"}})
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(bytes.NewReader(body)),
			Header:     http.Header{"Content-Length": {strconv.Itoa(len(body))}},
			Request:    req,
		}, nil
	}
	return reply(http.StatusNotImplemented, "", nil)
}

// decodeChunked unwraps a single-chunk aws-chunked payload
func decodeChunked(b []byte) ([]byte, bool) {
	head, rest, ok := bytes.Cut(b, []byte("\r\n"))
	if !ok {
		return nil, false
	}
	size, err := strconv.ParseInt(string(head), 16, 64)
	if err != nil || int64(len(rest)) < size {
		return nil, false
	}
	tail := rest[size:]
	if !bytes.HasPrefix(tail, []byte("\r\n0")) {
		return nil, false
	}
	return rest[:size], true
}

func fakeOpener(f *fakeS3) Opener {
	return Opener{S3: S3Config{
		Region:          "us-east-1",
		Endpoint:        "https://s3.test.local",
		PathStyle:       true,
		AccessKeyID:     "AKIA",
		SecretAccessKey: "SECRET",
		HTTPClient:      &http.Client{Transport: f},
	}}
}

func TestS3PublishFetchList(t *testing.T) {
	ctx := context.Background()
	f := &fakeS3{objects: map[string][]byte{"dumps/synapse.sql": []byte("COPY public.rooms (room_id) FROM stdin;\n\\.\n")}}
	o := fakeOpener(f)

	local, err := o.Fetch(ctx, "s3://migration/dumps/synapse.sql", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "synapse.sql", filepath.Base(local))
	data, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "COPY public.rooms (room_id) FROM stdin;\n\\.\n", string(data))

	info, err := o.Publish(ctx, "s3://migration/runs/run-1", "plan.json", []byte(`{"plan_rev":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, "runs/run-1/plan.json", info.Key)
	assert.Equal(t, int64(16), info.Size)
	assert.Equal(t, `{"plan_rev":"x"}`, string(f.objects["runs/run-1/plan.json"]))

	store, _, err := o.Open(ctx, Location{Driver: DriverS3, Bucket: "migration"})
	require.NoError(t, err)
	assert.Equal(t, DriverS3, store.Driver())
	list, err := store.List(ctx, "runs/")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "runs/run-1/plan.json", list[0].Key)
}

func TestS3FetchMissing(t *testing.T) {
	o := fakeOpener(&fakeS3{objects: map[string][]byte{}})
	_, err := o.Fetch(context.Background(), "s3://migration/none.sql", t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound), err.Error())
}

func TestNewS3RequiresBucket(t *testing.T) {
	_, err := NewS3(context.Background(), S3Config{})
	assert.Error(t, err)
}
