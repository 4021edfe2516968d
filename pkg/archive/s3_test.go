package archive

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/testledger/pkg/config"
)

// fakeS3 serves the path-style subset of the S3 API the archiver uses.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	// Path is /bucket/key...
	_, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")

	switch {
	case r.Method == http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = body
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet && r.URL.Query().Get("list-type") == "2":
		prefix := r.URL.Query().Get("prefix")

		keys := make([]string, 0, len(f.objects))
		for k := range f.objects {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}

		sort.Strings(keys)

		var sb strings.Builder
		sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
		sb.WriteString(`<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">`)
		fmt.Fprintf(&sb, "<Name>bucket</Name><Prefix>%s</Prefix><KeyCount>%d</KeyCount>", prefix, len(keys))
		sb.WriteString("<MaxKeys>1000</MaxKeys><IsTruncated>false</IsTruncated>")

		for _, k := range keys {
			fmt.Fprintf(&sb, "<Contents><Key>%s</Key><Size>%d</Size></Contents>", k, len(f.objects[k]))
		}

		sb.WriteString("</ListBucketResult>")

		w.Header().Set("Content-Type", "application/xml")
		_, _ = io.WriteString(w, sb.String())
	case r.Method == http.MethodGet:
		body, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?>`+
				`<Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)

			return
		}

		_, _ = w.Write(body)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestArchiver(t *testing.T, prefix string) (*s3Archiver, *fakeS3) {
	t.Helper()

	fake := &fakeS3{objects: make(map[string][]byte, 4)}
	srv := httptest.NewServer(fake)

	t.Cleanup(srv.Close)

	log := logrus.New()
	log.SetOutput(io.Discard)

	a, ok := NewS3Archiver(log, &config.S3Config{
		Enabled:         true,
		Bucket:          "bucket",
		Prefix:          prefix,
		EndpointURL:     srv.URL,
		ForcePathStyle:  true,
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
	}).(*s3Archiver)
	require.True(t, ok)

	return a, fake
}

func TestSnapshotKey(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 30, 5, 0, time.UTC)

	tests := []struct {
		name    string
		prefix  string
		project string
		want    string
	}{
		{
			name:    "default prefix",
			project: "proj",
			want:    "testledger/proj/20260301T123005Z/ledger.db",
		},
		{
			name:    "custom prefix with slashes",
			prefix:  "/ci/ledgers/",
			project: "proj",
			want:    "ci/ledgers/proj/20260301T123005Z/ledger.db",
		},
		{
			name:    "escaped project",
			prefix:  "x",
			project: "web/app",
			want:    "x/web%2Fapp/20260301T123005Z/ledger.db",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &s3Archiver{cfg: &config.S3Config{Prefix: tt.prefix}}
			assert.Equal(t, tt.want, a.snapshotKey(tt.project, at))
		})
	}
}

func TestArchiveListRestore(t *testing.T) {
	a, fake := newTestArchiver(t, "ci")
	ctx := context.Background()

	snapshot := filepath.Join(t.TempDir(), "snap.db")
	require.NoError(t, os.WriteFile(snapshot, []byte("SQLite format 3\x00payload"), 0o600))

	times := []time.Time{
		time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	for _, at := range times {
		a.now = func() time.Time { return at }

		key, err := a.Archive(ctx, "proj", snapshot)
		require.NoError(t, err)
		assert.Equal(t, a.snapshotKey("proj", at), key)
	}

	require.NoError(t, a.Preflight(ctx))
	assert.Contains(t, fake.objects, "ci/.write-test")

	keys, err := a.List(ctx, "proj")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"ci/proj/20260101T000000Z/ledger.db",
		"ci/proj/20260102T000000Z/ledger.db",
	}, keys)

	dest := filepath.Join(t.TempDir(), "ledger.db")
	require.NoError(t, a.Restore(ctx, keys[1], dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "SQLite format 3\x00payload", string(data))

	require.Error(t, a.Restore(ctx, keys[1], dest), "existing destination")

	err = a.Restore(ctx, "ci/proj/missing/ledger.db", filepath.Join(t.TempDir(), "x.db"))
	require.ErrorIs(t, err, ErrNoSnapshot)
}
