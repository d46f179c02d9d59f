package runlog

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
)

type fakeObjectStore struct {
	exists    bool
	existsErr error
	made      []string
	puts      map[string][]byte
	putOpts   minio.PutObjectOptions
}

func (f *fakeObjectStore) BucketExists(context.Context, string) (bool, error) {
	return f.exists, f.existsErr
}

func (f *fakeObjectStore) MakeBucket(_ context.Context, bucket string, _ minio.MakeBucketOptions) error {
	f.made = append(f.made, bucket)
	return nil
}

func (f *fakeObjectStore) PutObject(_ context.Context, bucket, object string, reader io.Reader, _ int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	if f.puts == nil {
		f.puts = map[string][]byte{}
	}
	f.puts[bucket+"/"+object] = data
	f.putOpts = opts
	return minio.UploadInfo{Bucket: bucket, Key: object, Size: int64(len(data))}, nil
}

func TestMirrorEnsureBucketCreatesMissing(t *testing.T) {
	store := &fakeObjectStore{}
	m := &Mirror{store: store, bucket: "atlas-runs"}

	if err := m.EnsureBucket(context.Background()); err != nil {
		t.Fatalf("EnsureBucket returned error: %v", err)
	}
	if len(store.made) != 1 || store.made[0] != "atlas-runs" {
		t.Fatalf("unexpected buckets created: %v", store.made)
	}

	store.made = nil
	store.exists = true
	if err := m.EnsureBucket(context.Background()); err != nil {
		t.Fatalf("EnsureBucket returned error: %v", err)
	}
	if len(store.made) != 0 {
		t.Fatalf("expected no bucket creation, got %v", store.made)
	}
}

func TestMirrorEnsureBucketPropagatesError(t *testing.T) {
	m := &Mirror{store: &fakeObjectStore{existsErr: errors.New("denied")}, bucket: "b"}
	if err := m.EnsureBucket(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestMirrorPutWritesJSONObject(t *testing.T) {
	store := &fakeObjectStore{}
	m := &Mirror{store: store, bucket: "atlas-runs"}
	at := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

	if err := m.Put(context.Background(), "rlog_1", at, Record{Slug: "debounce", Outcome: OutcomeSuccess, Passed: 1, Total: 1, Logs: []string{"ok"}}); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	data, ok := store.puts["atlas-runs/runs/debounce/rlog_1.json"]
	if !ok {
		t.Fatalf("object not written; have %v", store.puts)
	}
	if store.putOpts.ContentType != "application/json" {
		t.Fatalf("unexpected content type: %q", store.putOpts.ContentType)
	}
	var got struct {
		ID      string    `json:"id"`
		At      time.Time `json:"at"`
		Slug    string    `json:"slug"`
		Outcome string    `json:"outcome"`
		Logs    []string  `json:"logs"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode object: %v", err)
	}
	if got.ID != "rlog_1" || !got.At.Equal(at) || got.Slug != "debounce" || len(got.Logs) != 1 {
		t.Fatalf("unexpected object: %+v", got)
	}
}

func TestObjectKeySanitizesSlug(t *testing.T) {
	cases := map[string]string{
		"debounce":    "runs/debounce/id.json",
		"../../etc":   "runs/_.._etc/id.json",
		"a b/c":       "runs/a_b_c/id.json",
		"":            "runs/_/id.json",
		"...":         "runs/_/id.json",
		"深拷贝":         "runs/___/id.json",
		"Promise.all": "runs/Promise.all/id.json",
	}
	for slug, want := range cases {
		if got := ObjectKey(slug, "id"); got != want {
			t.Fatalf("ObjectKey(%q): got %q want %q", slug, got, want)
		}
	}
}

func TestMirrorConfigValidate(t *testing.T) {
	if (MirrorConfig{}).Enabled() {
		t.Fatal("empty config should be disabled")
	}
	if err := (MirrorConfig{Endpoint: "minio:9000"}).Validate(); err == nil {
		t.Fatal("expected missing bucket error")
	}
	if err := (MirrorConfig{Endpoint: "minio:9000", Bucket: "b"}).Validate(); err == nil {
		t.Fatal("expected missing credentials error")
	}
	if err := (MirrorConfig{Endpoint: "minio:9000", Bucket: "b", AccessKey: "k", SecretKey: "s"}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
