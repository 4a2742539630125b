package marketplace

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/GoCodeAlone/exthost/manifest"
)

const testManifestYAML = `
module:
  id: client-management
  name: Client Management
  version: 1.2.0
compatibility:
  hostVersion: ">=1.0.0"
  runtimeVersion: ">=1.0.0"
permissions:
  required:
    - client.read
`

func bundleArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gzw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gzw)
	for name, content := range files {
		if err := tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(content)),
		}); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("write body: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := gzw.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return buf.Bytes()
}

func newTestServer(t *testing.T, bundle []byte) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/modules/client-management/1.2.0/manifest",
		func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(testManifestYAML))
		})
	mux.HandleFunc("/api/v1/modules/client-management/1.2.0/bundle",
		func(w http.ResponseWriter, _ *http.Request) {
			w.Write(bundle)
		})
	mux.HandleFunc("/api/v1/modules",
		func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(`[{"moduleId":"client-management","name":"Client Management","version":"1.2.0","category":"crm","tags":["clients"]}]`))
		})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchManifest(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil)
	c := NewHTTPClient(srv.URL)

	md, err := c.FetchManifest(context.Background(), "client-management", "1.2.0")
	if err != nil {
		t.Fatalf("FetchManifest: %v", err)
	}
	if md.ID != "client-management" || md.Version != "1.2.0" {
		t.Errorf("unexpected metadata: %+v", md)
	}
}

func TestFetchManifestNotFound(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil)
	c := NewHTTPClient(srv.URL)

	_, err := c.FetchManifest(context.Background(), "ghost", "1.0.0")
	if !errors.Is(err, ErrMarketplace) {
		t.Errorf("expected ErrMarketplace, got %v", err)
	}
}

func TestFetchManifestMalformed(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("{{{not yaml"))
	}))
	t.Cleanup(srv.Close)
	c := NewHTTPClient(srv.URL)

	_, err := c.FetchManifest(context.Background(), "broken", "1.0.0")
	if !errors.Is(err, manifest.ErrMalformedManifest) {
		t.Errorf("expected ErrMalformedManifest, got %v", err)
	}
}

func TestSearch(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil)
	c := NewHTTPClient(srv.URL)

	listings, err := c.Search(context.Background(), "client")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(listings) != 1 || listings[0].ModuleID != "client-management" {
		t.Errorf("unexpected listings: %+v", listings)
	}
}

func TestDownloadBundle(t *testing.T) {
	t.Parallel()
	bundle := bundleArchive(t, map[string]string{
		"module.yaml":             testManifestYAML,
		"migrations/001_init.sql": "CREATE TABLE clientmgmt_clients (id TEXT PRIMARY KEY);",
	})
	srv := newTestServer(t, bundle)
	c := NewHTTPClient(srv.URL)

	destDir := t.TempDir()
	moduleDir, err := DownloadBundle(context.Background(), c, "client-management", "1.2.0", destDir)
	if err != nil {
		t.Fatalf("DownloadBundle: %v", err)
	}

	if _, err := os.Stat(filepath.Join(moduleDir, "module.yaml")); err != nil {
		t.Errorf("module.yaml not extracted: %v", err)
	}
	if _, err := os.Stat(filepath.Join(moduleDir, "migrations", "001_init.sql")); err != nil {
		t.Errorf("migration not extracted: %v", err)
	}
}

func TestDownloadBundleTraversalRejected(t *testing.T) {
	t.Parallel()
	bundle := bundleArchive(t, map[string]string{
		"../escape.txt": "gotcha",
	})
	srv := newTestServer(t, bundle)
	c := NewHTTPClient(srv.URL)

	destDir := t.TempDir()
	_, err := DownloadBundle(context.Background(), c, "client-management", "1.2.0", destDir)
	if !errors.Is(err, ErrMarketplace) {
		t.Fatalf("expected ErrMarketplace for traversal entry, got %v", err)
	}

	// Nothing escaped, and the partial module dir is cleaned up.
	if _, err := os.Stat(filepath.Join(destDir, "escape.txt")); err == nil {
		t.Error("traversal entry was written outside the module directory")
	}
	if _, err := os.Stat(filepath.Join(destDir, "client-management")); !os.IsNotExist(err) {
		t.Error("partial module dir should be removed on failure")
	}
}
