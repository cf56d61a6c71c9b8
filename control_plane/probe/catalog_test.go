package probe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/modelprobe/modelprobe/control_plane/store"
)

func syncTarget(t *testing.T, body string, status int) (*CatalogSyncer, *store.MemoryStore, *store.Channel, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("auth header = %q", got)
		}
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))

	s := store.NewMemoryStore()
	ch := s.AddChannel(&store.Channel{Name: "up", BaseURL: srv.URL, PrimaryAPIKey: "sk-test", Enabled: true})
	return NewCatalogSyncer(s), s, ch, srv.Close
}

func TestCatalogSyncOpenAIFormat(t *testing.T) {
	syncer, s, ch, closeSrv := syncTarget(t,
		`{"object":"list","data":[{"id":"gpt-4o"},{"id":"gpt-4o-mini"},{"id":""}]}`, 200)
	defer closeSrv()

	res, err := syncer.Sync(context.Background(), ch)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Added != 2 || res.Total != 2 {
		t.Errorf("result = %+v, want 2 added, 2 total", res)
	}

	// Second sync is a no-op: existing names are kept, never replaced.
	res, err = syncer.Sync(context.Background(), ch)
	if err != nil {
		t.Fatalf("resync: %v", err)
	}
	if res.Added != 0 || res.Total != 2 {
		t.Errorf("resync result = %+v, want 0 added", res)
	}

	models, _ := s.ListChannelModels(context.Background(), ch.ID)
	if len(models) != 2 {
		t.Errorf("models = %d", len(models))
	}
}

func TestCatalogSyncGoogleFormat(t *testing.T) {
	syncer, s, ch, closeSrv := syncTarget(t,
		`{"models":[{"name":"models/gemini-1.5-pro"},{"name":"gemini-1.5-flash"}]}`, 200)
	defer closeSrv()

	res, err := syncer.Sync(context.Background(), ch)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Added != 2 {
		t.Errorf("added = %d, want 2", res.Added)
	}

	models, _ := s.ListChannelModels(context.Background(), ch.ID)
	for _, m := range models {
		if m.ModelName == "models/gemini-1.5-pro" {
			t.Error("models/ prefix not stripped")
		}
	}
}

func TestCatalogSyncEmptyList(t *testing.T) {
	syncer, _, ch, closeSrv := syncTarget(t, `{"data":[]}`, 200)
	defer closeSrv()

	if _, err := syncer.Sync(context.Background(), ch); !errors.Is(err, ErrEmptyModelList) {
		t.Errorf("err = %v, want ErrEmptyModelList", err)
	}
}

func TestCatalogSyncUpstreamError(t *testing.T) {
	syncer, s, ch, closeSrv := syncTarget(t, `unauthorized`, 401)
	defer closeSrv()

	if _, err := syncer.Sync(context.Background(), ch); err == nil {
		t.Fatal("expected error on HTTP 401")
	}
	// A failed sync must not touch the local catalog.
	models, _ := s.ListChannelModels(context.Background(), ch.ID)
	if len(models) != 0 {
		t.Errorf("models = %d after failed sync, want 0", len(models))
	}
}
