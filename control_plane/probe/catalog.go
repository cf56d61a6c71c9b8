package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/modelprobe/modelprobe/control_plane/store"
)

// ErrEmptyModelList is returned when an upstream answers the model-list
// request but advertises nothing usable.
var ErrEmptyModelList = errors.New("empty model list")

// SyncResult summarizes one channel's catalog reconciliation.
type SyncResult struct {
	ChannelID int64 `json:"channel_id"`
	Added     int   `json:"added"`
	Total     int   `json:"total"`
}

// CatalogSyncer pulls the upstream model list and reconciles the local
// model entities. It adds missing entries and never deletes.
type CatalogSyncer struct {
	store store.Store
	cache *clientCache
}

// NewCatalogSyncer creates a syncer sharing the executor's proxy rules.
func NewCatalogSyncer(s store.Store) *CatalogSyncer {
	return &CatalogSyncer{store: s, cache: newClientCache()}
}

// Sync fetches GET {baseUrl}/v1/models for the channel and inserts any
// model names not yet known locally.
func (c *CatalogSyncer) Sync(ctx context.Context, ch *store.Channel) (*SyncResult, error) {
	names, err := c.fetchModelNames(ctx, ch)
	if err != nil {
		return nil, err
	}
	added, err := c.store.ReplaceOrAddModels(ctx, ch.ID, names)
	if err != nil {
		return nil, err
	}
	models, err := c.store.ListModelsForSync(ctx, ch.ID)
	if err != nil {
		return nil, err
	}
	return &SyncResult{ChannelID: ch.ID, Added: added, Total: len(models)}, nil
}

func (c *CatalogSyncer) fetchModelNames(ctx context.Context, ch *store.Channel) ([]string, error) {
	client, err := c.cache.get(ch.ProxyURL)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	url := strings.TrimSuffix(ch.BaseURL, "/") + "/v1/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+ch.PrimaryAPIKey)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyRead))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("model list returned HTTP %d: %s", resp.StatusCode, truncate(body, 512))
	}

	// OpenAI-style {data:[{id}]} or Google-style {models:[{name}]}.
	var parsed struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, ErrEmptyModelList
	}

	var names []string
	for _, d := range parsed.Data {
		if d.ID != "" {
			names = append(names, d.ID)
		}
	}
	for _, m := range parsed.Models {
		// Google prefixes names with "models/".
		name := strings.TrimPrefix(m.Name, "models/")
		if name != "" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil, ErrEmptyModelList
	}
	return names, nil
}
