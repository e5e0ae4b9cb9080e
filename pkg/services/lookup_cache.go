package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/captainmgc/bitsheetsync24-sub002/pkg/apperrors"
	"github.com/captainmgc/bitsheetsync24-sub002/pkg/bitrix"
	"github.com/captainmgc/bitsheetsync24-sub002/pkg/models"
	"github.com/captainmgc/bitsheetsync24-sub002/pkg/repositories"
)

// statusEntityIDs maps our entity types to the dictionary IDs of the
// crm.status.list reference directory. Entities without a dictionary have
// no enum fields to resolve.
var statusEntityIDs = map[string]string{
	bitrix.EntityLeads:     "STATUS",
	bitrix.EntityDeals:     "DEAL_STAGE",
	bitrix.EntityContacts:  "CONTACT_TYPE",
	bitrix.EntityCompanies: "COMPANY_TYPE",
}

// LookupCache resolves opaque CRM status codes to display names and back.
// Reads go through an immutable in-memory snapshot swapped atomically on
// refresh, so resolution never blocks behind a refresh in progress.
// Postgres is the durable store; Redis, when configured, mirrors the
// snapshot for other processes.
type LookupCache struct {
	client bitrix.Caller
	repo   repositories.LookupValueRepository
	redis  *redis.Client
	logger *zap.Logger

	snapshot  atomic.Value // map[string]map[string]models.LookupValue, keyed entity type then code
	refreshMu sync.Mutex
}

// NewLookupCache creates a LookupCache with an empty snapshot. redisClient
// may be nil.
func NewLookupCache(client bitrix.Caller, repo repositories.LookupValueRepository, redisClient *redis.Client, logger *zap.Logger) *LookupCache {
	c := &LookupCache{
		client: client,
		repo:   repo,
		redis:  redisClient,
		logger: logger.Named("lookup_cache"),
	}
	c.snapshot.Store(map[string]map[string]models.LookupValue{})
	return c
}

// Warm loads the persisted lookup values into the snapshot. Called once at
// startup so resolution works before the first refresh.
func (c *LookupCache) Warm(ctx context.Context) error {
	values, err := c.repo.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to warm lookup cache: %w", err)
	}

	next := make(map[string]map[string]models.LookupValue)
	for _, v := range values {
		byCode, ok := next[v.EntityType]
		if !ok {
			byCode = make(map[string]models.LookupValue)
			next[v.EntityType] = byCode
		}
		byCode[v.StatusCode] = v
	}

	c.refreshMu.Lock()
	c.snapshot.Store(next)
	c.refreshMu.Unlock()

	c.logger.Info("lookup cache warmed", zap.Int("values", len(values)))
	return nil
}

// Resolve returns the display value for a status code. A code absent from
// the cache resolves to itself so display never fails on a stale cache.
func (c *LookupCache) Resolve(entityType, code string) models.LookupValue {
	if byCode, ok := c.current()[entityType]; ok {
		if v, ok := byCode[code]; ok {
			return v
		}
	}
	return models.LookupValue{EntityType: entityType, StatusCode: code, Name: code}
}

// ResolveName performs the reverse lookup: display name to status code.
// Matching is case-insensitive on the exact name.
func (c *LookupCache) ResolveName(entityType, name string) (string, bool) {
	byCode, ok := c.current()[entityType]
	if !ok {
		return "", false
	}
	for code, v := range byCode {
		if strings.EqualFold(v.Name, name) {
			return code, true
		}
	}
	return "", false
}

// Values returns the cached values for an entity type sorted by code.
func (c *LookupCache) Values(entityType string) []models.LookupValue {
	byCode, ok := c.current()[entityType]
	if !ok {
		return nil
	}
	values := make([]models.LookupValue, 0, len(byCode))
	for _, v := range byCode {
		values = append(values, v)
	}
	sort.Slice(values, func(i, j int) bool { return values[i].StatusCode < values[j].StatusCode })
	return values
}

// statusItem is the wire shape of one crm.status.list record.
type statusItem struct {
	StatusID  string `json:"STATUS_ID"`
	Name      string `json:"NAME"`
	Color     string `json:"COLOR"`
	Semantics string `json:"SEMANTICS"`
}

// Refresh re-fetches the status dictionary for one entity type from the CRM,
// persists it and swaps the snapshot. Entities without a status dictionary
// are an unknown-entity error.
func (c *LookupCache) Refresh(ctx context.Context, entityType string) error {
	dictionaryID, ok := statusEntityIDs[entityType]
	if !ok {
		return fmt.Errorf("%w: no status dictionary for %q", apperrors.ErrUnknownEntity, entityType)
	}

	params := url.Values{}
	params.Set("filter[ENTITY_ID]", dictionaryID)
	res, err := c.client.Call(ctx, "crm.status.list", params)
	if err != nil {
		return fmt.Errorf("failed to fetch status dictionary %s: %w", dictionaryID, err)
	}

	var items []statusItem
	if err := json.Unmarshal(res.Result, &items); err != nil {
		return fmt.Errorf("malformed status dictionary %s: %w", dictionaryID, err)
	}

	now := time.Now()
	values := make([]models.LookupValue, 0, len(items))
	for _, item := range items {
		values = append(values, models.LookupValue{
			EntityType:  entityType,
			StatusCode:  item.StatusID,
			Name:        item.Name,
			Color:       item.Color,
			Semantics:   item.Semantics,
			RefreshedAt: now,
		})
	}

	if err := c.repo.ReplaceAll(ctx, entityType, values); err != nil {
		return err
	}
	c.swap(entityType, values)
	c.mirror(ctx, entityType, values)

	c.logger.Info("lookup cache refreshed",
		zap.String("entity_type", entityType),
		zap.Int("values", len(values)))
	return nil
}

// RefreshAll refreshes every entity type that has a status dictionary.
func (c *LookupCache) RefreshAll(ctx context.Context) error {
	for entityType := range statusEntityIDs {
		if err := c.Refresh(ctx, entityType); err != nil {
			return err
		}
	}
	return nil
}

func (c *LookupCache) current() map[string]map[string]models.LookupValue {
	return c.snapshot.Load().(map[string]map[string]models.LookupValue)
}

// swap replaces one entity's values in a copied snapshot. Readers keep the
// old map until the store completes.
func (c *LookupCache) swap(entityType string, values []models.LookupValue) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	old := c.current()
	next := make(map[string]map[string]models.LookupValue, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	byCode := make(map[string]models.LookupValue, len(values))
	for _, v := range values {
		byCode[v.StatusCode] = v
	}
	next[entityType] = byCode
	c.snapshot.Store(next)
}

// mirror pushes the refreshed values to Redis for sibling processes. Mirror
// failures are logged, not propagated; Postgres remains authoritative.
func (c *LookupCache) mirror(ctx context.Context, entityType string, values []models.LookupValue) {
	if c.redis == nil {
		return
	}

	key := "lookup:" + entityType
	pipe := c.redis.Pipeline()
	pipe.Del(ctx, key)
	for _, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			continue
		}
		pipe.HSet(ctx, key, v.StatusCode, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("failed to mirror lookup values to redis",
			zap.String("entity_type", entityType), zap.Error(err))
	}
}
