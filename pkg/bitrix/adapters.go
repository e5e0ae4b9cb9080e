package bitrix

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/captainmgc/bitsheetsync24-sub002/pkg/apperrors"
)

// Entity types handled by the registry.
const (
	EntityLeads        = "leads"
	EntityContacts     = "contacts"
	EntityCompanies    = "companies"
	EntityDeals        = "deals"
	EntityActivities   = "activities"
	EntityTasks        = "tasks"
	EntityTaskComments = "task_comments"
	EntityUsers        = "users"
	EntityDepartments  = "departments"
)

// Adapter describes every entity-specific quirk of the REST API as plain
// data: method names, ID/modified field names, the response envelope shape
// and the list filter. The scheduler and dispatcher never branch on entity
// type; they go through the descriptor.
type Adapter struct {
	EntityType    string
	ListMethod    string
	UpdateMethod  string
	UpdateIDParam string // name of the ID parameter on update calls
	IDField       string // response field carrying the entity ID
	FilterField   string // list-filter field for "modified after"; empty = full refetch
	ModifiedField string // response field carrying the modification time
	EnvelopeKey   string // non-empty when records are nested under this key
}

// The CRM entity family (leads/contacts/companies/deals) shares the flat
// upper-case shape; tasks answer camelCase records nested under a "tasks"
// key; departments expose no modified filter at all.
var registry = map[string]Adapter{
	EntityLeads: {
		EntityType:    EntityLeads,
		ListMethod:    "crm.lead.list",
		UpdateMethod:  "crm.lead.update",
		UpdateIDParam: "id",
		IDField:       "ID",
		FilterField:   "DATE_MODIFY",
		ModifiedField: "DATE_MODIFY",
	},
	EntityContacts: {
		EntityType:    EntityContacts,
		ListMethod:    "crm.contact.list",
		UpdateMethod:  "crm.contact.update",
		UpdateIDParam: "id",
		IDField:       "ID",
		FilterField:   "DATE_MODIFY",
		ModifiedField: "DATE_MODIFY",
	},
	EntityCompanies: {
		EntityType:    EntityCompanies,
		ListMethod:    "crm.company.list",
		UpdateMethod:  "crm.company.update",
		UpdateIDParam: "id",
		IDField:       "ID",
		FilterField:   "DATE_MODIFY",
		ModifiedField: "DATE_MODIFY",
	},
	EntityDeals: {
		EntityType:    EntityDeals,
		ListMethod:    "crm.deal.list",
		UpdateMethod:  "crm.deal.update",
		UpdateIDParam: "id",
		IDField:       "ID",
		FilterField:   "DATE_MODIFY",
		ModifiedField: "DATE_MODIFY",
	},
	EntityActivities: {
		EntityType:    EntityActivities,
		ListMethod:    "crm.activity.list",
		UpdateMethod:  "crm.activity.update",
		UpdateIDParam: "id",
		IDField:       "ID",
		FilterField:   "LAST_UPDATED",
		ModifiedField: "LAST_UPDATED",
	},
	EntityTasks: {
		EntityType:    EntityTasks,
		ListMethod:    "tasks.task.list",
		UpdateMethod:  "tasks.task.update",
		UpdateIDParam: "taskId",
		IDField:       "id",
		FilterField:   "CHANGED_DATE",
		ModifiedField: "changedDate",
		EnvelopeKey:   "tasks",
	},
	EntityTaskComments: {
		EntityType:    EntityTaskComments,
		ListMethod:    "task.commentitem.getlist",
		UpdateMethod:  "task.commentitem.update",
		UpdateIDParam: "ITEMID",
		IDField:       "ID",
		FilterField:   "POST_DATE",
		ModifiedField: "POST_DATE",
	},
	EntityUsers: {
		EntityType:    EntityUsers,
		ListMethod:    "user.get",
		UpdateMethod:  "user.update",
		UpdateIDParam: "ID",
		IDField:       "ID",
		FilterField:   "LAST_ACTIVITY_DATE",
		ModifiedField: "LAST_ACTIVITY_DATE",
	},
	EntityDepartments: {
		EntityType:    EntityDepartments,
		ListMethod:    "department.get",
		UpdateMethod:  "department.update",
		UpdateIDParam: "ID",
		IDField:       "ID",
	},
}

// EntityTypes returns all registered entity types in a stable order.
func EntityTypes() []string {
	return []string{
		EntityLeads, EntityContacts, EntityCompanies, EntityDeals,
		EntityActivities, EntityTasks, EntityTaskComments,
		EntityUsers, EntityDepartments,
	}
}

// ForEntity returns the adapter descriptor for an entity type. Unknown
// types fail fast with a configuration error.
func ForEntity(entityType string) (Adapter, error) {
	a, ok := registry[entityType]
	if !ok {
		return Adapter{}, fmt.Errorf("%w: %q", apperrors.ErrUnknownEntity, entityType)
	}
	return a, nil
}

// ListParams builds the "modified after watermark, page at offset" request.
// Entities without a filter field are always fetched in full; fingerprint
// idempotence downstream absorbs the re-reads.
func (a Adapter) ListParams(since time.Time, offset int) url.Values {
	v := url.Values{}
	v.Set("start", strconv.Itoa(offset))
	if a.FilterField != "" && !since.IsZero() {
		v.Set("filter[>"+a.FilterField+"]", since.Format(time.RFC3339))
	}
	if a.FilterField != "" {
		v.Set("order["+a.FilterField+"]", "ASC")
	}
	return v
}

// UpdateParams builds the update request for one entity.
func (a Adapter) UpdateParams(id string, fields map[string]string) url.Values {
	v := url.Values{}
	v.Set(a.UpdateIDParam, id)
	for field, value := range fields {
		v.Set("fields["+field+"]", value)
	}
	return v
}

// Normalize maps the heterogeneous list result into canonical records.
// A missing envelope key or an unparseable record fails the whole page; the
// caller must not advance the watermark past it.
func (a Adapter) Normalize(result json.RawMessage) ([]Record, error) {
	raw := result
	if a.EnvelopeKey != "" {
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(result, &envelope); err != nil {
			return nil, fmt.Errorf("%s: malformed result envelope: %w", a.EntityType, err)
		}
		nested, ok := envelope[a.EnvelopeKey]
		if !ok {
			return nil, fmt.Errorf("%s: result envelope missing %q key", a.EntityType, a.EnvelopeKey)
		}
		raw = nested
	}

	var items []map[string]any
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%s: malformed record list: %w", a.EntityType, err)
	}

	records := make([]Record, 0, len(items))
	for i, item := range items {
		id := stringField(item, a.IDField)
		if id == "" {
			return nil, fmt.Errorf("%s: record %d missing %q field", a.EntityType, i, a.IDField)
		}

		rec := Record{ID: id, Fields: item}
		if a.ModifiedField != "" {
			modified := stringField(item, a.ModifiedField)
			t, err := time.Parse(time.RFC3339, modified)
			if err != nil {
				return nil, fmt.Errorf("%s: record %s has unparseable %s %q: %w",
					a.EntityType, id, a.ModifiedField, modified, err)
			}
			rec.ModifiedAt = t
		}
		records = append(records, rec)
	}

	return records, nil
}

// stringField extracts a field as a string; JSON numbers are rendered
// without an exponent so numeric IDs round-trip.
func stringField(item map[string]any, field string) string {
	switch v := item[field].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}
