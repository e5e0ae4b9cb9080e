package services

import (
	"github.com/captainmgc/bitsheetsync24-sub002/pkg/bitrix"
	"github.com/captainmgc/bitsheetsync24-sub002/pkg/models"
)

// VocabularyEntry declares one mappable CRM field: its value type, whether
// the dispatcher may push it back, and the spreadsheet header aliases it is
// recognized by. Portals run in mixed English/Russian, so both alias sets
// are carried.
type VocabularyEntry struct {
	Field     string
	Type      models.FieldType
	Updatable bool
	Aliases   []string
}

// idEntry recognizes the column carrying the CRM entity ID. It is never
// updatable; the processor uses it to resolve which record an edited row
// belongs to.
func idEntry(field string) VocabularyEntry {
	return VocabularyEntry{
		Field:   field,
		Type:    models.FieldTypeNumber,
		Aliases: []string{"id", "crm id", "record id", "ид", "номер"},
	}
}

var crmPersonEntries = []VocabularyEntry{
	{Field: "NAME", Type: models.FieldTypeString, Updatable: true,
		Aliases: []string{"name", "first name", "имя"}},
	{Field: "LAST_NAME", Type: models.FieldTypeString, Updatable: true,
		Aliases: []string{"last name", "surname", "фамилия"}},
	{Field: "EMAIL", Type: models.FieldTypeString, Updatable: true,
		Aliases: []string{"email", "e-mail", "mail", "почта"}},
	{Field: "PHONE", Type: models.FieldTypeString, Updatable: true,
		Aliases: []string{"phone", "tel", "telephone", "телефон"}},
	{Field: "COMMENTS", Type: models.FieldTypeString, Updatable: true,
		Aliases: []string{"comment", "comments", "note", "notes", "комментарий"}},
	{Field: "ASSIGNED_BY_ID", Type: models.FieldTypeNumber, Updatable: true,
		Aliases: []string{"assigned", "responsible", "owner", "ответственный"}},
	{Field: "DATE_CREATE", Type: models.FieldTypeDate,
		Aliases: []string{"created", "created at", "creation date", "дата создания"}},
	{Field: "DATE_MODIFY", Type: models.FieldTypeDate,
		Aliases: []string{"modified", "updated", "last modified", "дата изменения"}},
}

// vocabulary maps each entity type to its recognized fields.
var vocabulary = map[string][]VocabularyEntry{
	bitrix.EntityLeads: append([]VocabularyEntry{
		idEntry("ID"),
		{Field: "TITLE", Type: models.FieldTypeString, Updatable: true,
			Aliases: []string{"title", "lead", "subject", "название", "заголовок"}},
		{Field: "STATUS_ID", Type: models.FieldTypeEnum, Updatable: true,
			Aliases: []string{"status", "stage", "статус", "стадия"}},
		{Field: "SOURCE_ID", Type: models.FieldTypeEnum, Updatable: true,
			Aliases: []string{"source", "источник"}},
		{Field: "OPPORTUNITY", Type: models.FieldTypeNumber, Updatable: true,
			Aliases: []string{"amount", "opportunity", "sum", "budget", "сумма", "бюджет"}},
		{Field: "OPENED", Type: models.FieldTypeBoolean, Updatable: true,
			Aliases: []string{"open", "opened", "available to all", "открыт"}},
	}, crmPersonEntries...),

	bitrix.EntityContacts: append([]VocabularyEntry{
		idEntry("ID"),
		{Field: "POST", Type: models.FieldTypeString, Updatable: true,
			Aliases: []string{"position", "post", "job title", "должность"}},
		{Field: "TYPE_ID", Type: models.FieldTypeEnum, Updatable: true,
			Aliases: []string{"type", "contact type", "тип"}},
		{Field: "COMPANY_ID", Type: models.FieldTypeNumber, Updatable: true,
			Aliases: []string{"company", "company id", "компания"}},
		{Field: "BIRTHDATE", Type: models.FieldTypeDate, Updatable: true,
			Aliases: []string{"birthday", "birthdate", "date of birth", "дата рождения"}},
	}, crmPersonEntries...),

	bitrix.EntityCompanies: {
		idEntry("ID"),
		{Field: "TITLE", Type: models.FieldTypeString, Updatable: true,
			Aliases: []string{"title", "company", "company name", "name", "название", "компания"}},
		{Field: "COMPANY_TYPE", Type: models.FieldTypeEnum, Updatable: true,
			Aliases: []string{"type", "company type", "тип"}},
		{Field: "INDUSTRY", Type: models.FieldTypeEnum, Updatable: true,
			Aliases: []string{"industry", "отрасль"}},
		{Field: "REVENUE", Type: models.FieldTypeNumber, Updatable: true,
			Aliases: []string{"revenue", "annual revenue", "выручка", "оборот"}},
		{Field: "EMAIL", Type: models.FieldTypeString, Updatable: true,
			Aliases: []string{"email", "e-mail", "почта"}},
		{Field: "PHONE", Type: models.FieldTypeString, Updatable: true,
			Aliases: []string{"phone", "tel", "телефон"}},
		{Field: "ASSIGNED_BY_ID", Type: models.FieldTypeNumber, Updatable: true,
			Aliases: []string{"assigned", "responsible", "ответственный"}},
		{Field: "DATE_MODIFY", Type: models.FieldTypeDate,
			Aliases: []string{"modified", "updated", "дата изменения"}},
	},

	bitrix.EntityDeals: {
		idEntry("ID"),
		{Field: "TITLE", Type: models.FieldTypeString, Updatable: true,
			Aliases: []string{"title", "deal", "deal name", "название", "сделка"}},
		{Field: "STAGE_ID", Type: models.FieldTypeEnum, Updatable: true,
			Aliases: []string{"stage", "status", "стадия", "статус"}},
		{Field: "OPPORTUNITY", Type: models.FieldTypeNumber, Updatable: true,
			Aliases: []string{"amount", "opportunity", "sum", "сумма"}},
		{Field: "PROBABILITY", Type: models.FieldTypeNumber, Updatable: true,
			Aliases: []string{"probability", "вероятность"}},
		{Field: "COMPANY_ID", Type: models.FieldTypeNumber, Updatable: true,
			Aliases: []string{"company", "компания"}},
		{Field: "CONTACT_ID", Type: models.FieldTypeNumber, Updatable: true,
			Aliases: []string{"contact", "контакт"}},
		{Field: "CLOSEDATE", Type: models.FieldTypeDate, Updatable: true,
			Aliases: []string{"close date", "closing date", "дата закрытия"}},
		{Field: "CLOSED", Type: models.FieldTypeBoolean, Updatable: true,
			Aliases: []string{"closed", "closed?", "закрыта"}},
		{Field: "ASSIGNED_BY_ID", Type: models.FieldTypeNumber, Updatable: true,
			Aliases: []string{"assigned", "responsible", "ответственный"}},
	},

	bitrix.EntityActivities: {
		idEntry("ID"),
		{Field: "SUBJECT", Type: models.FieldTypeString, Updatable: true,
			Aliases: []string{"subject", "title", "тема"}},
		{Field: "DESCRIPTION", Type: models.FieldTypeString, Updatable: true,
			Aliases: []string{"description", "описание"}},
		{Field: "COMPLETED", Type: models.FieldTypeBoolean, Updatable: true,
			Aliases: []string{"completed", "done", "завершено"}},
		{Field: "RESPONSIBLE_ID", Type: models.FieldTypeNumber, Updatable: true,
			Aliases: []string{"responsible", "assigned", "ответственный"}},
		{Field: "LAST_UPDATED", Type: models.FieldTypeDate,
			Aliases: []string{"updated", "modified", "обновлено"}},
	},

	bitrix.EntityTasks: {
		idEntry("id"),
		{Field: "title", Type: models.FieldTypeString, Updatable: true,
			Aliases: []string{"title", "task", "название", "задача"}},
		{Field: "description", Type: models.FieldTypeString, Updatable: true,
			Aliases: []string{"description", "описание"}},
		{Field: "responsibleId", Type: models.FieldTypeNumber, Updatable: true,
			Aliases: []string{"responsible", "assignee", "ответственный", "исполнитель"}},
		{Field: "deadline", Type: models.FieldTypeDate, Updatable: true,
			Aliases: []string{"deadline", "due", "due date", "крайний срок", "срок"}},
		{Field: "priority", Type: models.FieldTypeEnum, Updatable: true,
			Aliases: []string{"priority", "приоритет"}},
		{Field: "status", Type: models.FieldTypeEnum, Updatable: true,
			Aliases: []string{"status", "статус"}},
		{Field: "changedDate", Type: models.FieldTypeDate,
			Aliases: []string{"changed", "modified", "изменено"}},
	},

	bitrix.EntityTaskComments: {
		idEntry("ID"),
		{Field: "POST_MESSAGE", Type: models.FieldTypeString, Updatable: true,
			Aliases: []string{"comment", "message", "text", "комментарий", "сообщение"}},
		{Field: "AUTHOR_ID", Type: models.FieldTypeNumber,
			Aliases: []string{"author", "автор"}},
		{Field: "POST_DATE", Type: models.FieldTypeDate,
			Aliases: []string{"posted", "date", "дата"}},
	},

	bitrix.EntityUsers: {
		idEntry("ID"),
		{Field: "NAME", Type: models.FieldTypeString, Updatable: true,
			Aliases: []string{"name", "first name", "имя"}},
		{Field: "LAST_NAME", Type: models.FieldTypeString, Updatable: true,
			Aliases: []string{"last name", "surname", "фамилия"}},
		{Field: "EMAIL", Type: models.FieldTypeString,
			Aliases: []string{"email", "e-mail", "почта"}},
		{Field: "WORK_POSITION", Type: models.FieldTypeString, Updatable: true,
			Aliases: []string{"position", "job title", "должность"}},
		{Field: "ACTIVE", Type: models.FieldTypeBoolean,
			Aliases: []string{"active", "активен"}},
	},

	bitrix.EntityDepartments: {
		idEntry("ID"),
		{Field: "NAME", Type: models.FieldTypeString, Updatable: true,
			Aliases: []string{"name", "department", "название", "отдел"}},
		{Field: "SORT", Type: models.FieldTypeNumber, Updatable: true,
			Aliases: []string{"sort", "order", "сортировка"}},
		{Field: "PARENT", Type: models.FieldTypeNumber, Updatable: true,
			Aliases: []string{"parent", "parent department", "родитель"}},
	},
}

// vocabularyFor returns the recognized fields for an entity type. Unknown
// types get only the ID entry so detection degrades instead of erroring.
func vocabularyFor(entityType string) []VocabularyEntry {
	if entries, ok := vocabulary[entityType]; ok {
		return entries
	}
	return []VocabularyEntry{idEntry("ID")}
}
