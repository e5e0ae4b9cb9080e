package services

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/captainmgc/bitsheetsync24-sub002/pkg/models"
	"github.com/captainmgc/bitsheetsync24-sub002/pkg/repositories"
)

// FieldMappingService resolves spreadsheet headers to CRM fields and
// manages manual corrections.
type FieldMappingService interface {
	// Detect scores the given header row against the entity vocabulary and
	// persists one mapping per column. Manual mappings survive re-detection
	// untouched.
	Detect(ctx context.Context, configID uuid.UUID, headers []string) ([]*models.FieldMapping, error)
	// Correct applies an operator override to one mapping.
	Correct(ctx context.Context, mappingID uuid.UUID, targetField string, updatable bool) (*models.FieldMapping, error)
	List(ctx context.Context, configID uuid.UUID) ([]*models.FieldMapping, error)
	// EnumOptions returns the display names available for an enum field of
	// an entity type, for surfacing alongside mappings.
	EnumOptions(entityType string) []models.LookupValue
}

type fieldMappingService struct {
	mappings  repositories.FieldMappingRepository
	configs   repositories.SyncConfigRepository
	lookups   *LookupCache
	threshold float64
	logger    *zap.Logger
}

// NewFieldMappingService creates a new FieldMappingService. threshold is the
// minimum confidence for a detected mapping to be accepted; columns scoring
// below it are stored as unmapped.
func NewFieldMappingService(
	mappings repositories.FieldMappingRepository,
	configs repositories.SyncConfigRepository,
	lookups *LookupCache,
	threshold float64,
	logger *zap.Logger,
) FieldMappingService {
	return &fieldMappingService{
		mappings:  mappings,
		configs:   configs,
		lookups:   lookups,
		threshold: threshold,
		logger:    logger.Named("field_mapping"),
	}
}

var _ FieldMappingService = (*fieldMappingService)(nil)

func (s *fieldMappingService) Detect(ctx context.Context, configID uuid.UUID, headers []string) ([]*models.FieldMapping, error) {
	cfg, err := s.configs.GetByID(ctx, configID)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", configID, err)
	}

	entries := vocabularyFor(cfg.EntityType)
	results := make([]*models.FieldMapping, 0, len(headers))
	claimed := make(map[string]int) // target field -> column index that won it

	for i, header := range headers {
		entry, score := bestMatch(header, entries)

		m := &models.FieldMapping{
			ConfigID:    configID,
			ColumnIndex: i,
			ColumnName:  header,
			Confidence:  score,
		}
		switch {
		case score < s.threshold:
			m.Unmapped = true
		default:
			if prev, taken := claimed[entry.Field]; taken {
				// Two headers resolving to the same field: first one wins,
				// the duplicate stays unmapped.
				s.logger.Warn("duplicate header match",
					zap.String("field", entry.Field),
					zap.Int("winner_column", prev),
					zap.Int("column", i))
				m.Unmapped = true
			} else {
				claimed[entry.Field] = i
				m.TargetField = entry.Field
				m.ValueType = entry.Type
				m.Updatable = entry.Updatable
			}
		}
		if m.ValueType == "" {
			m.ValueType = models.FieldTypeString
		}

		if err := s.mappings.UpsertDetected(ctx, m); err != nil {
			return nil, fmt.Errorf("failed to store mapping for column %d: %w", i, err)
		}
		results = append(results, m)
	}

	s.logger.Info("header detection completed",
		zap.String("config_id", configID.String()),
		zap.String("entity_type", cfg.EntityType),
		zap.Int("columns", len(headers)),
		zap.Int("mapped", len(claimed)))

	return results, nil
}

func (s *fieldMappingService) Correct(ctx context.Context, mappingID uuid.UUID, targetField string, updatable bool) (*models.FieldMapping, error) {
	existing, err := s.mappings.GetByID(ctx, mappingID)
	if err != nil {
		return nil, err
	}

	cfg, err := s.configs.GetByID(ctx, existing.ConfigID)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", existing.ConfigID, err)
	}

	valueType := existing.ValueType
	for _, entry := range vocabularyFor(cfg.EntityType) {
		if strings.EqualFold(entry.Field, targetField) {
			targetField = entry.Field
			valueType = entry.Type
			break
		}
	}

	return s.mappings.Correct(ctx, mappingID, targetField, valueType, updatable)
}

func (s *fieldMappingService) List(ctx context.Context, configID uuid.UUID) ([]*models.FieldMapping, error) {
	return s.mappings.ListByConfig(ctx, configID)
}

func (s *fieldMappingService) EnumOptions(entityType string) []models.LookupValue {
	return s.lookups.Values(entityType)
}

// bestMatch scores a header against every alias of every vocabulary entry
// and returns the best-scoring entry.
func bestMatch(header string, entries []VocabularyEntry) (VocabularyEntry, float64) {
	normalized := normalizeHeader(header)
	if normalized == "" {
		return VocabularyEntry{}, 0
	}

	var best VocabularyEntry
	var bestScore float64
	for _, entry := range entries {
		score := similarity(normalized, normalizeHeader(entry.Field))
		for _, alias := range entry.Aliases {
			if s := similarity(normalized, alias); s > score {
				score = s
			}
		}
		if score > bestScore {
			best, bestScore = entry, score
		}
	}
	return best, bestScore
}

// similarity is 1 minus the normalized edit distance, in [0, 1].
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > longest {
		longest = n
	}
	if longest == 0 {
		return 0
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(longest)
}

// normalizeHeader lower-cases and collapses separators so "Last_Name",
// "last-name" and "Last Name" all compare equal.
func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.NewReplacer("_", " ", "-", " ").Replace(h)
	return strings.Join(strings.Fields(h), " ")
}
