package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dimagi/casecore/internal/store/schema"
)

const (
	keySchemaVersion = "schema_version"

	// maxInClause bounds the number of values bound into a single IN (...) list
	maxInClause = 500
)

type pgStore struct {
	db *gorm.DB
}

// NewPGStore creates a new store on top of a gorm connection.
// The store runs on PostgreSQL in production and on SQLite in tests and local tooling;
// PostgreSQL additionally takes transaction scoped advisory locks per case.
func NewPGStore(db *gorm.DB) Store {
	return &pgStore{db: db}
}

// ConfigureConnectionPool configures the connection pool settings for a GORM database connection.
// If any of the pool settings are 0, the defaults of NormalizeConnectionPoolSettings are used.
func ConfigureConnectionPool(db *gorm.DB, maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	maxOpenConns, maxIdleConns, connMaxLifetime, connMaxIdleTime =
		NormalizeConnectionPoolSettings(maxOpenConns, maxIdleConns, connMaxLifetime, connMaxIdleTime)

	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)
	sqlDB.SetConnMaxIdleTime(connMaxIdleTime)

	return nil
}

// NormalizeConnectionPoolSettings applies defaults and clamps pool settings into safe values.
//
// Defaults (when zero):
//   - MaxOpenConns: 20
//   - MaxIdleConns: 5
//   - ConnMaxLifetime: 5 minutes
//   - ConnMaxIdleTime: 10 minutes
func NormalizeConnectionPoolSettings(maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) (int, int, time.Duration, time.Duration) {
	if maxOpenConns == 0 {
		maxOpenConns = 20
	}
	if maxIdleConns == 0 {
		maxIdleConns = 5
	}
	if connMaxLifetime == 0 {
		connMaxLifetime = 5 * time.Minute
	}
	if connMaxIdleTime == 0 {
		connMaxIdleTime = 10 * time.Minute
	}

	// Ensure MaxIdleConns doesn't exceed MaxOpenConns
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}

	return maxOpenConns, maxIdleConns, connMaxLifetime, connMaxIdleTime
}

// Migrate creates or updates the schema and records the schema version
func (s *pgStore) Migrate(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	if err := db.AutoMigrate(schema.Models()...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	if err := s.SetKeyValue(ctx, keySchemaVersion, strconv.Itoa(SchemaVersion)); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}

	return nil
}

// GetSchemaVersion returns the recorded schema version, 0 when never migrated
func (s *pgStore) GetSchemaVersion(ctx context.Context) (int, error) {
	if !s.db.WithContext(ctx).Migrator().HasTable(&schema.KeyValueStore{}) {
		return 0, nil
	}

	value, err := s.GetKeyValue(ctx, keySchemaVersion)
	if err != nil {
		return 0, err
	}
	if value == "" {
		return 0, nil
	}

	version, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("failed to parse schema version: %w", err)
	}

	return version, nil
}

// lockKeys takes transaction scoped advisory locks on PostgreSQL, in sorted order.
// Other dialects rely on the in-process keyed lock of the caller.
func lockKeys(tx *gorm.DB, keys ...string) error {
	if tx.Dialector.Name() != "postgres" {
		return nil
	}

	for _, key := range uniqueSorted(keys) {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", key).Error; err != nil {
			return fmt.Errorf("failed to acquire advisory lock %s: %w", key, err)
		}
	}

	return nil
}

// CaseLockKey returns the lock key serializing writes to a case
func CaseLockKey(caseID string) string {
	return "case:" + caseID
}

// DeviceLockKey returns the lock key serializing checkpoint writes of a device
func DeviceLockKey(deviceID string) string {
	return "device:" + deviceID
}

func caseLockKeys(caseIDs []string) []string {
	keys := make([]string, 0, len(caseIDs))
	for _, id := range caseIDs {
		keys = append(keys, CaseLockKey(id))
	}
	return keys
}

// writeJournal appends change journal entries in the caller's transaction
func writeJournal(tx *gorm.DB, entries []schema.ChangesJournal) error {
	if len(entries) == 0 {
		return nil
	}

	if err := tx.Create(&entries).Error; err != nil {
		return fmt.Errorf("failed to create change journal: %w", err)
	}

	return nil
}

func journalEntry(domainName string, subjectType schema.SubjectType, subjectID string, at time.Time, meta interface{}) (schema.ChangesJournal, error) {
	entry := schema.ChangesJournal{
		Domain:      domainName,
		SubjectType: subjectType,
		SubjectID:   subjectID,
		ChangedAt:   at,
	}

	if meta != nil {
		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return entry, fmt.Errorf("failed to marshal change journal meta: %w", err)
		}
		entry.Meta = metaJSON
	}

	return entry, nil
}

// ensureCases creates missing case rows and marks every given case dirty
func ensureCases(tx *gorm.DB, domainName string, caseIDs []string, at time.Time) error {
	for _, id := range caseIDs {
		row := schema.Case{
			ID:               id,
			Domain:           domainName,
			Dirty:            true,
			ServerModifiedOn: at,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoNothing: true,
		}).Create(&row).Error; err != nil {
			return fmt.Errorf("failed to create case %s: %w", id, err)
		}
	}

	return markCasesDirty(tx, caseIDs, at)
}

func markCasesDirty(tx *gorm.DB, caseIDs []string, at time.Time) error {
	for _, chunk := range chunkStrings(caseIDs, maxInClause) {
		if err := tx.Model(&schema.Case{}).
			Where("id IN ?", chunk).
			Updates(map[string]interface{}{
				"dirty":              true,
				"server_modified_on": at,
			}).Error; err != nil {
			return fmt.Errorf("failed to mark cases dirty: %w", err)
		}
	}
	return nil
}

// invalidateOwners stamps invalidated_at on the cleanliness flags of the owners, creating missing flags
func invalidateOwners(tx *gorm.DB, domainName string, ownerIDs []string, at time.Time) error {
	owners := uniqueSorted(ownerIDs)
	if len(owners) == 0 {
		return nil
	}

	flags := make([]schema.CleanlinessFlag, 0, len(owners))
	for _, owner := range owners {
		flags = append(flags, schema.CleanlinessFlag{
			Domain:        domainName,
			OwnerID:       owner,
			InvalidatedAt: &at,
		})
	}

	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "domain"}, {Name: "owner_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"invalidated_at", "updated_at"}),
	}).Create(&flags).Error; err != nil {
		return fmt.Errorf("failed to invalidate cleanliness flags: %w", err)
	}

	return nil
}

// ownersOfCases returns the distinct non-empty owners of the given cases
func ownersOfCases(tx *gorm.DB, caseIDs []string) ([]string, error) {
	var owners []string
	for _, chunk := range chunkStrings(uniqueSorted(caseIDs), maxInClause) {
		var part []string
		if err := tx.Model(&schema.Case{}).
			Where("id IN ? AND owner_id <> ''", chunk).
			Distinct().
			Pluck("owner_id", &part).Error; err != nil {
			return nil, fmt.Errorf("failed to get case owners: %w", err)
		}
		owners = append(owners, part...)
	}
	return uniqueSorted(owners), nil
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// uniqueSorted returns the sorted distinct non-empty values
func uniqueSorted(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func chunkStrings(values []string, size int) [][]string {
	if len(values) == 0 {
		return nil
	}

	chunks := make([][]string, 0, (len(values)+size-1)/size)
	for start := 0; start < len(values); start += size {
		end := min(start+size, len(values))
		chunks = append(chunks, values[start:end])
	}
	return chunks
}
