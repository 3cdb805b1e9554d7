// Package board stores the posts, comments, likes, reports and notifications
// served by the development backend and publishes every committed change.
package board

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/lastbench/feedsync/internal/normalize"
	"github.com/lastbench/feedsync/internal/users"
)

const defaultReportThreshold = 10

var (
	ErrUnknownTable   = errors.New("board: unknown table")
	ErrInvalidQuery   = errors.New("board: invalid query")
	ErrInvalidPayload = errors.New("board: invalid payload")
	ErrForbidden      = errors.New("board: not permitted")
	ErrNotFound       = errors.New("board: row not found")
	ErrConflict       = errors.New("board: row already exists")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingProfiles   = errors.New("profile service is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "board.service.new"
	opList       = "board.list"
	opInsert     = "board.insert"
	opUpdate     = "board.update"
	opDelete     = "board.delete"
	opIncrement  = "board.increment"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Publisher receives every committed change.
type Publisher interface {
	Publish(change normalize.RawChange)
}

type ServiceConfig struct {
	Database        *gorm.DB
	Profiles        *users.Service
	Publisher       Publisher
	Clock           func() time.Time
	IDProvider      IDProvider
	ReportThreshold int
	Logger          *zap.Logger
}

type Service struct {
	db              *gorm.DB
	profiles        *users.Service
	publisher       Publisher
	clock           func() time.Time
	idProvider      IDProvider
	reportThreshold int64
	logger          *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Profiles == nil {
		return nil, newServiceError(opServiceNew, "missing_profiles", errMissingProfiles)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	threshold := cfg.ReportThreshold
	if threshold <= 0 {
		threshold = defaultReportThreshold
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:              cfg.Database,
		profiles:        cfg.Profiles,
		publisher:       cfg.Publisher,
		clock:           clock,
		idProvider:      cfg.IDProvider,
		reportThreshold: int64(threshold),
		logger:          logger,
	}, nil
}

// Query narrows and pages a table read. Column names are checked against the
// table before they reach SQL.
type Query struct {
	Equal  map[string]string
	In     map[string][]string
	Order  string
	Offset int
	Limit  int
}

// List reads rows with their joins attached.
func (s *Service) List(ctx context.Context, tableName string, query Query) ([]Row, error) {
	spec, err := lookupTable(tableName)
	if err != nil {
		return nil, newServiceError(opList, "unknown_table", err)
	}
	tx, err := s.scoped(s.db.WithContext(ctx), spec, query)
	if err != nil {
		s.logError(opList, "invalid_query", err, zap.String("table", tableName))
		return nil, newServiceError(opList, "invalid_query", err)
	}
	models, err := spec.find(tx)
	if err != nil {
		s.logError(opList, "query_failed", err, zap.String("table", tableName))
		return nil, newServiceError(opList, "query_failed", err)
	}
	rows := make([]Row, 0, len(models))
	for _, item := range models {
		rows = append(rows, item.row())
	}
	return s.attachJoins(ctx, tableName, rows)
}

// Insert stores payload on behalf of userID and returns the joined row.
// The owner column is always set to userID.
func (s *Service) Insert(ctx context.Context, tableName string, userID string, payload Row) (Row, error) {
	spec, err := lookupTable(tableName)
	if err != nil {
		return nil, newServiceError(opInsert, "unknown_table", err)
	}
	if userID == "" {
		return nil, newServiceError(opInsert, "forbidden", ErrForbidden)
	}
	values := make(Row, len(payload))
	for column, value := range payload {
		if !spec.writable[column] {
			return nil, newServiceError(opInsert, "invalid_payload", fmt.Errorf("%w: column %s is not writable", ErrInvalidPayload, column))
		}
		values[column] = value
	}
	values[spec.owner] = userID
	if err := validateInsert(tableName, values); err != nil {
		return nil, newServiceError(opInsert, "invalid_payload", err)
	}
	if id, _ := values["id"].(string); strings.TrimSpace(id) == "" {
		id, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opInsert, "id_generation_failed", err)
			return nil, newServiceError(opInsert, "id_generation_failed", err)
		}
		values["id"] = id
	}

	var created model
	var committed []normalize.RawChange
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.checkReferences(tx, tableName, values); err != nil {
			return err
		}
		item, err := spec.create(tx, values)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %v", ErrConflict, err)
			}
			return err
		}
		created = item
		committed = append(committed, s.change(tableName, "INSERT", item.row(), nil))
		notification, err := s.notifyOwner(tx, tableName, item)
		if err != nil {
			return err
		}
		if notification != nil {
			committed = append(committed, s.change("notifications", "INSERT", notification.row(), nil))
		}
		return nil
	})
	if err != nil {
		reason := reasonFor(err)
		s.logError(opInsert, reason, err, zap.String("table", tableName), zap.String("user_id", userID))
		return nil, newServiceError(opInsert, reason, err)
	}
	s.publish(committed...)

	rows, err := s.attachJoins(ctx, tableName, []Row{created.row()})
	if err != nil {
		return created.row(), nil
	}
	return rows[0], nil
}

// Update patches the row id owned by userID and reports how many rows changed.
func (s *Service) Update(ctx context.Context, tableName string, userID string, id string, patch Row) (int64, error) {
	spec, err := lookupTable(tableName)
	if err != nil {
		return 0, newServiceError(opUpdate, "unknown_table", err)
	}
	if userID == "" {
		return 0, newServiceError(opUpdate, "forbidden", ErrForbidden)
	}
	if len(patch) == 0 {
		return 0, newServiceError(opUpdate, "invalid_payload", fmt.Errorf("%w: empty patch", ErrInvalidPayload))
	}
	for column := range patch {
		if !spec.mutable[column] {
			return 0, newServiceError(opUpdate, "invalid_payload", fmt.Errorf("%w: column %s is not mutable", ErrInvalidPayload, column))
		}
	}

	var updated model
	var affected int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(spec.zero()).
			Where("id = ? AND "+spec.owner+" = ?", id, userID).
			Updates(map[string]interface{}(patch))
		if result.Error != nil {
			return result.Error
		}
		affected = result.RowsAffected
		if affected == 0 {
			return nil
		}
		item, err := spec.take(tx, id)
		if err != nil {
			return err
		}
		updated = item
		return nil
	})
	if err != nil {
		s.logError(opUpdate, "update_failed", err, zap.String("table", tableName), zap.String("record_id", id))
		return 0, newServiceError(opUpdate, "update_failed", err)
	}
	if updated != nil {
		s.publish(s.change(tableName, "UPDATE", updated.row(), nil))
	}
	return affected, nil
}

// Delete removes the row id owned by userID. Deleting a post removes its
// comments and likes with it. The published change carries the removed row.
func (s *Service) Delete(ctx context.Context, tableName string, userID string, id string) (int64, error) {
	spec, err := lookupTable(tableName)
	if err != nil {
		return 0, newServiceError(opDelete, "unknown_table", err)
	}
	if userID == "" {
		return 0, newServiceError(opDelete, "forbidden", ErrForbidden)
	}
	var deleted int64
	var previous Row
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		item, err := spec.take(tx.Where(spec.owner+" = ?", userID), id)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		result := tx.Where("id = ? AND "+spec.owner+" = ?", id, userID).Delete(spec.zero())
		if result.Error != nil {
			return result.Error
		}
		deleted = result.RowsAffected
		previous = item.row()
		if deleted > 0 && tableName == "posts" {
			return deletePostChildren(tx, id)
		}
		return nil
	})
	if err != nil {
		s.logError(opDelete, "delete_failed", err, zap.String("table", tableName), zap.String("record_id", id))
		return 0, newServiceError(opDelete, "delete_failed", err)
	}
	if deleted > 0 {
		s.publish(s.change(tableName, "DELETE", nil, previous))
	}
	return deleted, nil
}

// Increment atomically adds delta to a counter, never going below zero, and
// returns the new value. A post whose report counter reaches the threshold
// is deleted.
func (s *Service) Increment(ctx context.Context, tableName string, id string, column string, delta int) (int64, error) {
	spec, err := lookupTable(tableName)
	if err != nil {
		return 0, newServiceError(opIncrement, "unknown_table", err)
	}
	if !spec.counters[column] {
		return 0, newServiceError(opIncrement, "invalid_counter", fmt.Errorf("%w: %s is not a counter", ErrInvalidQuery, column))
	}

	var value int64
	var changes []normalize.RawChange
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(spec.zero()).
			Where("id = ?", id).
			UpdateColumn(column, gorm.Expr("MAX(0, "+column+" + ?)", delta))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: %s %s", ErrNotFound, tableName, id)
		}
		item, err := spec.take(tx, id)
		if err != nil {
			return err
		}
		row := item.row()
		value, _ = row[column].(int64)
		if tableName == "posts" && column == "reports_count" && value >= s.reportThreshold {
			if err := tx.Where("id = ?", id).Delete(&Post{}).Error; err != nil {
				return err
			}
			if err := deletePostChildren(tx, id); err != nil {
				return err
			}
			changes = append(changes, s.change(tableName, "DELETE", nil, row))
			return nil
		}
		changes = append(changes, s.change(tableName, "UPDATE", row, nil))
		return nil
	})
	if err != nil {
		reason := reasonFor(err)
		s.logError(opIncrement, reason, err, zap.String("table", tableName), zap.String("record_id", id), zap.String("column", column))
		return 0, newServiceError(opIncrement, reason, err)
	}
	s.publish(changes...)
	if len(changes) == 1 && changes[0].Kind == "DELETE" {
		s.logger.Info("post removed after reports", zap.String("post_id", id), zap.Int64("reports", value))
	}
	return value, nil
}

func (s *Service) scoped(tx *gorm.DB, spec table, query Query) (*gorm.DB, error) {
	tx = tx.Model(spec.zero())
	for column, value := range query.Equal {
		if !spec.columns[column] {
			return nil, fmt.Errorf("%w: cannot filter on %s", ErrInvalidQuery, column)
		}
		tx = tx.Where(column+" = ?", value)
	}
	for column, values := range query.In {
		if !spec.columns[column] {
			return nil, fmt.Errorf("%w: cannot filter on %s", ErrInvalidQuery, column)
		}
		tx = tx.Where(column+" IN ?", values)
	}
	order, err := orderClause(spec, query.Order)
	if err != nil {
		return nil, err
	}
	tx = tx.Order(order).Order("id desc")
	if query.Offset > 0 {
		tx = tx.Offset(query.Offset)
	}
	if query.Limit > 0 {
		tx = tx.Limit(query.Limit)
	}
	return tx, nil
}

// orderClause turns "column.asc" into SQL for a known column.
func orderClause(spec table, raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return spec.order, nil
	}
	column, direction, _ := strings.Cut(strings.TrimSpace(raw), ".")
	if !spec.columns[column] {
		return "", fmt.Errorf("%w: cannot order by %s", ErrInvalidQuery, column)
	}
	switch strings.ToLower(direction) {
	case "", "asc":
		return column + " asc", nil
	case "desc":
		return column + " desc", nil
	default:
		return "", fmt.Errorf("%w: order direction %s", ErrInvalidQuery, direction)
	}
}

func (s *Service) change(tableName string, kind string, row Row, old Row) normalize.RawChange {
	return normalize.RawChange{Table: tableName, Kind: kind, New: row, Old: old, CommitTime: s.clock().UTC()}
}

func (s *Service) publish(changes ...normalize.RawChange) {
	if s.publisher == nil {
		return
	}
	for _, change := range changes {
		s.publisher.Publish(change)
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("board service error", attrs...)
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	default:
		return "query_failed"
	}
}

func isUniqueViolation(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
