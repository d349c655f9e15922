package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DocumentRow is the relational row behind one document.
type DocumentRow struct {
	Collection string    `gorm:"primaryKey;type:varchar(191)" json:"collection"`
	DocID      string    `gorm:"primaryKey;column:doc_id;type:varchar(191)" json:"doc_id"`
	Data       string    `gorm:"type:json;not null" json:"data"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (DocumentRow) TableName() string { return "documents" }

// GormStore persists documents as JSON rows. Server timestamps come from
// the database clock. Live queries are served from an in-process change
// feed, so they only observe writes made through this process.
type GormStore struct {
	db    *gorm.DB
	clock *Clock
	feed  *feed
}

// NewGormStore migrates the documents table and returns a store on db.
func NewGormStore(db *gorm.DB, logger *zap.Logger) (*GormStore, error) {
	if err := db.AutoMigrate(&DocumentRow{}); err != nil {
		return nil, fmt.Errorf("migrate documents: %w", err)
	}
	s := &GormStore{db: db, clock: NewClock(nil)}
	s.feed = newFeed(s.Find, logger)
	return s, nil
}

func (s *GormStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	var row DocumentRow
	err := s.db.WithContext(ctx).
		Where("collection = ? AND doc_id = ?", collection, id).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	return row.document()
}

// Find loads the collection and filters it in process; the filter
// operators map to JSON functions that differ between SQL dialects.
func (s *GormStore) Find(ctx context.Context, q Query) ([]*Document, error) {
	var rows []DocumentRow
	if err := s.db.WithContext(ctx).Where("collection = ?", q.Collection).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("find %s: %w", q.Collection, err)
	}
	docs := make([]*Document, 0, len(rows))
	for i := range rows {
		d, err := rows[i].document()
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return q.Apply(docs), nil
}

func (s *GormStore) Subscribe(ctx context.Context, q Query, fn Listener) (Unsubscribe, error) {
	return s.feed.subscribe(ctx, q, fn), nil
}

func (s *GormStore) Add(ctx context.Context, collection string, fields Fields) (string, error) {
	var id string
	err := s.RunTransaction(ctx, func(ctx context.Context, w Writer) error {
		var err error
		id, err = w.Add(ctx, collection, fields)
		return err
	})
	return id, err
}

func (s *GormStore) Update(ctx context.Context, collection, id string, updates Updates) error {
	return s.RunTransaction(ctx, func(ctx context.Context, w Writer) error {
		return w.Update(ctx, collection, id, updates)
	})
}

func (s *GormStore) Create(ctx context.Context, collection, id string, fields Fields) (*Document, bool, error) {
	now, err := s.timestamp(s.db.WithContext(ctx))
	if err != nil {
		return nil, false, fmt.Errorf("create %s/%s: %w", collection, id, err)
	}
	resolved, err := newFields(fields, now)
	if err != nil {
		return nil, false, fmt.Errorf("create %s/%s: %w", collection, id, err)
	}
	row, err := newRow(collection, id, resolved)
	if err != nil {
		return nil, false, err
	}

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return nil, false, fmt.Errorf("create %s/%s: %w", collection, id, res.Error)
	}
	if res.RowsAffected == 0 {
		doc, err := s.Get(ctx, collection, id)
		return doc, false, err
	}
	s.feed.notify(collection)
	return &Document{ID: id, Fields: resolved}, true, nil
}

func (s *GormStore) Merge(ctx context.Context, collection, id string, fields Fields) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row DocumentRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("collection = ? AND doc_id = ?", collection, id).
			First(&row).Error
		var base Fields
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			row = DocumentRow{Collection: collection, DocID: id}
		case err != nil:
			return err
		default:
			if base, err = row.fields(); err != nil {
				return err
			}
		}

		now, err := s.timestamp(tx)
		if err != nil {
			return err
		}
		merged, err := mergeFields(base, fields, now)
		if err != nil {
			return err
		}
		data, err := json.Marshal(merged)
		if err != nil {
			return err
		}
		row.Data = string(data)
		return tx.Save(&row).Error
	})
	if err != nil {
		return fmt.Errorf("merge %s/%s: %w", collection, id, err)
	}
	s.feed.notify(collection)
	return nil
}

// RunTransaction runs fn inside one database transaction. Updates lock the
// target row so concurrent increments serialize.
func (s *GormStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, w Writer) error) error {
	w := &gormTx{store: s}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		w.db = tx
		return fn(ctx, w)
	})
	if err != nil {
		return err
	}
	s.feed.notify(w.touched...)
	return nil
}

// Close stops every live query; the caller owns the *gorm.DB.
func (s *GormStore) Close() error {
	s.feed.closeAll()
	return nil
}

// timestamp reads the database clock through db.
func (s *GormStore) timestamp(db *gorm.DB) (string, error) {
	t, err := databaseNow(db)
	if err != nil {
		return "", err
	}
	return s.clock.At(t), nil
}

// databaseNow returns the database server's current UTC time. Dialects
// without a known query fall back to the local clock.
func databaseNow(db *gorm.DB) (time.Time, error) {
	var query string
	switch db.Dialector.Name() {
	case "mysql":
		query = "SELECT DATE_FORMAT(UTC_TIMESTAMP(6), '%Y-%m-%d %H:%i:%s.%f')"
	case "sqlite":
		query = "SELECT strftime('%Y-%m-%d %H:%M:%f', 'now')"
	default:
		return time.Now().UTC(), nil
	}

	var raw string
	if err := db.Raw(query).Scan(&raw).Error; err != nil {
		return time.Time{}, fmt.Errorf("read database time: %w", err)
	}
	t, err := time.Parse(databaseTimeLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse database time %q: %w", raw, err)
	}
	return t, nil
}

const databaseTimeLayout = "2006-01-02 15:04:05.999999999"

// gormTx stamps every write of one transaction with the same database time.
type gormTx struct {
	db      *gorm.DB
	store   *GormStore
	now     string
	touched []string
}

func (t *gormTx) timestamp() (string, error) {
	if t.now == "" {
		now, err := t.store.timestamp(t.db)
		if err != nil {
			return "", err
		}
		t.now = now
	}
	return t.now, nil
}

func (t *gormTx) Add(_ context.Context, collection string, fields Fields) (string, error) {
	id := uuid.New().String()
	now, err := t.timestamp()
	if err != nil {
		return "", fmt.Errorf("add %s: %w", collection, err)
	}
	resolved, err := newFields(fields, now)
	if err != nil {
		return "", fmt.Errorf("add %s: %w", collection, err)
	}
	row, err := newRow(collection, id, resolved)
	if err != nil {
		return "", err
	}
	if err := t.db.Create(&row).Error; err != nil {
		return "", fmt.Errorf("add %s: %w", collection, err)
	}
	t.touched = append(t.touched, collection)
	return id, nil
}

func (t *gormTx) Update(_ context.Context, collection, id string, updates Updates) error {
	var row DocumentRow
	err := t.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("collection = ? AND doc_id = ?", collection, id).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("update %s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, id, err)
	}

	base, err := row.fields()
	if err != nil {
		return err
	}
	now, err := t.timestamp()
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	updated, err := applyUpdates(base, updates, now)
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	data, err := json.Marshal(updated)
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	err = t.db.Model(&DocumentRow{}).
		Where("collection = ? AND doc_id = ?", collection, id).
		Update("data", string(data)).Error
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	t.touched = append(t.touched, collection)
	return nil
}

func newRow(collection, id string, fields Fields) (DocumentRow, error) {
	data, err := json.Marshal(fields)
	if err != nil {
		return DocumentRow{}, fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	return DocumentRow{Collection: collection, DocID: id, Data: string(data)}, nil
}

func (r *DocumentRow) fields() (Fields, error) {
	f := Fields{}
	if err := json.Unmarshal([]byte(r.Data), &f); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", r.Collection, r.DocID, err)
	}
	return f, nil
}

func (r *DocumentRow) document() (*Document, error) {
	f, err := r.fields()
	if err != nil {
		return nil, err
	}
	return &Document{ID: r.DocID, Fields: f}, nil
}
