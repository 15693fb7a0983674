package content

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/trialvault/trialvault/internal/errors"
	"github.com/trialvault/trialvault/internal/logger"
	"github.com/trialvault/trialvault/internal/privacy"
)

const (
	pathCacheTTL     = 10 * time.Minute
	pathCacheCleanup = 20 * time.Minute
)

// Config selects and tunes the database backing a Repository.
type Config struct {
	Type          string // "sqlite" or "mysql"
	Path          string // sqlite file, or a sqlite DSN such as file:x?mode=memory&cache=shared
	DSN           string // mysql data source name
	SlowThreshold time.Duration
	MaxOpenConns  int
}

// Repository is the content tree store. It is safe for concurrent use;
// each caller works through its own Session.
type Repository struct {
	db        *gorm.DB
	log       logger.Logger
	pathCache *cache.Cache // path -> node id

	mu           sync.RWMutex
	restrictions []Restriction
}

// Open connects to the configured database and prepares the schema.
func Open(cfg Config, log logger.Logger) (*Repository, error) {
	if log == nil {
		log = logger.Global().Module("content")
	}

	var dialector gorm.Dialector
	switch cfg.Type {
	case "", "sqlite":
		// Foreign keys are enforced in code; WAL keeps readers off the writer's lock.
		dialector = sqlite.Open(fmt.Sprintf("%s%s_journal_mode=WAL&_busy_timeout=5000", cfg.Path, dsnSeparator(cfg.Path)))
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, errors.Newf("unsupported database type %q", cfg.Type).
			Component("content").
			Category(errors.CategoryConfiguration).
			Build()
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.NewGormLoggerAdapter(log, cfg.SlowThreshold),
	})
	if err != nil {
		// Driver errors may quote the DSN, password included
		return nil, dbError(privacy.WrapError(err), "open_database")
	}

	if cfg.MaxOpenConns > 0 {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, dbError(err, "configure_pool")
		}
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	repo, err := NewRepository(db, log)
	if err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		return nil, err
	}
	return repo, nil
}

func dsnSeparator(dsn string) string {
	for _, c := range dsn {
		if c == '?' {
			return "&"
		}
	}
	return "?"
}

// NewRepository migrates the schema on db and ensures the root node exists.
func NewRepository(db *gorm.DB, log logger.Logger) (*Repository, error) {
	if log == nil {
		log = logger.Global().Module("content")
	}

	if err := db.AutoMigrate(allEntities()...); err != nil {
		return nil, dbError(err, "migrate_schema")
	}

	root := NodeRecord{ID: uuid.NewString(), Path: RootPath, Type: TypeFolder}
	if err := db.Where("path = ?", RootPath).FirstOrCreate(&root).Error; err != nil {
		return nil, dbError(err, "create_root")
	}

	return &Repository{
		db:        db,
		log:       log,
		pathCache: cache.New(pathCacheTTL, pathCacheCleanup),
	}, nil
}

// AddRestriction registers a write restriction consulted on every write by
// a non-service session. Restrictions run in registration order.
func (r *Repository) AddRestriction(restriction Restriction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restrictions = append(r.restrictions, restriction)
}

func (r *Repository) currentRestrictions() []Restriction {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.restrictions
}

// Login opens a session for principal. Its writes are subject to restrictions.
func (r *Repository) Login(principal string) *Session {
	return newSession(r, principal, false)
}

// ServiceLogin opens a service session, exempt from write restrictions.
// Only trusted components such as the lock manager use it.
func (r *Repository) ServiceLogin(principal string) *Session {
	return newSession(r, principal, true)
}

// DB returns the underlying GORM database.
func (r *Repository) DB() *gorm.DB {
	return r.db
}

// Ping verifies the database connection.
func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return dbError(err, "ping")
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return dbError(err, "ping")
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	r.pathCache.Flush()
	sqlDB, err := r.db.DB()
	if err != nil {
		return dbError(err, "close")
	}
	return sqlDB.Close()
}

// loadRecordByPath resolves a committed node, consulting the path cache first.
func (r *Repository) loadRecordByPath(ctx context.Context, db *gorm.DB, p string) (*NodeRecord, error) {
	if id, ok := r.pathCache.Get(p); ok {
		rec, err := r.loadRecordByID(ctx, db, id.(string))
		if err == nil && rec.Path == p {
			return rec, nil
		}
		r.pathCache.Delete(p)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	var rec NodeRecord
	err := db.WithContext(ctx).Where("path = ?", p).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(p)
	}
	if err != nil {
		return nil, dbError(err, "load_node")
	}
	r.pathCache.SetDefault(p, rec.ID)
	return &rec, nil
}

func (r *Repository) loadRecordByID(ctx context.Context, db *gorm.DB, id string) (*NodeRecord, error) {
	var rec NodeRecord
	err := db.WithContext(ctx).Where("id = ?", id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, dbError(err, "load_node")
	}
	return &rec, nil
}

// loadProperties returns the committed properties of the given nodes keyed by node id.
func (r *Repository) loadProperties(ctx context.Context, db *gorm.DB, ids ...string) (map[string]map[string]Property, error) {
	result := make(map[string]map[string]Property, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	var records []PropertyRecord
	if err := db.WithContext(ctx).Where("node_id IN ?", ids).Find(&records).Error; err != nil {
		return nil, dbError(err, "load_properties")
	}

	for i := range records {
		var values []string
		if err := json.Unmarshal([]byte(records[i].ValueList), &values); err != nil {
			return nil, errors.New(err).
				Component("content").
				Category(errors.CategoryFileParsing).
				Context("property", records[i].Name).
				Build()
		}
		if result[records[i].NodeID] == nil {
			result[records[i].NodeID] = make(map[string]Property)
		}
		result[records[i].NodeID][records[i].Name] = Property{
			Name:   records[i].Name,
			Kind:   PropertyKind(records[i].Kind),
			Values: values,
		}
	}
	return result, nil
}

// committedNode builds a snapshot of the committed state, without any session overlay.
func (r *Repository) committedNode(ctx context.Context, db *gorm.DB, rec *NodeRecord) (*Node, error) {
	props, err := r.loadProperties(ctx, db, rec.ID)
	if err != nil {
		return nil, err
	}
	return nodeFromRecord(rec, props[rec.ID]), nil
}

// invalidatePath drops cached resolutions for p and everything beneath it.
func (r *Repository) invalidatePath(p string) {
	for key := range r.pathCache.Items() {
		if isUnder(key, p) {
			r.pathCache.Delete(key)
		}
	}
}

func nodeFromRecord(rec *NodeRecord, props map[string]Property) *Node {
	n := &Node{
		ID:          rec.ID,
		Path:        rec.Path,
		Name:        rec.Name,
		Type:        rec.Type,
		CheckedOut:  rec.CheckedOut,
		BaseVersion: rec.BaseVersion,
		props:       props,
	}
	if rec.ParentID != nil {
		n.ParentID = *rec.ParentID
	}
	if n.props == nil {
		n.props = make(map[string]Property)
	}
	return n
}
