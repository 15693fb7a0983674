package content

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/gorm"

	"github.com/trialvault/trialvault/internal/errors"
	"github.com/trialvault/trialvault/internal/logger"
)

// Version is a frozen snapshot of a versionable node.
type Version struct {
	Number     int
	CreatedBy  string
	CreatedAt  time.Time
	Properties map[string][]string
}

type versionSnapshot struct {
	Path       string              `json:"path"`
	Type       string              `json:"type"`
	Properties map[string][]string `json:"properties"`
}

func (s *Session) versionable(n *Node, operation string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if !n.IsVersionable() {
		return stateError(ErrNotVersionable, n, operation)
	}
	return nil
}

// Checkout makes n writable. It takes effect immediately and is a no-op for
// a node that is already checked out.
func (s *Session) Checkout(ctx context.Context, n *Node) error {
	if err := s.versionable(n, "checkout"); err != nil {
		return err
	}
	if _, ok := s.added[n.ID]; ok {
		return nil
	}
	return s.setCheckedOut(ctx, n, true, "checkout")
}

// CancelCheckout returns n to the checked-in state without creating a version.
func (s *Session) CancelCheckout(ctx context.Context, n *Node) error {
	if err := s.versionable(n, "cancel_checkout"); err != nil {
		return err
	}
	if _, ok := s.added[n.ID]; ok {
		return stateError(ErrPendingChanges, n, "cancel_checkout")
	}
	return s.setCheckedOut(ctx, n, false, "cancel_checkout")
}

func (s *Session) setCheckedOut(ctx context.Context, n *Node, checkedOut bool, operation string) error {
	result := s.repo.db.WithContext(ctx).
		Model(&NodeRecord{}).
		Where("id = ?", n.ID).
		Update("checked_out", checkedOut)
	if result.Error != nil {
		return dbError(result.Error, operation)
	}
	if result.RowsAffected == 0 {
		// MySQL reports zero affected rows when the value is unchanged.
		if _, err := s.repo.loadRecordByID(ctx, s.repo.db, n.ID); err != nil {
			return err
		}
	}
	return nil
}

// Checkin freezes the committed state of n as a new version and makes it
// read-only. n must not carry unsaved changes. Checking in a node that is
// not checked out returns its current base version.
func (s *Session) Checkin(ctx context.Context, n *Node) (int, error) {
	if err := s.versionable(n, "checkin"); err != nil {
		return 0, err
	}
	if s.hasPendingFor(n) {
		return 0, stateError(ErrPendingChanges, n, "checkin")
	}

	var version int
	err := s.repo.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := s.repo.loadRecordByID(ctx, tx, n.ID)
		if err != nil {
			return err
		}
		if !rec.CheckedOut {
			version = rec.BaseVersion
			return nil
		}

		committed, err := s.repo.committedNode(ctx, tx, rec)
		if err != nil {
			return err
		}
		snapshot := versionSnapshot{Path: rec.Path, Type: rec.Type, Properties: make(map[string][]string)}
		for _, name := range committed.PropertyNames() {
			snapshot.Properties[name] = committed.Values(name)
		}
		encoded, err := json.Marshal(snapshot)
		if err != nil {
			return err
		}

		version = rec.BaseVersion + 1
		if err := tx.Create(&VersionRecord{
			NodeID:    rec.ID,
			Version:   version,
			Snapshot:  string(encoded),
			CreatedBy: s.principal,
		}).Error; err != nil {
			return err
		}
		return tx.Model(&NodeRecord{}).Where("id = ?", rec.ID).Updates(map[string]any{
			"checked_out":  false,
			"base_version": version,
		}).Error
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, err
		}
		return 0, dbError(err, "checkin")
	}

	s.log.Trace("node checked in",
		logger.NodeType(n.Type),
		logger.Int("version", version))
	return version, nil
}

// Versions lists the versions of n, oldest first.
func (s *Session) Versions(ctx context.Context, n *Node) ([]Version, error) {
	if err := s.versionable(n, "versions"); err != nil {
		return nil, err
	}

	var records []VersionRecord
	err := s.repo.db.WithContext(ctx).
		Where("node_id = ?", n.ID).
		Order("version ASC").
		Find(&records).Error
	if err != nil {
		return nil, dbError(err, "list_versions")
	}

	versions := make([]Version, 0, len(records))
	for i := range records {
		var snapshot versionSnapshot
		if err := json.Unmarshal([]byte(records[i].Snapshot), &snapshot); err != nil {
			return nil, errors.New(err).
				Component("content").
				Category(errors.CategoryFileParsing).
				Context("version", records[i].Version).
				Build()
		}
		versions = append(versions, Version{
			Number:     records[i].Version,
			CreatedBy:  records[i].CreatedBy,
			CreatedAt:  records[i].CreatedAt,
			Properties: snapshot.Properties,
		})
	}
	return versions, nil
}
