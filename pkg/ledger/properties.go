package ledger

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Property returns a project setting. Names are case-insensitive.
func (s *store) Property(
	ctx context.Context, project, name string,
) (string, bool, error) {
	db, release, err := s.conn(ctx)
	if err != nil {
		return "", false, err
	}

	defer release()

	s.gate.RLock()
	defer s.gate.RUnlock()

	return getProperty(db, project, name)
}

// SetProperty stores a project setting, replacing any previous value.
func (s *store) SetProperty(
	ctx context.Context, project, name, value string,
) error {
	db, release, err := s.conn(ctx)
	if err != nil {
		return err
	}

	defer release()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return setProperty(db, project, name, value)
}

func getProperty(db *gorm.DB, project, name string) (string, bool, error) {
	var props []property
	if err := db.Where("project_name = ? AND name = ?",
		project, strings.ToUpper(name)).
		Limit(1).
		Find(&props).Error; err != nil {
		return "", false, fmt.Errorf("reading property %s: %w", name, err)
	}

	if len(props) == 0 {
		return "", false, nil
	}

	return props[0].Value, true, nil
}

func setProperty(db *gorm.DB, project, name, value string) error {
	prop := &property{
		ProjectName: project,
		Name:        strings.ToUpper(name),
		Value:       value,
	}

	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "project_name"}, {Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(prop).Error; err != nil {
		return fmt.Errorf("writing property %s: %w", name, err)
	}

	return nil
}
