package ledger

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/docker/go-units"
	"github.com/ethpandaops/testledger/pkg/fsutil"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ReclaimThresholdProperty holds the store size above which the next
// compaction runs a physical reclaim.
const ReclaimThresholdProperty = "DBSIZETHRESHOLD"

// CompactResult reports what one compaction did.
type CompactResult struct {
	Project  string           `json:"project"`
	Retained int              `json:"retained"`
	Deleted  map[string]int64 `json:"deleted"`

	SizeBefore int64 `json:"size_before"`
	SizeAfter  int64 `json:"size_after"`
	// Threshold is the reclaim threshold in effect after the compaction.
	Threshold int64 `json:"threshold"`
	Reclaimed bool  `json:"reclaimed"`
}

// Compact deletes every row of project whose build id is not retained, then
// physically reclaims space once the store has grown past the persisted
// threshold. Each relation's delete commits on its own, so a failure leaves
// a partially compacted but consistent store. An empty retention set
// removes all of the project's rows.
func (s *store) Compact(
	ctx context.Context, project string, retainedBuildIDs []string,
) (*CompactResult, error) {
	if project == "" {
		return nil, fmt.Errorf("%w: project is empty", ErrInvalidRecord)
	}

	db, release, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	defer release()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	log := s.log.WithField("project", project)

	retained := dedupe(retainedBuildIDs)
	result := &CompactResult{
		Project:  project,
		Retained: len(retained),
		Deleted:  make(map[string]int64, len(dataTables)),
	}

	if err := stageRetained(db, project, retained); err != nil {
		return nil, err
	}

	for _, table := range dataTables {
		n, err := deleteUnretained(db, table, project)
		if err != nil {
			return result, err
		}

		result.Deleted[table] = n
		s.opts.Metrics.RowsCompacted(project, table, n)
	}

	if err := db.Transaction(func(tx *gorm.DB) error {
		return tx.Where("project_name = ?", project).Delete(&activeBuild{}).Error
	}); err != nil {
		return result, fmt.Errorf("clearing retained build ids: %w", err)
	}

	if err := s.maybeReclaim(db, project, result, log); err != nil {
		return result, err
	}

	s.opts.Metrics.Compaction(project, result.Reclaimed)
	s.opts.Metrics.StoreSize(s.dir, result.SizeAfter)

	log.WithFields(logrus.Fields{
		"retained":  result.Retained,
		"deleted":   result.Deleted[tableTests],
		"size":      units.BytesSize(float64(result.SizeAfter)),
		"reclaimed": result.Reclaimed,
	}).Info("Compaction finished")

	return result, nil
}

// stageRetained replaces the project's scratch rows with the retention set.
func stageRetained(db *gorm.DB, project string, retained []string) error {
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("project_name = ?", project).
			Delete(&activeBuild{}).Error; err != nil {
			return fmt.Errorf("clearing retained build ids: %w", err)
		}

		if len(retained) == 0 {
			return nil
		}

		rows := make([]activeBuild, 0, len(retained))
		for _, id := range retained {
			rows = append(rows, activeBuild{ProjectName: project, BuildID: id})
		}

		if err := tx.CreateInBatches(rows, 500).Error; err != nil {
			return fmt.Errorf("staging retained build ids: %w", err)
		}

		return nil
	})

	return err
}

// deleteUnretained removes the project's rows of one relation whose build id
// is not staged, in its own transaction.
func deleteUnretained(db *gorm.DB, table, project string) (int64, error) {
	var deleted int64

	err := db.Transaction(func(tx *gorm.DB) error {
		res := tx.Exec(fmt.Sprintf(
			"DELETE FROM %s WHERE project_name = ? AND build_id NOT IN "+
				"(SELECT build_id FROM %s WHERE project_name = ?)",
			table, tableActiveBuilds,
		), project, project)
		if res.Error != nil {
			return res.Error
		}

		deleted = res.RowsAffected

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("compacting %s: %w", table, err)
	}

	return deleted, nil
}

// maybeReclaim vacuums the database when its directory has outgrown the
// persisted threshold, then raises the threshold by the configured headroom.
func (s *store) maybeReclaim(
	db *gorm.DB, project string, result *CompactResult, log logrus.FieldLogger,
) error {
	size, err := fsutil.DirSize(s.dir)
	if err != nil {
		return err
	}

	threshold, err := s.reclaimThreshold(db, project)
	if err != nil {
		return err
	}

	result.SizeBefore = size
	result.SizeAfter = size
	result.Threshold = threshold

	if size <= threshold {
		log.WithField("size", units.BytesSize(float64(size))).
			WithField("threshold", units.BytesSize(float64(threshold))).
			Debug("Store below reclaim threshold")

		return nil
	}

	if free, err := fsutil.FreeSpace(s.dir); err == nil {
		// VACUUM needs up to twice the database size while it runs.
		if free < uint64(size) {
			log.WithField("free", units.BytesSize(float64(free))).
				Warn("Low disk space for reclaim")
		}
	}

	s.gate.Lock()
	err = vacuum(db)
	s.gate.Unlock()

	if err != nil {
		return err
	}

	after, err := fsutil.DirSize(s.dir)
	if err != nil {
		return err
	}

	threshold = after + s.opts.ReclaimHeadroom

	if err := setProperty(db, project, ReclaimThresholdProperty,
		strconv.FormatInt(threshold, 10)); err != nil {
		return err
	}

	result.SizeAfter = after
	result.Threshold = threshold
	result.Reclaimed = true

	log.WithFields(logrus.Fields{
		"before":    units.BytesSize(float64(size)),
		"after":     units.BytesSize(float64(after)),
		"threshold": units.BytesSize(float64(threshold)),
	}).Info("Reclaimed store space")

	return nil
}

func (s *store) reclaimThreshold(db *gorm.DB, project string) (int64, error) {
	value, ok, err := getProperty(db, project, ReclaimThresholdProperty)
	if err != nil || !ok {
		return 0, err
	}

	threshold, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		s.log.WithError(err).Warn("Ignoring malformed reclaim threshold")

		return 0, nil
	}

	return threshold, nil
}

// vacuum rebuilds the database file and truncates the write-ahead log.
// SQLite reclaims all relations in one pass.
func vacuum(db *gorm.DB) error {
	for _, stmt := range []string{
		"PRAGMA wal_checkpoint(TRUNCATE)",
		"VACUUM",
		"PRAGMA wal_checkpoint(TRUNCATE)",
	} {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("reclaiming storage (%s): %w", stmt, err)
		}
	}

	return nil
}

// Snapshot writes a consistent copy of the database to dest, which must not
// exist yet.
func (s *store) Snapshot(ctx context.Context, dest string) error {
	db, release, err := s.conn(ctx)
	if err != nil {
		return err
	}

	defer release()

	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("snapshot destination %s already exists", dest)
	}

	s.gate.RLock()
	defer s.gate.RUnlock()

	if err := db.Exec("VACUUM INTO ?", dest).Error; err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}

	return nil
}

// Size returns the on-disk size of the store directory.
func (s *store) Size() (int64, error) {
	return fsutil.DirSize(s.dir)
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))

	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}

		seen[id] = struct{}{}
		out = append(out, id)
	}

	return out
}
