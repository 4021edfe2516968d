package ledger

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// buildCond restricts a rollup query by build number. An empty op matches
// every build.
type buildCond struct {
	op string
	n  int
}

func exactBuild(n int) buildCond { return buildCond{op: "=", n: n} }

func noLaterThan(n int) buildCond { return buildCond{op: "<=", n: n} }

func priorTo(n int) buildCond { return buildCond{op: "<", n: n} }

func anyBuild() buildCond { return buildCond{} }

func (c buildCond) sql() string { return "build_number " + c.op + " ?" }

func (c buildCond) restrict() bool { return c.op != "" }

// rollupColumns is the aggregate select list shared by every level.
const rollupColumns = `MIN(build_id) AS build_id,
	COUNT(*) AS total_count,
	SUM(CASE WHEN status = 0 THEN 1 ELSE 0 END) AS pass_count,
	SUM(CASE WHEN status = 1 THEN 1 ELSE 0 END) AS fail_count,
	SUM(CASE WHEN status = 2 THEN 1 ELSE 0 END) AS error_count,
	SUM(CASE WHEN status = 3 THEN 1 ELSE 0 END) AS skip_count,
	MIN(start_time) AS start_time,
	SUM(duration) AS duration`

// summaryUpdateColumns are overwritten when a rollup is re-persisted.
var summaryUpdateColumns = []string{
	"build_id",
	"total_count",
	"pass_count",
	"fail_count",
	"error_count",
	"skip_count",
	"start_time",
	"duration",
}

// computeRollups groups the tests relation at level, restricted to the key
// columns of filter. Results are newest build first.
func computeRollups(
	db *gorm.DB, level, filter Level, key Key, cond buildCond, limit int,
) ([]summaryRow, error) {
	groupCols := strings.Join(level.columns(), ", ")
	where, args := keyFilter(filter, key)

	if cond.restrict() {
		where += " AND " + cond.sql()
		args = append(args, cond.n)
	}

	query := fmt.Sprintf(
		"SELECT build_number, %s, %s FROM %s WHERE %s "+
			"GROUP BY build_number, %s ORDER BY build_number DESC, %s",
		groupCols, rollupColumns, tableTests, where, groupCols, groupCols,
	)

	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	var rows []summaryRow
	if err := db.Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("computing %s rollups: %w", level, err)
	}

	return rows, nil
}

// readRollups reads persisted rollups of level, restricted to the key
// columns of filter. Results are newest build first.
func readRollups(
	db *gorm.DB, level, filter Level, key Key, cond buildCond, limit int,
) ([]summaryRow, error) {
	where, args := keyFilter(filter, key)

	q := db.Table(level.table()).Where(where, args...)
	if cond.restrict() {
		q = q.Where(cond.sql(), cond.n)
	}

	q = q.Order("build_number DESC")
	for _, col := range level.columns() {
		q = q.Order(col)
	}

	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []summaryRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("reading %s rollups: %w", level, err)
	}

	return rows, nil
}

// rollups answers a rollup query from the persisted relation for persisted
// levels and from the tests relation otherwise.
func rollups(
	db *gorm.DB, level, filter Level, key Key, cond buildCond, limit int,
) ([]summaryRow, error) {
	if level.Persisted() {
		return readRollups(db, level, filter, key, cond, limit)
	}

	return computeRollups(db, level, filter, key, cond, limit)
}

// upsertRollups writes rows into the relation of a persisted level,
// replacing any existing row with the same build and key.
func upsertRollups(tx *gorm.DB, level Level, rows []summaryRow) error {
	if len(rows) == 0 {
		return nil
	}

	values := make([]map[string]any, 0, len(rows))
	for i := range rows {
		values = append(values, rows[i].upsertValues(level))
	}

	conflict := make([]clause.Column, 0, len(level.columns())+1)
	conflict = append(conflict, clause.Column{Name: "build_number"})

	for _, col := range level.columns() {
		conflict = append(conflict, clause.Column{Name: col})
	}

	err := tx.Table(level.table()).
		Clauses(clause.OnConflict{
			Columns:   conflict,
			DoUpdates: clause.AssignmentColumns(summaryUpdateColumns),
		}).
		CreateInBatches(values, 100).Error
	if err != nil {
		return fmt.Errorf("upserting %s rollups: %w", level, err)
	}

	return nil
}

func toRecords(level Level, rows []summaryRow) []SummaryRecord {
	out := make([]SummaryRecord, 0, len(rows))
	for i := range rows {
		out = append(out, *rows[i].record(level))
	}

	return out
}

func first(level Level, rows []summaryRow) *SummaryRecord {
	if len(rows) == 0 {
		return nil
	}

	return rows[0].record(level)
}

func validLevel(level Level) error {
	if !level.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidLevel, int(level))
	}

	return nil
}

// Summarize computes the rollup of key at level for one build. Module,
// package and project rollups are persisted as well. A nil record means
// no test case matched.
func (s *store) Summarize(
	ctx context.Context, level Level, buildNumber int, key Key,
) (*SummaryRecord, error) {
	if err := validLevel(level); err != nil {
		return nil, err
	}

	db, release, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	defer release()

	key = key.Truncate(level)

	if !level.Persisted() {
		s.gate.RLock()
		defer s.gate.RUnlock()

		rows, err := computeRollups(db, level, level, key, exactBuild(buildNumber), 1)
		if err != nil {
			return nil, err
		}

		return first(level, rows), nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var rows []summaryRow

	err = db.Transaction(func(tx *gorm.DB) error {
		var err error

		rows, err = computeRollups(tx, level, level, key, exactBuild(buildNumber), 1)
		if err != nil {
			return err
		}

		return upsertRollups(tx, level, rows)
	})
	if err != nil {
		return nil, err
	}

	s.opts.Metrics.SummariesPersisted(key.Project, level.String(), len(rows))

	return first(level, rows), nil
}

// SummarizeBuild recomputes and persists every module, package and project
// rollup of one build in a single transaction.
func (s *store) SummarizeBuild(
	ctx context.Context, project string, buildNumber int,
) error {
	db, release, err := s.conn(ctx)
	if err != nil {
		return err
	}

	defer release()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	persisted := make(map[Level]int, len(PersistedLevels))

	err = db.Transaction(func(tx *gorm.DB) error {
		for _, level := range PersistedLevels {
			rows, err := computeRollups(
				tx, level, LevelProject, ProjectKey(project),
				exactBuild(buildNumber), 0,
			)
			if err != nil {
				return err
			}

			if err := upsertRollups(tx, level, rows); err != nil {
				return err
			}

			persisted[level] = len(rows)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("summarizing build %d of %s: %w", buildNumber, project, err)
	}

	for level, n := range persisted {
		s.opts.Metrics.SummariesPersisted(project, level.String(), n)
	}

	s.log.WithField("project", project).
		WithField("build", buildNumber).
		WithField("modules", persisted[LevelModule]).
		WithField("packages", persisted[LevelPackage]).
		Info("Build summarized")

	return nil
}

// ForBuild returns the rollup of key at level for exactly one build. Persisted
// levels fall back to computing when the build has not been summarized.
func (s *store) ForBuild(
	ctx context.Context, level Level, buildNumber int, key Key,
) (*SummaryRecord, error) {
	if err := validLevel(level); err != nil {
		return nil, err
	}

	db, release, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	defer release()

	s.gate.RLock()
	defer s.gate.RUnlock()

	key = key.Truncate(level)

	rows, err := rollups(db, level, level, key, exactBuild(buildNumber), 1)
	if err != nil {
		return nil, err
	}

	if len(rows) == 0 && level.Persisted() {
		rows, err = computeRollups(db, level, level, key, exactBuild(buildNumber), 1)
		if err != nil {
			return nil, err
		}
	}

	return first(level, rows), nil
}

// ForBuildNoLaterThan returns the newest rollup of key with a build number
// not above buildNumber.
func (s *store) ForBuildNoLaterThan(
	ctx context.Context, level Level, buildNumber int, key Key,
) (*SummaryRecord, error) {
	return s.pointInTime(ctx, level, key, noLaterThan(buildNumber))
}

// ForBuildPriorTo returns the newest rollup of key with a build number
// strictly below buildNumber.
func (s *store) ForBuildPriorTo(
	ctx context.Context, level Level, buildNumber int, key Key,
) (*SummaryRecord, error) {
	return s.pointInTime(ctx, level, key, priorTo(buildNumber))
}

func (s *store) pointInTime(
	ctx context.Context, level Level, key Key, cond buildCond,
) (*SummaryRecord, error) {
	if err := validLevel(level); err != nil {
		return nil, err
	}

	db, release, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	defer release()

	s.gate.RLock()
	defer s.gate.RUnlock()

	rows, err := rollups(db, level, level, key.Truncate(level), cond, 1)
	if err != nil {
		return nil, err
	}

	return first(level, rows), nil
}

// History returns up to limit rollups of key, newest build first. A
// non-positive limit returns every build.
func (s *store) History(
	ctx context.Context, level Level, key Key, limit int,
) ([]SummaryRecord, error) {
	if err := validLevel(level); err != nil {
		return nil, err
	}

	db, release, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	defer release()

	s.gate.RLock()
	defer s.gate.RUnlock()

	rows, err := rollups(db, level, level, key.Truncate(level), anyBuild(), limit)
	if err != nil {
		return nil, err
	}

	return toRecords(level, rows), nil
}

// Children returns the rollups one level below key for one build, ordered
// by name. Case nodes have no children.
func (s *store) Children(
	ctx context.Context, level Level, buildNumber int, key Key,
) ([]SummaryRecord, error) {
	if err := validLevel(level); err != nil {
		return nil, err
	}

	child, ok := level.Child()
	if !ok {
		return nil, nil
	}

	db, release, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	defer release()

	s.gate.RLock()
	defer s.gate.RUnlock()

	key = key.Truncate(level)

	rows, err := rollups(db, child, level, key, exactBuild(buildNumber), 0)
	if err != nil {
		return nil, err
	}

	if len(rows) == 0 && child.Persisted() {
		rows, err = computeRollups(db, child, level, key, exactBuild(buildNumber), 0)
		if err != nil {
			return nil, err
		}
	}

	return toRecords(child, rows), nil
}

// metricsRow is the scan target of cumulative queries.
type metricsRow struct {
	Builds     int64
	TotalCount int64
	PassCount  int64
	FailCount  int64
	ErrorCount int64
	SkipCount  int64
	StartTime  int64
	Duration   int64
}

// Metrics returns the counts of key summed over every build up to and
// including buildNumber. BuildNumber of the result is buildNumber and
// StartTime is the earliest start seen. A nil record means no history.
func (s *store) Metrics(
	ctx context.Context, level Level, buildNumber int, key Key,
) (*SummaryRecord, error) {
	if err := validLevel(level); err != nil {
		return nil, err
	}

	db, release, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	defer release()

	s.gate.RLock()
	defer s.gate.RUnlock()

	key = key.Truncate(level)
	where, args := keyFilter(level, key)
	args = append(args, buildNumber)

	var query string

	if level.Persisted() {
		query = fmt.Sprintf(`SELECT COUNT(*) AS builds,
			COALESCE(SUM(total_count), 0) AS total_count,
			COALESCE(SUM(pass_count), 0) AS pass_count,
			COALESCE(SUM(fail_count), 0) AS fail_count,
			COALESCE(SUM(error_count), 0) AS error_count,
			COALESCE(SUM(skip_count), 0) AS skip_count,
			COALESCE(MIN(start_time), 0) AS start_time,
			COALESCE(SUM(duration), 0) AS duration
			FROM %s WHERE %s AND build_number <= ?`, level.table(), where)
	} else {
		query = fmt.Sprintf(`SELECT COUNT(DISTINCT build_number) AS builds,
			COUNT(*) AS total_count,
			COALESCE(SUM(CASE WHEN status = 0 THEN 1 ELSE 0 END), 0) AS pass_count,
			COALESCE(SUM(CASE WHEN status = 1 THEN 1 ELSE 0 END), 0) AS fail_count,
			COALESCE(SUM(CASE WHEN status = 2 THEN 1 ELSE 0 END), 0) AS error_count,
			COALESCE(SUM(CASE WHEN status = 3 THEN 1 ELSE 0 END), 0) AS skip_count,
			COALESCE(MIN(start_time), 0) AS start_time,
			COALESCE(SUM(duration), 0) AS duration
			FROM %s WHERE %s AND build_number <= ?`, tableTests, where)
	}

	var row metricsRow
	if err := db.Raw(query, args...).Scan(&row).Error; err != nil {
		return nil, fmt.Errorf("computing %s metrics: %w", level, err)
	}

	if row.Builds == 0 {
		return nil, nil
	}

	return &SummaryRecord{
		Level:          level,
		Project:        key.Project,
		Module:         key.Module,
		Package:        key.Package,
		Class:          key.Class,
		Case:           key.Case,
		BuildNumber:    buildNumber,
		TotalCount:     row.TotalCount,
		PassCount:      row.PassCount,
		FailCount:      row.FailCount,
		ErrorCount:     row.ErrorCount,
		SkipCount:      row.SkipCount,
		StartTime:      row.StartTime,
		DurationMillis: row.Duration,
	}, nil
}
