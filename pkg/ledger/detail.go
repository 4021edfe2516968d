package ledger

import (
	"context"
	"fmt"
)

// listColumns are the tests columns returned by case listings. Console
// output is only read through ReadDetail.
var listColumns = []string{
	"project_name",
	"build_id",
	"build_number",
	"module_name",
	"package_name",
	"class_name",
	"case_name",
	"ordinal",
	"status",
	"start_time",
	"duration",
}

// Tests lists the case executions below key for one build, optionally
// restricted to some statuses. Details are not loaded.
func (s *store) Tests(
	ctx context.Context,
	level Level,
	buildNumber int,
	key Key,
	statuses ...Status,
) ([]TestCaseRecord, error) {
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

	where, args := keyFilter(level, key.Truncate(level))

	q := db.Model(&testRow{}).
		Select(listColumns).
		Where(where, args...).
		Where("build_number = ?", buildNumber)

	if len(statuses) > 0 {
		codes := make([]int, 0, len(statuses))
		for _, st := range statuses {
			codes = append(codes, int(st))
		}

		q = q.Where("status IN ?", codes)
	}

	var rows []testRow
	if err := q.Order("module_name, package_name, class_name, ordinal, case_name, id").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing tests: %w", err)
	}

	out := make([]TestCaseRecord, 0, len(rows))
	for i := range rows {
		out = append(out, TestCaseRecord{
			Project:        rows[i].ProjectName,
			BuildID:        rows[i].BuildID,
			BuildNumber:    rows[i].BuildNumber,
			Module:         rows[i].ModuleName,
			Package:        rows[i].PackageName,
			Class:          rows[i].ClassName,
			Case:           rows[i].CaseName,
			Index:          rows[i].Ordinal,
			Status:         Status(rows[i].Status),
			StartTime:      rows[i].StartTime,
			DurationMillis: rows[i].Duration,
		})
	}

	return out, nil
}

// ReadDetail returns the error text and console output of one case in one
// build. When a case ran more than once the first execution is returned.
// A nil detail means the case does not exist.
func (s *store) ReadDetail(
	ctx context.Context, buildNumber int, key Key,
) (*Detail, error) {
	db, release, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	defer release()

	s.gate.RLock()
	defer s.gate.RUnlock()

	where, args := keyFilter(LevelCase, key)

	var rows []testRow
	if err := db.Model(&testRow{}).
		Select([]string{"error_message", "error_stack_trace", "stdout", "stderr"}).
		Where(where, args...).
		Where("build_number = ?", buildNumber).
		Order("ordinal, id").
		Limit(1).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("reading test detail: %w", err)
	}

	if len(rows) == 0 {
		return nil, nil
	}

	return &Detail{
		ErrorMessage:    rows[0].ErrorMessage,
		ErrorStackTrace: rows[0].ErrorStackTrace,
		Stdout:          decompressOutput(rows[0].Stdout),
		Stderr:          decompressOutput(rows[0].Stderr),
	}, nil
}

// ModuleOutput returns the console output recorded for a module as a whole,
// stored under the InitName package, class and case.
func (s *store) ModuleOutput(
	ctx context.Context, buildNumber int, project, module string,
) (*Detail, error) {
	return s.ReadDetail(ctx, buildNumber, Key{
		Project: project,
		Module:  module,
		Package: InitName,
		Class:   InitName,
		Case:    InitName,
	})
}

// Builds lists the builds of a project present in the store, newest first.
func (s *store) Builds(ctx context.Context, project string) ([]BuildRef, error) {
	db, release, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	defer release()

	s.gate.RLock()
	defer s.gate.RUnlock()

	var refs []BuildRef
	if err := db.Model(&testRow{}).
		Distinct("build_number", "build_id").
		Where("project_name = ?", project).
		Order("build_number DESC").
		Scan(&refs).Error; err != nil {
		return nil, fmt.Errorf("listing builds: %w", err)
	}

	return refs, nil
}
