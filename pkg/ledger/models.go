package ledger

const (
	tableTests          = "tests"
	tableModuleSummary  = "module_summary"
	tablePackageSummary = "package_summary"
	tableProjectSummary = "project_summary"
	tableProperties     = "properties"
	tableActiveBuilds   = "active_build_ids"
)

// dataTables are the relations compaction deletes from, finest first.
var dataTables = []string{
	tableTests,
	tableModuleSummary,
	tablePackageSummary,
	tableProjectSummary,
}

// testRow is one row of the tests relation.
type testRow struct {
	ID              uint   `gorm:"primaryKey"`
	ProjectName     string `gorm:"not null"`
	BuildID         string `gorm:"not null"`
	BuildNumber     int    `gorm:"not null"`
	ModuleName      string `gorm:"not null;default:''"`
	PackageName     string `gorm:"not null;default:''"`
	ClassName       string `gorm:"not null;default:''"`
	CaseName        string `gorm:"not null;default:''"`
	Ordinal         int    `gorm:"not null;default:0"`
	Status          int    `gorm:"not null"`
	StartTime       int64  `gorm:"not null;default:0"`
	Duration        int64  `gorm:"not null;default:0"`
	ErrorMessage    string `gorm:"size:1024"`
	ErrorStackTrace string `gorm:"size:8192"`
	Stdout          []byte
	Stderr          []byte
}

func (testRow) TableName() string { return tableTests }

// counts are the rollup columns shared by every summary relation.
type counts struct {
	BuildID    string `gorm:"not null"`
	TotalCount int64  `gorm:"not null;default:0"`
	PassCount  int64  `gorm:"not null;default:0"`
	FailCount  int64  `gorm:"not null;default:0"`
	ErrorCount int64  `gorm:"not null;default:0"`
	SkipCount  int64  `gorm:"not null;default:0"`
	StartTime  int64  `gorm:"not null;default:0"`
	Duration   int64  `gorm:"not null;default:0"`
}

type projectSummaryRow struct {
	ID          uint   `gorm:"primaryKey"`
	BuildNumber int    `gorm:"not null;uniqueIndex:uq_project_summary,priority:1"`
	ProjectName string `gorm:"not null;uniqueIndex:uq_project_summary,priority:2;index:idx_project_summary_key"`
	Counts      counts `gorm:"embedded"`
}

func (projectSummaryRow) TableName() string { return tableProjectSummary }

type moduleSummaryRow struct {
	ID          uint   `gorm:"primaryKey"`
	BuildNumber int    `gorm:"not null;uniqueIndex:uq_module_summary,priority:1"`
	ProjectName string `gorm:"not null;uniqueIndex:uq_module_summary,priority:2;index:idx_module_summary_key,priority:1"`
	ModuleName  string `gorm:"not null;uniqueIndex:uq_module_summary,priority:3;index:idx_module_summary_key,priority:2"`
	Counts      counts `gorm:"embedded"`
}

func (moduleSummaryRow) TableName() string { return tableModuleSummary }

type packageSummaryRow struct {
	ID          uint   `gorm:"primaryKey"`
	BuildNumber int    `gorm:"not null;uniqueIndex:uq_package_summary,priority:1"`
	ProjectName string `gorm:"not null;uniqueIndex:uq_package_summary,priority:2;index:idx_package_summary_key,priority:1"`
	ModuleName  string `gorm:"not null;uniqueIndex:uq_package_summary,priority:3;index:idx_package_summary_key,priority:2"`
	PackageName string `gorm:"not null;uniqueIndex:uq_package_summary,priority:4;index:idx_package_summary_key,priority:3"`
	Counts      counts `gorm:"embedded"`
}

func (packageSummaryRow) TableName() string { return tablePackageSummary }

// property is a scalar setting keyed by project and upper-cased name.
type property struct {
	ID          uint   `gorm:"primaryKey"`
	ProjectName string `gorm:"not null;uniqueIndex:uq_properties,priority:1"`
	Name        string `gorm:"not null;uniqueIndex:uq_properties,priority:2"`
	Value       string
}

func (property) TableName() string { return tableProperties }

// activeBuild stages the retention set during compaction.
type activeBuild struct {
	ID          uint   `gorm:"primaryKey"`
	ProjectName string `gorm:"not null;index:idx_active_build_ids,priority:1"`
	BuildID     string `gorm:"not null;index:idx_active_build_ids,priority:2"`
}

func (activeBuild) TableName() string { return tableActiveBuilds }

// testIndexes are the covering indices of the tests relation, by decreasing
// specificity. Build-first indices serve point lookups, project-first ones
// serve history scans.
var testIndexes = [][]string{
	{"build_number", "project_name", "module_name", "package_name", "class_name", "case_name"},
	{"build_number", "project_name", "module_name", "package_name", "class_name"},
	{"build_number", "project_name", "module_name", "package_name"},
	{"build_number", "project_name", "module_name"},
	{"build_number", "project_name"},
	{"build_number"},
	{"project_name", "module_name", "package_name", "class_name", "case_name"},
	{"project_name", "module_name", "package_name", "class_name"},
	{"project_name", "module_name", "package_name"},
	{"project_name", "module_name"},
	{"project_name", "build_id"},
	{"project_name", "build_number"},
}

// summaryRow is the scan target shared by every rollup query.
type summaryRow struct {
	BuildNumber int
	ProjectName string
	ModuleName  string
	PackageName string
	ClassName   string
	CaseName    string
	BuildID     string
	TotalCount  int64
	PassCount   int64
	FailCount   int64
	ErrorCount  int64
	SkipCount   int64
	StartTime   int64
	Duration    int64
}

func (r *summaryRow) record(level Level) *SummaryRecord {
	key := Key{
		Project: r.ProjectName,
		Module:  r.ModuleName,
		Package: r.PackageName,
		Class:   r.ClassName,
		Case:    r.CaseName,
	}.Truncate(level)

	return &SummaryRecord{
		Level:          level,
		Project:        key.Project,
		Module:         key.Module,
		Package:        key.Package,
		Class:          key.Class,
		Case:           key.Case,
		BuildID:        r.BuildID,
		BuildNumber:    r.BuildNumber,
		TotalCount:     r.TotalCount,
		PassCount:      r.PassCount,
		FailCount:      r.FailCount,
		ErrorCount:     r.ErrorCount,
		SkipCount:      r.SkipCount,
		StartTime:      r.StartTime,
		DurationMillis: r.Duration,
	}
}

// upsertValues renders the row as column values for a persisted level.
func (r *summaryRow) upsertValues(level Level) map[string]any {
	vals := map[string]any{
		"build_number": r.BuildNumber,
		"build_id":     r.BuildID,
		"total_count":  r.TotalCount,
		"pass_count":   r.PassCount,
		"fail_count":   r.FailCount,
		"error_count":  r.ErrorCount,
		"skip_count":   r.SkipCount,
		"start_time":   r.StartTime,
		"duration":     r.Duration,
	}

	keys := []string{r.ProjectName, r.ModuleName, r.PackageName}
	for i, col := range level.columns() {
		vals[col] = keys[i]
	}

	return vals
}
