package ledger

import (
	"fmt"
	"strings"
)

// Level is one tier of the project → module → package → class → case
// hierarchy.
type Level int

const (
	LevelProject Level = iota
	LevelModule
	LevelPackage
	LevelClass
	LevelCase
)

// Levels lists every level from coarsest to finest.
var Levels = []Level{LevelProject, LevelModule, LevelPackage, LevelClass, LevelCase}

// PersistedLevels are the levels whose rollups are stored per build.
var PersistedLevels = []Level{LevelModule, LevelPackage, LevelProject}

// keyColumns holds the grouping columns of each level, coarsest first.
var keyColumns = []string{
	"project_name",
	"module_name",
	"package_name",
	"class_name",
	"case_name",
}

var levelNames = []string{"project", "module", "package", "class", "case"}

// ParseLevel parses a level name. "suite" is accepted for module.
func ParseLevel(name string) (Level, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "suite" {
		return LevelModule, nil
	}

	for i, levelName := range levelNames {
		if n == levelName {
			return Level(i), nil
		}
	}

	return 0, fmt.Errorf("%w: %q", ErrInvalidLevel, name)
}

// Valid reports whether l is a known level.
func (l Level) Valid() bool {
	return l >= LevelProject && l <= LevelCase
}

func (l Level) String() string {
	if !l.Valid() {
		return fmt.Sprintf("level(%d)", int(l))
	}

	return levelNames[l]
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLevel, int(l))
	}

	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}

	*l = parsed

	return nil
}

// Child returns the next finer level. Case has no child.
func (l Level) Child() (Level, bool) {
	if l >= LevelCase || !l.Valid() {
		return 0, false
	}

	return l + 1, true
}

// Persisted reports whether rollups at this level are stored.
func (l Level) Persisted() bool {
	return l == LevelProject || l == LevelModule || l == LevelPackage
}

// table returns the summary relation of a persisted level.
func (l Level) table() string {
	switch l {
	case LevelProject:
		return tableProjectSummary
	case LevelModule:
		return tableModuleSummary
	case LevelPackage:
		return tablePackageSummary
	default:
		return ""
	}
}

// columns returns the grouping columns of the level, coarsest first.
func (l Level) columns() []string {
	return keyColumns[:l+1]
}

// Key identifies a node of the hierarchy. Fields finer than the node's level
// are ignored.
type Key struct {
	Project string `json:"project"`
	Module  string `json:"module,omitempty"`
	Package string `json:"package,omitempty"`
	Class   string `json:"class,omitempty"`
	Case    string `json:"case,omitempty"`
}

// ProjectKey returns the key of a project node.
func ProjectKey(project string) Key {
	return Key{Project: project}
}

// values returns the key fields in column order.
func (k Key) values() []string {
	return []string{k.Project, k.Module, k.Package, k.Class, k.Case}
}

// Truncate blanks every field finer than level.
func (k Key) Truncate(level Level) Key {
	vals := k.values()
	for i := int(level) + 1; i < len(vals); i++ {
		vals[i] = ""
	}

	return keyFromValues(vals)
}

// Name returns the field of the key that names a node at level.
func (k Key) Name(level Level) string {
	if !level.Valid() {
		return ""
	}

	return k.values()[level]
}

// With returns a copy of the key with the field of level set to name.
func (k Key) With(level Level, name string) Key {
	vals := k.values()
	if level.Valid() {
		vals[level] = name
	}

	return keyFromValues(vals)
}

// String renders the key up to its deepest non-empty field.
func (k Key) String() string {
	vals := k.values()

	last := 0
	for i, v := range vals {
		if v != "" {
			last = i
		}
	}

	return strings.Join(vals[:last+1], "/")
}

func keyFromValues(vals []string) Key {
	return Key{
		Project: vals[0],
		Module:  vals[1],
		Package: vals[2],
		Class:   vals[3],
		Case:    vals[4],
	}
}

// keyFilter renders a WHERE fragment matching the key columns of level.
func keyFilter(level Level, key Key) (string, []any) {
	cols := level.columns()
	vals := key.values()

	parts := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols))

	for i, col := range cols {
		parts = append(parts, col+" = ?")
		args = append(args, vals[i])
	}

	return strings.Join(parts, " AND "), args
}
