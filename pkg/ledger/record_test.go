package ledger

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	tests := []struct {
		input    string
		expected Status
		wantErr  bool
	}{
		{input: "success", expected: StatusSuccess},
		{input: "PASSED", expected: StatusSuccess},
		{input: "fail", expected: StatusFailure},
		{input: " failure ", expected: StatusFailure},
		{input: "error", expected: StatusError},
		{input: "skip", expected: StatusSkipped},
		{input: "skipped", expected: StatusSkipped},
		{input: "flaky", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseStatus(tt.input)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestStatus_JSON(t *testing.T) {
	var rec TestCaseRecord

	require.NoError(t, json.Unmarshal(
		[]byte(`{"project":"p","build_id":"b","build_number":3,"status":"failed"}`), &rec))
	assert.Equal(t, StatusFailure, rec.Status)
	assert.Equal(t, 3, rec.BuildNumber)

	require.NoError(t, json.Unmarshal([]byte(`{"status":2}`), &rec))
	assert.Equal(t, StatusError, rec.Status)
	require.Error(t, json.Unmarshal([]byte(`{"status":9}`), &rec))

	data, err := json.Marshal(StatusSkipped)
	require.NoError(t, err)
	assert.Equal(t, `"skipped"`, string(data))

	_, err = json.Marshal(Status(7))
	require.Error(t, err)
	assert.False(t, Status(7).Valid())
	assert.Equal(t, "status(7)", Status(7).String())
}

func TestTestCaseRecord_Validate(t *testing.T) {
	valid := TestCaseRecord{Project: "p", BuildID: "b", BuildNumber: 1}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(r *TestCaseRecord)
	}{
		{name: "no project", mutate: func(r *TestCaseRecord) { r.Project = "" }},
		{name: "no build id", mutate: func(r *TestCaseRecord) { r.BuildID = "" }},
		{name: "zero build number", mutate: func(r *TestCaseRecord) { r.BuildNumber = 0 }},
		{name: "bad status", mutate: func(r *TestCaseRecord) { r.Status = Status(-1) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			tt.mutate(&r)
			require.ErrorIs(t, r.Validate(), ErrInvalidRecord)
		})
	}
}

func TestFilterByStartTime(t *testing.T) {
	base := time.UnixMilli(1_700_000_000_000)

	records := []TestCaseRecord{
		{Case: "early", StartTime: base.Add(-time.Hour).UnixMilli()},
		{Case: "on", StartTime: base.UnixMilli()},
		{Case: "late", StartTime: base.Add(time.Hour).UnixMilli()},
	}

	names := func(rs []TestCaseRecord) []string {
		out := make([]string, 0, len(rs))
		for _, r := range rs {
			out = append(out, r.Case)
		}

		return out
	}

	assert.Equal(t, []string{"on", "late"}, names(FilterByStartTime(records, base, time.Time{})))
	assert.Equal(t, []string{"early", "on"}, names(FilterByStartTime(records, time.Time{}, base)))
	assert.Equal(t, []string{"on"}, names(FilterByStartTime(records, base, base)))
	assert.Len(t, FilterByStartTime(records, time.Time{}, time.Time{}), 3)
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "abc", truncateRunes("abc", 5))
	assert.Equal(t, "ab", truncateRunes("abc", 2))
	assert.Equal(t, "żó", truncateRunes("żółw", 2))
	assert.Equal(t, "", truncateRunes("abc", 0))
}

func TestParseLevel(t *testing.T) {
	for _, level := range Levels {
		parsed, err := ParseLevel(level.String())
		require.NoError(t, err)
		assert.Equal(t, level, parsed)
	}

	parsed, err := ParseLevel("Suite")
	require.NoError(t, err)
	assert.Equal(t, LevelModule, parsed)

	_, err = ParseLevel("method")
	require.ErrorIs(t, err, ErrInvalidLevel)
}

func TestLevel_Child(t *testing.T) {
	child, ok := LevelProject.Child()
	assert.True(t, ok)
	assert.Equal(t, LevelModule, child)

	_, ok = LevelCase.Child()
	assert.False(t, ok)

	_, ok = Level(-1).Child()
	assert.False(t, ok)

	assert.True(t, LevelPackage.Persisted())
	assert.False(t, LevelClass.Persisted())
}

func TestKey(t *testing.T) {
	key := Key{Project: "p", Module: "m", Package: "k", Class: "C", Case: "x"}

	assert.Equal(t, Key{Project: "p", Module: "m"}, key.Truncate(LevelModule))
	assert.Equal(t, "k", key.Name(LevelPackage))
	assert.Equal(t, "", key.Name(Level(9)))
	assert.Equal(t, "p/m/k/C/x", key.String())
	assert.Equal(t, "p/m", key.Truncate(LevelModule).String())
	assert.Equal(t, "y", key.With(LevelCase, "y").Case)
	assert.Equal(t, "p", ProjectKey("p").String())
}

func TestKeyFilter(t *testing.T) {
	where, args := keyFilter(LevelPackage, Key{Project: "p", Module: "m", Package: "k", Class: "ignored"})

	assert.Equal(t, "project_name = ? AND module_name = ? AND package_name = ?", where)
	assert.Equal(t, []any{"p", "m", "k"}, args)
}
