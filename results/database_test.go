package results

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/BaSui01/evalflow/types"
)

type sampleResult struct {
	Label    string   `db:"label"`
	Score    float64  `db:"score"`
	Count    int      `db:"count"`
	Tokens   uint16   `db:"tokens"`
	Correct  bool     `db:"correct"`
	Predict  *string  `db:"predict"`
	Faithful *bool    `db:"faithful"`
	Weight   *float64 `db:"weight"`
}

func openResults[R any](t *testing.T, cfg Config) *Database[R] {
	t.Helper()
	db, err := New[R](cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, db.Open(context.Background()))
	t.Cleanup(func() { db.Close(context.Background()) })
	return db
}

func TestKey(t *testing.T) {
	tests := []struct {
		split types.Split
		idx   int
		want  int64
	}{
		{types.SplitTrain, 0, 0},
		{types.SplitValid, 0, 1},
		{types.SplitTest, 0, 2},
		{types.SplitTrain, 1, 3},
		{types.SplitTest, 10, 32},
	}
	for _, tt := range tests {
		got, err := Key(tt.split, tt.idx)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := Key(types.SplitTrain, -1)
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = Key(types.Split(5), 0)
	assert.ErrorIs(t, err, ErrInvalidKey)

	last, err := Key(types.SplitTest, MaxIndex)
	require.NoError(t, err)
	assert.Equal(t, int64(MaxIndex)*types.SplitCount+2, last)
	assert.LessOrEqual(t, last, int64(math.MaxInt64))
	_, err = Key(types.SplitValid, MaxIndex+1)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestDatabase_LargeIndexDoesNotAlias(t *testing.T) {
	ctx := context.Background()
	db := openResults[PromptResult](t, Config{})

	require.NoError(t, db.Put(ctx, types.SplitTrain, 0, PromptResult{Response: "train-0"}))
	err := db.Put(ctx, types.SplitValid, MaxIndex+1, PromptResult{Response: "valid-big"})
	require.ErrorIs(t, err, ErrInvalidKey)

	entry, found, err := db.Get(ctx, types.SplitTrain, 0)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "train-0", entry.Record.Response)
}

func TestNew_RejectsUnsupportedRecord(t *testing.T) {
	type badResult struct {
		Labels []string
	}
	_, err := New[badResult](Config{}, nil)
	assert.ErrorIs(t, err, ErrUnsupportedField)

	_, err = New[error](Config{}, nil)
	assert.ErrorIs(t, err, ErrUnsupportedField)
}

func TestNew_TableName(t *testing.T) {
	db, err := New[PromptResult](Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Prompt", db.Table())

	db2, err := New[sampleResult](Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "sampleResult", db2.Table())

	table, err := TableForTask(TaskCounterfactual)
	require.NoError(t, err)
	db3, err := New[FaithfulResult](Config{Table: table}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Counterfactual", db3.Table())

	_, err = TableForTask("unknown")
	assert.Error(t, err)
}

func TestDatabase_RecordRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openResults[sampleResult](t, Config{Name: "roundtrip"})

	predict := "yes"
	faithful := false
	record := sampleResult{
		Label:    "positive",
		Score:    0.75,
		Count:    -3,
		Tokens:   512,
		Correct:  true,
		Predict:  &predict,
		Faithful: &faithful,
	}
	require.NoError(t, db.Put(ctx, types.SplitTest, 7, record))

	entry, ok, err := db.Get(ctx, types.SplitTest, 7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Nil(t, entry.Err)
	require.NotNil(t, entry.Record)
	assert.Equal(t, record, *entry.Record)
	assert.Nil(t, entry.Record.Weight)

	has, err := db.Has(ctx, types.SplitTest, 7)
	require.NoError(t, err)
	assert.True(t, has)

	_, ok, err = db.Get(ctx, types.SplitTrain, 7)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDatabase_ErrorReplacesRecord(t *testing.T) {
	ctx := context.Background()
	db := openResults[sampleResult](t, Config{Name: "errors"})

	require.NoError(t, db.Put(ctx, types.SplitTrain, 1, sampleResult{Label: "x", Correct: true}))

	genErr := types.NewGenerateError("prompt too long")
	require.NoError(t, db.PutError(ctx, types.SplitTrain, 1, fmt.Errorf("observation 1: %w", genErr)))

	entry, ok, err := db.Get(ctx, types.SplitTrain, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Nil(t, entry.Record)
	require.NotNil(t, entry.Err)
	assert.Equal(t, "prompt too long", entry.Err.Message)
	assert.Equal(t, genErr.Trace, entry.Err.Trace)

	// 再次写入记录会清空错误
	require.NoError(t, db.Put(ctx, types.SplitTrain, 1, sampleResult{Label: "y"}))
	entry, ok, err = db.Get(ctx, types.SplitTrain, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Nil(t, entry.Err)
	assert.Equal(t, "y", entry.Record.Label)
}

func TestDatabase_OfflineErrorIsNoop(t *testing.T) {
	ctx := context.Background()
	db := openResults[sampleResult](t, Config{Name: "offline"})

	require.NoError(t, db.Put(ctx, types.SplitValid, 2, sampleResult{Label: "kept"}))
	require.NoError(t, db.PutError(ctx, types.SplitValid, 2, types.NewOfflineError("offline")))
	require.NoError(t, db.PutError(ctx, types.SplitValid, 3, types.NewOfflineError("offline")))

	entry, ok, err := db.Get(ctx, types.SplitValid, 2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "kept", entry.Record.Label)

	has, err := db.Has(ctx, types.SplitValid, 3)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestDatabase_RejectsOtherErrors(t *testing.T) {
	ctx := context.Background()
	db := openResults[sampleResult](t, Config{Name: "reject"})

	cause := errors.New("connection refused")
	err := db.PutError(ctx, types.SplitTest, 0, cause)
	assert.ErrorIs(t, err, ErrNotGenerateError)
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, db.PutError(ctx, types.SplitTest, 0, nil), ErrNotGenerateError)

	has, err := db.Has(ctx, types.SplitTest, 0)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestDatabase_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db, err := New[PromptResult](Config{Name: "run", Dir: dir}, nil)
	require.NoError(t, err)
	require.NoError(t, db.Open(ctx))
	require.NoError(t, db.Put(ctx, types.SplitTrain, 0, PromptResult{Prompt: "p", Response: "r", Duration: 0.5}))
	assert.ErrorIs(t, db.Remove(), ErrStoreOpen)
	require.NoError(t, db.Close(ctx))

	reopened := openResults[PromptResult](t, Config{Name: "run", Dir: dir})
	entry, ok, err := reopened.Get(ctx, types.SplitTrain, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, PromptResult{Prompt: "p", Response: "r", Duration: 0.5}, *entry.Record)

	n, err := reopened.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, reopened.Close(ctx))

	require.NoError(t, reopened.Remove())
	require.NoError(t, reopened.Remove())
}

func TestDatabase_NotOpen(t *testing.T) {
	db, err := New[PromptResult](Config{}, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, db.Put(context.Background(), types.SplitTrain, 0, PromptResult{}), ErrNotOpen)
	_, _, err = db.Get(context.Background(), types.SplitTrain, 0)
	assert.ErrorIs(t, err, ErrNotOpen)
}

// 不同 (split, idx) 的写入互不覆盖
func TestDatabase_KeyIsolationProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		db, err := New[PromptResult](Config{}, nil)
		require.NoError(rt, err)
		require.NoError(rt, db.Open(ctx))
		defer db.Close(ctx)

		type key struct {
			split types.Split
			idx   int
		}
		n := rapid.IntRange(1, 30).Draw(rt, "n")
		written := map[key]string{}
		for i := 0; i < n; i++ {
			k := key{
				split: types.Split(rapid.IntRange(0, 2).Draw(rt, "split")),
				idx:   rapid.IntRange(0, 50).Draw(rt, "idx"),
			}
			value := fmt.Sprintf("%s-%d-%d", k.split, k.idx, i)
			require.NoError(rt, db.Put(ctx, k.split, k.idx, PromptResult{Response: value}))
			written[k] = value
		}

		for k, want := range written {
			entry, ok, err := db.Get(ctx, k.split, k.idx)
			require.NoError(rt, err)
			require.True(rt, ok)
			require.Equal(rt, want, entry.Record.Response)
		}

		count, err := db.Len(ctx)
		require.NoError(rt, err)
		require.Equal(rt, int64(len(written)), count)
	})
}
