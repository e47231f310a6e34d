package cli

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runnerr0/dwell/internal/storage"
)

func TestExclude_AddListRemove(t *testing.T) {
	store := openTestStore(t)

	output := captureOutput(t, func() {
		require.NoError(t, (&ExcludeCommand{globals: &GlobalFlags{}}).executeWithStore(store))
	})
	assert.Contains(t, output, "No exclusion rules.")

	add := &ExcludeCommand{Add: "Blocked.Example", Reason: "work", globals: &GlobalFlags{}}
	output = captureOutput(t, func() {
		require.NoError(t, add.executeWithStore(store))
	})
	assert.Contains(t, output, `Excluded domain "Blocked.Example"`)

	re := &ExcludeCommand{Add: `^intranet\.`, Regex: true, Reason: "user rule", globals: &GlobalFlags{}}
	captureOutput(t, func() {
		require.NoError(t, re.executeWithStore(store))
	})

	list := &ExcludeCommand{globals: &GlobalFlags{JSON: true}}
	output = captureOutput(t, func() {
		require.NoError(t, list.executeWithStore(store))
	})
	var rules []storage.Exclusion
	require.NoError(t, json.Unmarshal([]byte(output), &rules))
	require.Len(t, rules, 2)
	assert.Equal(t, "blocked.example", rules[0].RuleValue)
	assert.Equal(t, "work", rules[0].Reason)
	assert.Equal(t, storage.RuleRegex, rules[1].RuleType)

	rm := &ExcludeCommand{Remove: rules[0].ID, globals: &GlobalFlags{}}
	output = captureOutput(t, func() {
		require.NoError(t, rm.executeWithStore(store))
	})
	assert.Contains(t, output, "Removed rule")

	left, err := store.Exclusions(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, storage.RuleRegex, left[0].RuleType)
}

func TestExclude_ListDefaults(t *testing.T) {
	store := openTestStore(t)
	output := captureOutput(t, func() {
		require.NoError(t, (&ExcludeCommand{Defaults: true, globals: &GlobalFlags{}}).executeWithStore(store))
	})
	assert.Contains(t, output, "default")
	assert.Contains(t, output, "accounts.google.com")
}

func TestExclude_Errors(t *testing.T) {
	store := openTestStore(t)

	err := (&ExcludeCommand{Add: "x.example", Remove: 3, globals: &GlobalFlags{}}).executeWithStore(store)
	assert.Error(t, err)

	err = (&ExcludeCommand{Add: "(", Regex: true, globals: &GlobalFlags{}}).executeWithStore(store)
	assert.Error(t, err)

	err = (&ExcludeCommand{Remove: 99999, globals: &GlobalFlags{}}).executeWithStore(store)
	assert.Error(t, err)
}
