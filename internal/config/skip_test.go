package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nicmon/internal/model"
)

func TestTasks_EmptyShowPartsRunsEverything(t *testing.T) {
	t.Parallel()

	tasks, err := Tasks(Config{})
	require.NoError(t, err)
	require.Len(t, tasks, len(model.AllKinds()))
	for _, task := range tasks {
		assert.True(t, task.Enabled, "kind=%s", task.Kind)
	}
}

func TestTasks_SkipMatrix(t *testing.T) {
	t.Parallel()

	flags := SkipFlags()
	for mask := 0; mask < 1<<len(flags); mask++ {
		var parts []string
		want := map[model.MetricKind]bool{}
		for i, flag := range flags {
			if mask&(1<<i) != 0 {
				parts = append(parts, flag)
			} else {
				want[skipFlagKinds[flag]] = true
			}
		}

		tasks, err := Tasks(Config{ShowParts: parts})
		require.NoError(t, err, "parts=%v", parts)
		got := map[model.MetricKind]bool{}
		for _, task := range tasks {
			if task.Enabled {
				got[task.Kind] = true
			}
		}
		assert.Equal(t, want, got, "parts=%v", parts)
	}
}

func TestTasks_MlxlinkAndDmesgSkipped(t *testing.T) {
	t.Parallel()

	tasks, err := Tasks(Config{ShowParts: []string{SkipMlxlink, SkipDmesg}})
	require.NoError(t, err)

	var enabled []model.MetricKind
	for _, task := range tasks {
		if task.Enabled {
			enabled = append(enabled, task.Kind)
		}
	}
	assert.Equal(t, []model.MetricKind{model.KindSysInfo, model.KindMtemp, model.KindEyeScan}, enabled)
}

func TestParseSkipFlags_RejectsConnectTypes(t *testing.T) {
	t.Parallel()

	_, err := ParseSkipFlags([]string{"remote", SkipDmesg})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect_type")

	_, err = ParseSkipFlags([]string{"mlxlink"})
	assert.Error(t, err)
}
