package strategy

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/keyforge/internal/errors"
	"github.com/Iron-Ham/keyforge/internal/phase"
	"github.com/Iron-Ham/keyforge/internal/target"
)

func named(path string) target.Target {
	return target.New(path, target.UnknownSize, time.Time{})
}

func sum(weights map[string]float64) float64 {
	total := 0.0
	for _, w := range weights {
		total += w
	}
	return total
}

func TestNew(t *testing.T) {
	t.Run("normalizes and deduplicates", func(t *testing.T) {
		s, err := New(Definition{
			Name:     " mine ",
			Phases:   []string{"a", "b", "a", ""},
			Weights:  map[string]float64{"a": 2, "b": 6, "c": 5},
			Timeouts: map[string]time.Duration{"a": time.Minute, "c": time.Hour},
		})
		require.NoError(t, err)
		assert.Equal(t, "mine", s.Name())
		assert.Equal(t, []string{"a", "b"}, s.Phases())
		assert.InDelta(t, 0.25, s.Weight("a"), 1e-9)
		assert.InDelta(t, 0.75, s.Weight("b"), 1e-9)
		assert.Equal(t, map[string]time.Duration{"a": time.Minute}, s.Timeouts())
	})

	t.Run("equal weights when none are given", func(t *testing.T) {
		s, err := New(Definition{Name: "even", Phases: []string{"a", "b", "c"}})
		require.NoError(t, err)
		for _, p := range s.Phases() {
			assert.InDelta(t, 1.0/3, s.Weight(p), 1e-9, p)
		}
	})

	t.Run("drops zero-weight phases", func(t *testing.T) {
		s, err := New(Definition{Name: "one", Phases: []string{"a", "b"}, Weights: map[string]float64{"a": 1}})
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, s.Phases())
		assert.InDelta(t, 1.0, s.Weight("a"), 1e-9)
	})

	tests := []struct {
		name string
		def  Definition
		want error
	}{
		{"missing name", Definition{Phases: []string{"a"}}, errors.ErrInvalidInput},
		{"no phases", Definition{Name: "x"}, errors.ErrNoPhases},
		{"negative weight", Definition{Name: "x", Phases: []string{"a"}, Weights: map[string]float64{"a": -1}}, errors.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.def)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestStrategyIsImmutable(t *testing.T) {
	s, err := New(Definition{Name: "x", Phases: []string{"a", "b"}, Timeouts: map[string]time.Duration{"a": time.Second}})
	require.NoError(t, err)

	s.Phases()[0] = "changed"
	s.Weights()["a"] = 9
	s.Timeouts()["a"] = time.Hour
	d := s.Definition()
	d.Weights["b"] = 9

	assert.Equal(t, []string{"a", "b"}, s.Phases())
	assert.InDelta(t, 0.5, s.Weight("a"), 1e-9)
	assert.InDelta(t, 0.5, s.Weight("b"), 1e-9)
	assert.Equal(t, time.Second, s.Timeout("a"))
}

func TestBuiltinStrategies(t *testing.T) {
	for _, name := range []string{Personal, Work, Generic} {
		s, ok := BaseStrategy(name)
		require.True(t, ok, name)
		assert.InDelta(t, 1.0, sum(s.Weights()), 1e-9, name)
	}
	for _, name := range EnhancedModes() {
		s, ok := EnhancedStrategy(name)
		require.True(t, ok, name)
		assert.InDelta(t, 1.0, sum(s.Weights()), 1e-9, name)
	}

	speed, _ := EnhancedStrategy(SpeedPriority)
	assert.InDelta(t, 0.35, speed.Weight(phase.Top10K), 1e-9)
	assert.Equal(t, 30*time.Minute, speed.MaxTotalTime())
	assert.True(t, speed.SkipSlowPhases())

	thorough, _ := EnhancedStrategy(ThoroughnessPriority)
	assert.Len(t, thorough.Phases(), 9)
	assert.Empty(t, thorough.Timeouts())
	assert.Zero(t, thorough.MaxTotalTime())

	balanced, _ := EnhancedStrategy(BalancedAdaptive)
	assert.True(t, balanced.AdaptiveTimeouts())
	assert.Equal(t, 2*time.Hour, balanced.Timeout(phase.Mask))

	_, ok := EnhancedStrategy("TURBO")
	assert.False(t, ok)
}

func TestStrategyJSON(t *testing.T) {
	s, _ := BaseStrategy(Work)
	data, err := json.Marshal(s)
	require.NoError(t, err)

	var d Definition
	require.NoError(t, json.Unmarshal(data, &d))
	if diff := cmp.Diff(s.Definition(), d, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestCustomKey(t *testing.T) {
	tests := map[string]string{
		"my fast":        "MY_FAST",
		"  night   run ": "NIGHT_RUN",
		"Already_Upper":  "ALREADY_UPPER",
		"":               "",
	}
	for in, want := range tests {
		assert.Equal(t, want, CustomKey(in), in)
	}
}

func TestClassifyTarget(t *testing.T) {
	tests := []struct {
		path string
		want FeatureSet
		base string
	}{
		{
			path: "/home/u/family_photo_2023.zip",
			want: FeatureSet{IsPersonal: true},
			base: Personal,
		},
		{
			path: "/srv/q3_report.zip",
			want: FeatureSet{IsWork: true},
			base: Work,
		},
		{
			path: "/data/x/setup_20240101_v2.zip",
			want: FeatureSet{IsWork: true, HasDate: true, HasVersion: true},
			base: Work,
		},
		{
			path: "/tmp/files.bak.zip",
			want: FeatureSet{IsWork: true, IsBackup: true},
			base: Work,
		},
		{
			path: "/home/work/holiday.zip",
			want: FeatureSet{IsPersonal: true, IsWork: true},
			base: Personal,
		},
		{
			path: "/opt/a/x7.zip",
			want: FeatureSet{},
			base: Generic,
		},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := ClassifyTarget(named(tt.path))
			got.FileName, got.DirName = "", ""
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ClassifyTarget() mismatch (-want +got):\n%s", diff)
			}
			assert.Equal(t, tt.base, SelectBaseStrategy(got))
		})
	}
}

func TestClassifyTargetLowercases(t *testing.T) {
	fs := ClassifyTarget(named("/Users/Bob/Pictures/IMG_0001.ZIP"))
	assert.True(t, fs.IsPersonal)
	assert.Equal(t, "img_0001.zip", fs.FileName)
	assert.Equal(t, "/users/bob/pictures", fs.DirName)
}
