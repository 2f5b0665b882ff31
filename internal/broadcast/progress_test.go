package broadcast

import (
	"context"
	"reflect"
	"testing"

	logx "castbot/pkg/logx"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestStride(t *testing.T) {
	cases := map[int]int{0: 1, 1: 1, 2: 1, 3: 1, 7: 1, 8: 2, 12: 2, 100: 20, 1001: 200}
	for n, want := range cases {
		if got := Stride(n); got != want {
			t.Fatalf("Stride(%d) = %d, want %d", n, got, want)
		}
	}
}

func TestCheckpoints(t *testing.T) {
	cases := []struct {
		n    int
		want []int
	}{
		{0, []int{}},
		{1, []int{0}},
		{3, []int{0, 20, 40}},
		{10, []int{0, 20, 40, 60, 80}},
		{12, []int{0, 20, 40, 60, 80, 99}},
		{100, []int{0, 20, 40, 60, 80}},
	}
	for _, tc := range cases {
		if got := Checkpoints(tc.n); !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("Checkpoints(%d) = %v, want %v", tc.n, got, tc.want)
		}
	}
}

func TestProgressProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("checkpoints are non-decreasing and below 100", prop.ForAll(
		func(n int) bool {
			cps := Checkpoints(n)
			for i, p := range cps {
				if p < 0 || p > 99 {
					return false
				}
				if i > 0 && p < cps[i-1] {
					return false
				}
			}
			stride := Stride(n)
			return len(cps) == (n+stride-1)/stride
		},
		gen.IntRange(0, 5000),
	))

	properties.Property("report always adds up to total", prop.ForAll(
		func(n int, failEvery int) bool {
			ids := recipients(n)
			tr := newScriptTransport()
			for i, id := range ids {
				if failEvery > 0 && i%failEvery == 0 {
					tr.on(id, Permanent("blocked", nil))
				}
			}
			fs := &fakeSleep{}
			obs := newRecordingObserver()
			d := NewDispatcher(DispatcherConfig{}, tr, logx.Nop(), WithSleep(fs.sleep))
			rep := d.Run(context.Background(), mustJob(1, "x", ids), obs)

			if rep.Succeeded+rep.Failed != rep.Total || rep.Skipped != 0 {
				return false
			}
			return reflect.DeepEqual(obs.percents, Checkpoints(n))
		},
		gen.IntRange(0, 300),
		gen.IntRange(0, 7),
	))

	properties.TestingRun(t)
}
