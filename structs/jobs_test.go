package structs

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shoenig/test/must"
)

func TestTriggerSpec_WireRoundTrip(t *testing.T) {
	start := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		spec TriggerSpec
		wire string
	}{
		{
			name: "cron",
			spec: TriggerSpec{Kind: TriggerCron, Cron: "0 2 * * *", TZ: "America/New_York"},
			wire: `{"kind":"cron","config":{"cron":"0 2 * * *","tz":"America/New_York"}}`,
		},
		{
			name: "interval",
			spec: TriggerSpec{Kind: TriggerInterval, IntervalSeconds: 300, StartAt: &start},
			wire: `{"kind":"interval","config":{"seconds":300,"start_at":"2026-06-01T09:00:00Z"}}`,
		},
		{
			name: "date",
			spec: TriggerSpec{Kind: TriggerDate, RunAt: start},
			wire: `{"kind":"date","config":{"run_at":"2026-06-01T09:00:00Z"}}`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf, err := json.Marshal(tc.spec)
			must.NoError(t, err)
			must.Eq(t, tc.wire, string(buf))

			var out TriggerSpec
			must.NoError(t, json.Unmarshal(buf, &out))
			must.Eq(t, tc.spec.Kind, out.Kind)
			must.Eq(t, tc.spec.Cron, out.Cron)
			must.Eq(t, tc.spec.IntervalSeconds, out.IntervalSeconds)
			if tc.spec.StartAt != nil {
				must.NotNil(t, out.StartAt)
				must.True(t, tc.spec.StartAt.Equal(*out.StartAt))
			}
			must.True(t, tc.spec.RunAt.Equal(out.RunAt))
		})
	}
}

func TestTriggerSpec_Validate(t *testing.T) {
	good := TriggerSpec{Kind: TriggerCron, Cron: "*/5 * * * *"}
	must.NoError(t, good.Validate())

	badCron := TriggerSpec{Kind: TriggerCron, Cron: "not a cron"}
	must.Error(t, badCron.Validate())

	badTZ := TriggerSpec{Kind: TriggerCron, Cron: "0 0 * * *", TZ: "Mars/Olympus"}
	must.Error(t, badTZ.Validate())

	badInterval := TriggerSpec{Kind: TriggerInterval, IntervalSeconds: 0}
	must.Error(t, badInterval.Validate())

	badDate := TriggerSpec{Kind: TriggerDate}
	must.Error(t, badDate.Validate())
}

func TestTriggerSpec_Next(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 30, 0, 0, time.UTC)

	t.Run("interval aligns to period", func(t *testing.T) {
		start := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
		spec := TriggerSpec{Kind: TriggerInterval, IntervalSeconds: 3600, StartAt: &start}
		must.True(t, spec.Next(now).Equal(time.Date(2026, 6, 1, 13, 0, 0, 0, time.UTC)))
	})

	t.Run("interval before start fires at start", func(t *testing.T) {
		start := time.Date(2026, 6, 2, 0, 0, 0, 0, time.UTC)
		spec := TriggerSpec{Kind: TriggerInterval, IntervalSeconds: 60, StartAt: &start}
		must.True(t, spec.Next(now).Equal(start))
	})

	t.Run("cron next", func(t *testing.T) {
		spec := TriggerSpec{Kind: TriggerCron, Cron: "0 2 * * *"}
		must.True(t, spec.Next(now).Equal(time.Date(2026, 6, 2, 2, 0, 0, 0, time.UTC)))
	})

	t.Run("date fires once", func(t *testing.T) {
		spec := TriggerSpec{Kind: TriggerDate, RunAt: now.Add(time.Hour)}
		must.True(t, spec.Next(now).Equal(now.Add(time.Hour)))
		must.True(t, spec.Next(now.Add(2*time.Hour)).IsZero())
	})
}

func TestScheduledJob_Validate(t *testing.T) {
	job := &ScheduledJob{
		ID:      "j1",
		Name:    "nightly-validation",
		Func:    "acgme.validate",
		Trigger: TriggerSpec{Kind: TriggerCron, Cron: "0 2 * * *"},
		Enabled: true,
	}
	must.NoError(t, job.Validate())
	must.Eq(t, 1, job.EffectiveMaxInstances())

	job.Func = ""
	must.Error(t, job.Validate())
}
