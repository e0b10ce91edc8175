package busy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBeginEndTogglesActive(t *testing.T) {
	t.Parallel()

	tr := New(nil)
	require.False(t, tr.Active())

	done := tr.Begin("notify_decision", false)
	require.True(t, tr.Active())
	require.Equal(t, "notify_decision", tr.Reason())

	done()
	require.False(t, tr.Active())
	require.Equal(t, "", tr.Reason())
}

func TestDoneIsIdempotent(t *testing.T) {
	t.Parallel()

	tr := New(nil)
	idleCount := 0
	tr.OnIdle(func() { idleCount++ })

	done := tr.Begin("ctx", false)
	done()
	done()
	done()

	require.Equal(t, 1, idleCount)
	require.False(t, tr.Active())
}

func TestNestedTurnsReportTopmostReason(t *testing.T) {
	t.Parallel()

	tr := New(nil)
	d1 := tr.Begin("outer", false)
	d2 := tr.Begin("inner", false)
	require.Equal(t, "inner", tr.Reason())

	d2()
	require.Equal(t, "outer", tr.Reason())
	require.True(t, tr.Active())

	d1()
	require.False(t, tr.Active())
}

func TestSuppressedTurnsHideFromUIButCountForDepth(t *testing.T) {
	t.Parallel()

	tr := New(nil)
	d1 := tr.Begin("visible", false)
	d2 := tr.Begin("quiet", true)

	require.Equal(t, "visible", tr.Reason())
	require.True(t, tr.Active())

	d1()
	// Only the suppressed turn remains: still busy, nothing shown.
	require.True(t, tr.Active())
	require.Equal(t, "", tr.Reason())

	d2()
	require.False(t, tr.Active())
}

func TestOutOfOrderEndRecomputesReason(t *testing.T) {
	t.Parallel()

	tr := New(nil)
	d1 := tr.Begin("first", false)
	d2 := tr.Begin("second", false)

	d1()
	require.Equal(t, "second", tr.Reason())
	d2()
	require.False(t, tr.Active())
}

func TestIdleCallbacksFireOnEachReturnToZero(t *testing.T) {
	t.Parallel()

	tr := New(nil)
	idleCount := 0
	tr.OnIdle(func() { idleCount++ })

	d1 := tr.Begin("a", false)
	d2 := tr.Begin("b", false)
	d2()
	require.Equal(t, 0, idleCount)
	d1()
	require.Equal(t, 1, idleCount)

	d3 := tr.Begin("c", false)
	d3()
	require.Equal(t, 2, idleCount)
}

func TestOnChangeBroadcastsOnlyOnVisibleChange(t *testing.T) {
	t.Parallel()

	type event struct {
		reason string
		active bool
	}
	var events []event
	tr := New(func(reason string, active bool) {
		events = append(events, event{reason, active})
	})

	d1 := tr.Begin("think", false)
	d2 := tr.Begin("sub", true) // suppressed, no visible change
	d2()
	d1()

	require.Equal(t, []event{
		{"think", true},
		{"", false},
	}, events)
}
