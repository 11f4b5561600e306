package notification

import (
	"context"
	"testing"
	"time"

	"optionsim/internal/model"
)

type captureNotifier struct {
	alerts []Alert
}

func (c *captureNotifier) Send(ctx context.Context, alert Alert) error {
	c.alerts = append(c.alerts, alert)
	return nil
}

func TestFromEvent_MapsKindsToLevels(t *testing.T) {
	cases := []struct {
		kind   model.EventKind
		notify bool
		level  AlertLevel
	}{
		{model.EventSignal, true, AlertInfo},
		{model.EventEntry, true, AlertInfo},
		{model.EventExit, true, AlertWarning},
		{model.EventError, true, AlertCritical},
		{model.EventInfo, false, ""},
	}
	for _, tc := range cases {
		alert, notify := FromEvent("NIFTY", model.Event{Kind: tc.kind, Message: "m"})
		if notify != tc.notify {
			t.Errorf("%s: notify = %v, want %v", tc.kind, notify, tc.notify)
			continue
		}
		if notify && alert.Level != tc.level {
			t.Errorf("%s: level = %s, want %s", tc.kind, alert.Level, tc.level)
		}
	}
}

func TestPump_SkipsInfoEvents(t *testing.T) {
	ch := make(chan model.Event, 3)
	ch <- model.Event{Kind: model.EventInfo, Message: "status line"}
	ch <- model.Event{Kind: model.EventExit, Message: "EXIT TP"}
	ch <- model.Event{Kind: model.EventError, Message: "feed down"}
	close(ch)

	cap := &captureNotifier{}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	Pump(ctx, "NIFTY", ch, cap)

	if len(cap.alerts) != 2 {
		t.Fatalf("delivered %d alerts, want 2", len(cap.alerts))
	}
	if cap.alerts[0].Message != "EXIT TP" || cap.alerts[1].Level != AlertCritical {
		t.Errorf("unexpected alerts: %+v", cap.alerts)
	}
}
