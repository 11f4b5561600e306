package notification

import (
	"context"
	"log"

	"optionsim/internal/model"
)

// FromEvent maps an engine event to an alert. Routine info events do not
// notify; only signals, fills, exits and errors reach external channels.
func FromEvent(instrument string, ev model.Event) (Alert, bool) {
	var level AlertLevel
	var title string

	switch ev.Kind {
	case model.EventSignal:
		level, title = AlertInfo, instrument+" signal"
	case model.EventEntry:
		level, title = AlertInfo, instrument+" entry"
	case model.EventExit:
		level, title = AlertWarning, instrument+" exit"
	case model.EventError:
		level, title = AlertCritical, instrument+" engine error"
	default:
		return Alert{}, false
	}

	return Alert{Level: level, Title: title, Message: ev.Message}, true
}

// Pump delivers engine events to every notifier until ctx is cancelled or
// eventCh closes. Delivery failures are logged, never propagated; a dead
// notification channel must not affect the trading loop.
func Pump(ctx context.Context, instrument string, eventCh <-chan model.Event, notifiers ...Notifier) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-eventCh:
			if !ok {
				return
			}
			alert, notify := FromEvent(instrument, ev)
			if !notify {
				continue
			}
			for _, n := range notifiers {
				if err := n.Send(ctx, alert); err != nil {
					log.Printf("[notify] delivery failed: %v", err)
				}
			}
		}
	}
}
