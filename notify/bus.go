package notify

import (
	"encoding/json"

	"github.com/vinayprograms/pixelmarket/bus"
	"github.com/vinayprograms/pixelmarket/logging"
)

// SubjectPrefix is prepended to the event kind to form the bus subject.
const SubjectPrefix = "market.events."

// NewBusNotifier publishes events as JSON on market.events.<kind>.
func NewBusNotifier(b bus.MessageBus, buffer int, logger *logging.Logger) *Async {
	return NewAsync(func(e Event) error {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return b.Publish(SubjectPrefix+string(e.Kind), data)
	}, buffer, logger)
}
