package presence

import (
	"time"

	"github.com/NicolasHaas/gopresence/pkg/model"
)

// DefaultCheckoutAfter is the hour of day from which an unspecified
// intent resolves to check-out.
const DefaultCheckoutAfter = 12

// IntentForTime picks check-in before checkoutAfter o'clock in t's
// location and check-out from then on.
func IntentForTime(t time.Time, checkoutAfter int) model.SessionType {
	if t.Hour() < checkoutAfter {
		return model.SessionCheckIn
	}
	return model.SessionCheckOut
}
