package billing

import (
	"github.com/xraph/billing/id"
	"github.com/xraph/billing/types"
)

// Re-export common types so callers of the engine rarely need the helper
// packages directly.

// ID is the identifier type of every billing record.
type ID = id.ID

// Money is an integer amount in the currency's minor unit.
type Money = types.Money

// NewMoney and Zero build Money values.
var (
	NewMoney = types.NewMoney
	Zero     = types.Zero
)

// ParseReservationID parses a reservation id such as one received over HTTP.
var ParseReservationID = id.ParseReservationID
