package p2p

import (
	"fmt"

	"github.com/dsw/trade-engine/internal/model"
)

// transitions is the closed set of legal trade status moves. Everything
// not listed is rejected; completed, disputed and cancelled are terminal.
var transitions = map[model.TradeStatus][]model.TradeStatus{
	model.TradePending:   {model.TradePaid, model.TradeCancelled, model.TradeDisputed},
	model.TradePaid:      {model.TradeConfirmed, model.TradeDisputed},
	model.TradeConfirmed: {model.TradeCompleted, model.TradeDisputed},
}

// canTransition reports whether moving from one status to another is legal.
func canTransition(from, to model.TradeStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// systemMessages describes each transition in the trade's chat thread.
var systemMessages = map[model.TradeStatus]string{
	model.TradePaid:      "Buyer marked the payment as sent. Waiting for the seller to confirm receipt.",
	model.TradeConfirmed: "Seller confirmed receipt of the payment. Releasing crypto.",
	model.TradeCompleted: "Trade completed. Funds released to the buyer.",
	model.TradeCancelled: "Trade cancelled.",
	model.TradeDisputed:  "Trade moved to dispute. An agent will review the case.",
}

func systemMessageFor(status model.TradeStatus) string {
	if msg, ok := systemMessages[status]; ok {
		return msg
	}
	return fmt.Sprintf("Trade status changed to %s.", status)
}
