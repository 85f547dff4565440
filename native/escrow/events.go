package escrow

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"deedchain/core/types"
)

const (
	EventTypeSaleListed       = "sale.listed"
	EventTypeSaleDeposited    = "sale.earnest_deposited"
	EventTypeSaleLenderFunded = "sale.lender_funded"
	EventTypeSaleInspection   = "sale.inspection_updated"
	EventTypeSaleApproved     = "sale.approved"
	EventTypeSaleFinalized    = "sale.finalized"
	EventTypeSaleCancelled    = "sale.cancelled"
)

type saleEvent struct {
	evt *types.Event
}

func (e saleEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e saleEvent) Event() *types.Event { return e.evt }

func newListedEvent(l *Listing) saleEvent {
	attrs := listingAttributes(l)
	return saleEvent{evt: &types.Event{Type: EventTypeSaleListed, Attributes: attrs}}
}

func newDepositedEvent(l *Listing, depositor [20]byte, amount *big.Int) saleEvent {
	attrs := listingAttributes(l)
	attrs["depositor"] = hex.EncodeToString(depositor[:])
	attrs["amount"] = amount.String()
	return saleEvent{evt: &types.Event{Type: EventTypeSaleDeposited, Attributes: attrs}}
}

func newLenderFundedEvent(l *Listing, lender [20]byte, amount *big.Int) saleEvent {
	attrs := listingAttributes(l)
	attrs["lender"] = hex.EncodeToString(lender[:])
	attrs["amount"] = amount.String()
	return saleEvent{evt: &types.Event{Type: EventTypeSaleLenderFunded, Attributes: attrs}}
}

func newInspectionEvent(l *Listing) saleEvent {
	attrs := listingAttributes(l)
	attrs["passed"] = strconv.FormatBool(l.InspectionPassed)
	return saleEvent{evt: &types.Event{Type: EventTypeSaleInspection, Attributes: attrs}}
}

func newApprovedEvent(l *Listing, approver [20]byte) saleEvent {
	attrs := listingAttributes(l)
	attrs["approver"] = hex.EncodeToString(approver[:])
	return saleEvent{evt: &types.Event{Type: EventTypeSaleApproved, Attributes: attrs}}
}

func newFinalizedEvent(l *Listing, paid, surplus *big.Int) saleEvent {
	attrs := listingAttributes(l)
	attrs["paid"] = paid.String()
	if surplus != nil && surplus.Sign() > 0 {
		attrs["surplusRefunded"] = surplus.String()
	}
	return saleEvent{evt: &types.Event{Type: EventTypeSaleFinalized, Attributes: attrs}}
}

func newCancelledEvent(l *Listing, recipient [20]byte, refunded *big.Int) saleEvent {
	attrs := listingAttributes(l)
	attrs["recipient"] = hex.EncodeToString(recipient[:])
	if refunded != nil {
		attrs["amount"] = refunded.String()
	}
	return saleEvent{evt: &types.Event{Type: EventTypeSaleCancelled, Attributes: attrs}}
}

func listingAttributes(l *Listing) map[string]string {
	attrs := make(map[string]string)
	if l == nil {
		return attrs
	}
	sanitized, err := SanitizeListing(l)
	if err != nil {
		return attrs
	}
	attrs["assetId"] = strconv.FormatUint(sanitized.AssetID, 10)
	attrs["buyer"] = hex.EncodeToString(sanitized.Buyer[:])
	attrs["purchasePrice"] = sanitized.PurchasePrice.String()
	attrs["earnestAmount"] = sanitized.EarnestAmount.String()
	attrs["status"] = sanitized.Status.String()
	return attrs
}
