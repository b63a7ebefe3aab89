package matching

import "fmt"

// Data point keys used by the pair and order-state data sets.
const (
	KeyIOIHandle         = "ioiHandle"
	KeyIOIInstrumentType = "ioiInstrumentType"
	KeyIOIGoodUntil      = "ioiGoodUntil"
	KeyIOIBidQuantity    = "ioiBidQuantity"
	KeyIOIOfferQuantity  = "ioiOfferQuantity"
	KeyIOITicker         = "ioiTicker"
	KeyIOIBrokerCode     = "ioiBrokerCode"
	KeyIOIIsValid        = "ioiIsValid"

	KeyOrderStatus     = "orderStatus"
	KeyOrderNumber     = "orderNumber"
	KeyOrderWorking    = "orderWorking"
	KeyOrderAmount     = "orderAmount"
	KeyOrderIdleAmount = "orderIdleAmount"
	KeyOrderTicker     = "orderTicker"
	KeyOrderSide       = "orderSide"
	KeyOrderAssetClass = "orderAssetClass"
	KeyOrderIsValid    = "orderIsValid"

	KeyRouteID = "routeID"
)

// PairID names the data set for one IOI/order pair. Order sequences never
// contain an underscore, so the id is unambiguous even when the IOI handle
// does.
func PairID(ioiHandle, orderSequence string) string {
	return fmt.Sprintf("DS_PAIR_%s_%s", ioiHandle, orderSequence)
}

// OrderStateID names the single-order data set.
func OrderStateID(orderSequence string) string {
	return "DS_OR_" + orderSequence
}
