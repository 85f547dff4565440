package state

const (
	accountKeyFormat = "account/%x"

	assetKeyFormat  = "registry/asset/%d"
	assetCounterKey = "registry/next-id"

	listingKeyFormat   = "sale/listing/%d"
	approvalsKeyFormat = "sale/approvals/%d"
	fundsKeyFormat     = "sale/funds/%d"
	fundsTotalKey      = "sale/funds/total"
)
