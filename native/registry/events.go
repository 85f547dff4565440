package registry

import (
	"encoding/hex"
	"strconv"

	"deedchain/core/types"
)

const (
	EventTypeAssetMinted      = "registry.minted"
	EventTypeAssetApproved    = "registry.approved"
	EventTypeAssetTransferred = "registry.transferred"
)

type registryEvent struct {
	evt *types.Event
}

func (e registryEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e registryEvent) Event() *types.Event { return e.evt }

func newMintedEvent(a *Asset) registryEvent {
	attrs := assetAttributes(a)
	return registryEvent{evt: &types.Event{Type: EventTypeAssetMinted, Attributes: attrs}}
}

func newApprovedEvent(a *Asset, grantee [20]byte) registryEvent {
	attrs := assetAttributes(a)
	attrs["grantee"] = hex.EncodeToString(grantee[:])
	return registryEvent{evt: &types.Event{Type: EventTypeAssetApproved, Attributes: attrs}}
}

func newTransferredEvent(a *Asset, previous [20]byte) registryEvent {
	attrs := assetAttributes(a)
	attrs["from"] = hex.EncodeToString(previous[:])
	return registryEvent{evt: &types.Event{Type: EventTypeAssetTransferred, Attributes: attrs}}
}

func assetAttributes(a *Asset) map[string]string {
	attrs := make(map[string]string)
	if a == nil {
		return attrs
	}
	attrs["assetId"] = strconv.FormatUint(a.ID, 10)
	attrs["holder"] = hex.EncodeToString(a.Holder[:])
	attrs["uri"] = a.URI
	return attrs
}
