package registry

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

type mockState struct {
	assets map[uint64]*Asset
	nextID uint64
}

func newMockState() *mockState {
	return &mockState{assets: make(map[uint64]*Asset)}
}

func (m *mockState) AssetPut(a *Asset) error {
	sanitized, err := SanitizeAsset(a)
	if err != nil {
		return err
	}
	m.assets[sanitized.ID] = sanitized.Clone()
	return nil
}

func (m *mockState) AssetGet(id uint64) (*Asset, bool) {
	asset, ok := m.assets[id]
	if !ok {
		return nil, false
	}
	return asset.Clone(), true
}

func (m *mockState) NextAssetID() (uint64, error) {
	m.nextID++
	return m.nextID, nil
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func newTestEngine(state *mockState) *Engine {
	engine := NewEngine()
	engine.SetState(state)
	engine.SetNowFunc(func() int64 { return 1_700_000_000 })
	return engine
}

func TestMintAssignsSequentialIDs(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	holder := newTestAddress(0x01)

	for i := 1; i <= 3; i++ {
		asset, err := engine.Mint(holder, fmt.Sprintf("ipfs://property/%d.json", i))
		if err != nil {
			t.Fatalf("mint %d: %v", i, err)
		}
		if asset.ID != uint64(i) {
			t.Fatalf("expected id %d, got %d", i, asset.ID)
		}
		if asset.Holder != holder {
			t.Fatalf("mint %d: holder mismatch", i)
		}
	}
}

func TestMintRejectsEmptyURI(t *testing.T) {
	engine := newTestEngine(newMockState())
	if _, err := engine.Mint(newTestAddress(0x01), "   "); err == nil {
		t.Fatal("expected empty uri to be rejected")
	}
}

func TestApproveForTransferRequiresHolder(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	holder := newTestAddress(0x01)
	stranger := newTestAddress(0x02)
	grantee := newTestAddress(0x03)

	asset, err := engine.Mint(holder, "ipfs://property/1.json")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := engine.ApproveForTransfer(stranger, asset.ID, grantee); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := engine.ApproveForTransfer(holder, asset.ID, grantee); err != nil {
		t.Fatalf("approve: %v", err)
	}
	stored, _ := state.AssetGet(asset.ID)
	if stored.Approved != grantee {
		t.Fatal("grantee not recorded")
	}
}

func TestTransferAuthorization(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	holder := newTestAddress(0x01)
	grantee := newTestAddress(0x02)
	stranger := newTestAddress(0x03)
	recipient := newTestAddress(0x04)

	asset, err := engine.Mint(holder, "ipfs://property/1.json")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	if err := engine.Transfer(stranger, asset.ID, holder, recipient); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := engine.Transfer(holder, asset.ID, stranger, recipient); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner for wrong sender, got %v", err)
	}

	if err := engine.ApproveForTransfer(holder, asset.ID, grantee); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := engine.Transfer(grantee, asset.ID, holder, recipient); err != nil {
		t.Fatalf("grantee transfer: %v", err)
	}

	stored, _ := state.AssetGet(asset.ID)
	if stored.Holder != recipient {
		t.Fatal("holder not updated")
	}
	if stored.HasApproval() {
		t.Fatal("approval should be cleared on transfer")
	}
}

func TestTransferMissingAsset(t *testing.T) {
	engine := newTestEngine(newMockState())
	err := engine.Transfer(newTestAddress(0x01), 42, newTestAddress(0x01), newTestAddress(0x02))
	if !errors.Is(err, ErrAssetNotFound) {
		t.Fatalf("expected ErrAssetNotFound, got %v", err)
	}
}

func TestHolderOf(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	holder := newTestAddress(0x07)

	asset, err := engine.Mint(holder, "ipfs://property/1.json")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	got, err := engine.HolderOf(asset.ID)
	if err != nil {
		t.Fatalf("holder of: %v", err)
	}
	if got != holder {
		t.Fatal("holder mismatch")
	}
	if _, err := engine.HolderOf(99); !errors.Is(err, ErrAssetNotFound) {
		t.Fatalf("expected ErrAssetNotFound, got %v", err)
	}
}
