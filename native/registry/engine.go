package registry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"deedchain/core/events"
)

var (
	errNilState = errors.New("registry engine: state not configured")

	// ErrAssetNotFound is returned when no asset exists for the identifier.
	ErrAssetNotFound = errors.New("registry: asset not found")
	// ErrNotOwner is returned when a holder-only operation is attempted by
	// another account.
	ErrNotOwner = errors.New("registry: caller is not the holder")
	// ErrUnauthorized is returned when the caller is neither the holder nor
	// the approved grantee.
	ErrUnauthorized = errors.New("registry: caller not authorized to transfer")
)

type engineState interface {
	AssetPut(*Asset) error
	AssetGet(id uint64) (*Asset, bool)
	NextAssetID() (uint64, error)
}

// Engine owns the asset registry business logic: minting, transfer approval
// and custody transfer. All persistence goes through the narrow state
// interface so the engine stays deterministic and testable.
type Engine struct {
	state   engineState
	emitter events.Emitter
	nowFn   func() int64
}

// NewEngine creates a registry engine with a no-op emitter. Callers can
// override the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(event registryEvent) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(event)
}

func (e *Engine) loadAsset(id uint64) (*Asset, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	asset, ok := e.state.AssetGet(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrAssetNotFound, id)
	}
	return asset, nil
}

// Mint records a new asset with the next sequential identifier, the caller as
// holder and the supplied metadata URI.
func (e *Engine) Mint(caller [20]byte, uri string) (*Asset, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	trimmed := strings.TrimSpace(uri)
	if trimmed == "" {
		return nil, fmt.Errorf("registry: metadata uri must not be empty")
	}
	if caller == ([20]byte{}) {
		return nil, fmt.Errorf("registry: minting caller must be set")
	}
	id, err := e.state.NextAssetID()
	if err != nil {
		return nil, err
	}
	asset := &Asset{
		ID:       id,
		Holder:   caller,
		URI:      trimmed,
		MintedAt: e.nowFn(),
	}
	if err := e.state.AssetPut(asset); err != nil {
		return nil, err
	}
	e.emit(newMintedEvent(asset))
	return asset.Clone(), nil
}

// ApproveForTransfer records a grantee authorized to move the asset once. Only
// the current holder may grant approval.
func (e *Engine) ApproveForTransfer(caller [20]byte, id uint64, grantee [20]byte) error {
	asset, err := e.loadAsset(id)
	if err != nil {
		return err
	}
	if asset.Holder != caller {
		return fmt.Errorf("%w: asset %d", ErrNotOwner, id)
	}
	asset.Approved = grantee
	if err := e.state.AssetPut(asset); err != nil {
		return err
	}
	e.emit(newApprovedEvent(asset, grantee))
	return nil
}

// Transfer moves the asset from the recorded holder to the recipient. The
// caller must be the holder or the approved grantee; the grantee slot is
// cleared on success so each approval authorizes a single move.
func (e *Engine) Transfer(caller [20]byte, id uint64, from, to [20]byte) error {
	asset, err := e.loadAsset(id)
	if err != nil {
		return err
	}
	if asset.Holder != from {
		return fmt.Errorf("%w: asset %d is not held by the named sender", ErrNotOwner, id)
	}
	if caller != asset.Holder && (!asset.HasApproval() || caller != asset.Approved) {
		return fmt.Errorf("%w: asset %d", ErrUnauthorized, id)
	}
	if to == ([20]byte{}) {
		return fmt.Errorf("registry: transfer recipient must be set")
	}
	previous := asset.Holder
	asset.Holder = to
	asset.Approved = [20]byte{}
	if err := e.state.AssetPut(asset); err != nil {
		return err
	}
	e.emit(newTransferredEvent(asset, previous))
	return nil
}

// HolderOf resolves the current holder of an asset.
func (e *Engine) HolderOf(id uint64) ([20]byte, error) {
	asset, err := e.loadAsset(id)
	if err != nil {
		return [20]byte{}, err
	}
	return asset.Holder, nil
}
