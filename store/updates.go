package store

import (
	"github.com/eematrix/cryptostore/types"
)

// Device is a device record enriched with the identity context needed for
// trust decisions: the owner's cross-signing identity and our own.
type Device struct {
	Data          *types.DeviceData
	OwnerIdentity *types.IdentityData
	OwnIdentity   *types.IdentityData
}

// Identity is an identity record together with the flag saying whether it is
// our own.
type Identity struct {
	Data *types.IdentityData
	Own  bool
}

// DeviceUpdates describes the devices that appeared or changed in one saved
// batch, keyed by owner and device id.
type DeviceUpdates struct {
	New     map[types.UserID]map[types.DeviceID]*Device
	Changed map[types.UserID]map[types.DeviceID]*Device
}

// IdentityUpdates describes the identities that appeared, changed or were
// re-confirmed in one saved batch, keyed by user.
type IdentityUpdates struct {
	New       map[types.UserID]*Identity
	Changed   map[types.UserID]*Identity
	Unchanged map[types.UserID]*Identity
}

// RawIdentityChanges is the identity and device delta of one saved batch as
// it was persisted, without any trust context attached.
type RawIdentityChanges struct {
	Identities types.IdentityChanges
	Devices    types.DeviceChanges
}

// findIdentity looks a user up across every bucket of an identity delta. A
// device and its owner's identity often arrive in the same batch, so the
// delta itself is the freshest source.
func findIdentity(changes *types.IdentityChanges, user types.UserID) *types.IdentityData {
	for _, bucket := range [][]*types.IdentityData{changes.New, changes.Changed, changes.Unchanged} {
		for _, identity := range bucket {
			if identity.UserID == user {
				return identity
			}
		}
	}
	return nil
}

// collectDeviceUpdates wraps the raw device delta of one batch into Device
// values carrying identity context.
func collectDeviceUpdates(delta identityDelta) DeviceUpdates {
	wrap := func(devices []*types.DeviceData) map[types.UserID]map[types.DeviceID]*Device {
		out := make(map[types.UserID]map[types.DeviceID]*Device)
		for _, data := range devices {
			byDevice, ok := out[data.UserID]
			if !ok {
				byDevice = make(map[types.DeviceID]*Device)
				out[data.UserID] = byDevice
			}
			byDevice[data.DeviceID] = &Device{
				Data:          data,
				OwnerIdentity: findIdentity(&delta.Identities, data.UserID),
				OwnIdentity:   delta.Own,
			}
		}
		return out
	}

	return DeviceUpdates{
		New:     wrap(delta.Devices.New),
		Changed: wrap(delta.Devices.Changed),
	}
}

// collectIdentityUpdates wraps the raw identity delta of one batch.
func collectIdentityUpdates(delta identityDelta) IdentityUpdates {
	wrap := func(identities []*types.IdentityData) map[types.UserID]*Identity {
		out := make(map[types.UserID]*Identity, len(identities))
		for _, data := range identities {
			out[data.UserID] = &Identity{Data: data, Own: data.Own}
		}
		return out
	}

	return IdentityUpdates{
		New:       wrap(delta.Identities.New),
		Changed:   wrap(delta.Identities.Changed),
		Unchanged: wrap(delta.Identities.Unchanged),
	}
}
