package serviceclient

import "time"

// LicensingInfo mirrors the subset of opsi's licensing_info() RPC this
// daemon consumes.
type LicensingInfo struct {
	AvailableModules map[string]struct{}
}

// HasModule reports whether module is among the licensed modules.
func (l LicensingInfo) HasModule(module string) bool {
	_, ok := l.AvailableModules[module]
	return ok
}

// Host is the subset of a host object the daemon needs to pick PXE file
// names (spec.md §4.5.2).
type Host struct {
	ID              string
	SystemUUID      string
	HardwareAddress string
	OpsiHostKey     string
}

// ProductOnDepot locates a product's exact version on a given depot.
type ProductOnDepot struct {
	ProductID      string
	DepotID        string
	ProductVersion string
	PackageVersion string
}

// Product is the subset of product metadata the renderer/pipeline need.
type Product struct {
	ID                string
	ProductVersion    string
	PackageVersion    string
	PXEConfigTemplate string
}

// ProductOnClient is the authoritative record of a pending (or completed)
// action for a product on a client.
type ProductOnClient struct {
	ClientID         string
	ProductID        string
	ProductVersion   string
	PackageVersion   string
	ActionRequest    string
	ActionProgress   string
	ModificationTime time.Time
}

// ActionRequests is the fixed set of action requests the daemon reacts to
// (spec.md §4.1).
var ActionRequests = []string{"setup", "uninstall", "update", "always", "once", "custom"}
