package serviceclient

import "time"

// The wireXxx types mirror the JSON shape the configuration service
// actually returns (opsi's camelCase object encoding) and are kept
// private: every exported method returns the daemon's own Host /
// Product / ProductOnClient types instead, so a wire format change
// touches only this file.

type hostWire struct {
	ID              string `json:"id"`
	SystemUUID      string `json:"systemUUID"`
	HardwareAddress string `json:"hardwareAddress"`
	OpsiHostKey     string `json:"opsiHostKey"`
}

func (w hostWire) toHost() Host {
	return Host{
		ID:              w.ID,
		SystemUUID:      w.SystemUUID,
		HardwareAddress: w.HardwareAddress,
		OpsiHostKey:     w.OpsiHostKey,
	}
}

type productOnDepotWire struct {
	ProductID      string `json:"productId"`
	DepotID        string `json:"depotId"`
	ProductVersion string `json:"productVersion"`
	PackageVersion string `json:"packageVersion"`
}

func (w productOnDepotWire) toProductOnDepot() ProductOnDepot {
	return ProductOnDepot{
		ProductID:      w.ProductID,
		DepotID:        w.DepotID,
		ProductVersion: w.ProductVersion,
		PackageVersion: w.PackageVersion,
	}
}

type productWire struct {
	ID                string `json:"id"`
	ProductVersion    string `json:"productVersion"`
	PackageVersion    string `json:"packageVersion"`
	PXEConfigTemplate string `json:"pxeConfigTemplate"`
}

func (w productWire) toProduct() Product {
	return Product{
		ID:                w.ID,
		ProductVersion:    w.ProductVersion,
		PackageVersion:    w.PackageVersion,
		PXEConfigTemplate: w.PXEConfigTemplate,
	}
}

type productOnClientWire struct {
	ClientID         string `json:"clientId"`
	ProductID        string `json:"productId"`
	ProductVersion   string `json:"productVersion"`
	PackageVersion   string `json:"packageVersion"`
	ActionRequest    string `json:"actionRequest"`
	ActionProgress   string `json:"actionProgress"`
	ModificationTime string `json:"modificationTime"`
}

func (w productOnClientWire) toProductOnClient() ProductOnClient {
	poc := ProductOnClient{
		ClientID:       w.ClientID,
		ProductID:      w.ProductID,
		ProductVersion: w.ProductVersion,
		PackageVersion: w.PackageVersion,
		ActionRequest:  w.ActionRequest,
		ActionProgress: w.ActionProgress,
	}
	if w.ModificationTime != "" {
		if t, err := time.Parse("2006-01-02 15:04:05", w.ModificationTime); err == nil {
			poc.ModificationTime = t
		}
	}
	return poc
}

func fromProductOnClient(poc ProductOnClient) productOnClientWire {
	w := productOnClientWire{
		ClientID:       poc.ClientID,
		ProductID:      poc.ProductID,
		ProductVersion: poc.ProductVersion,
		PackageVersion: poc.PackageVersion,
		ActionRequest:  poc.ActionRequest,
		ActionProgress: poc.ActionProgress,
	}
	if !poc.ModificationTime.IsZero() {
		w.ModificationTime = poc.ModificationTime.Format("2006-01-02 15:04:05")
	}
	return w
}

type productPropertyStateWire struct {
	PropertyID string   `json:"propertyId"`
	ObjectID   string   `json:"objectId"`
	Values     []string `json:"values"`
}

type productPropertyWire struct {
	PropertyID    string   `json:"propertyId"`
	ProductID     string   `json:"productId"`
	DefaultValues []string `json:"defaultValues"`
}

type configStateWire struct {
	ConfigID string   `json:"configId"`
	ObjectID string   `json:"objectId"`
	Values   []string `json:"values"`
}

type configWire struct {
	ID            string   `json:"id"`
	DefaultValues []string `json:"defaultValues"`
}
