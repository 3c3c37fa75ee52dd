// Package update implements the update pipeline (spec.md §4.5, component
// C5): given a host id, it fans out to the configuration service, picks
// a template, builds the append and property-state maps, applies the
// writer replacement protocol, and starts a new writer. Grounded on the
// teacher's internal/mcp.Manager Reload flow — gather everything that
// needs network I/O first, outside any lock, then commit a short,
// lock-protected mutation at the end.
package update

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opsiorg/opsipxeconfd/internal/config"
	"github.com/opsiorg/opsipxeconfd/internal/hostid"
	"github.com/opsiorg/opsipxeconfd/internal/pxetemplate"
	"github.com/opsiorg/opsipxeconfd/internal/registry"
	"github.com/opsiorg/opsipxeconfd/internal/secret"
	"github.com/opsiorg/opsipxeconfd/internal/serviceclient"
	"github.com/opsiorg/opsipxeconfd/internal/writer"
	"github.com/opsiorg/opsipxeconfd/internal/xerr"
)

// obsoleteTemplateAliases maps deprecated pxe_config_template values to
// "fall back to default", per spec.md §4.5.1.
var obsoleteTemplateAliases = map[string]bool{
	"install-x64": true,
	"install3264": true,
}

// Service is the subset of the serviceclient facade the pipeline needs.
// Defined here (not in serviceclient) so tests can supply a fake without
// standing up an HTTP server.
type Service interface {
	Host(ctx context.Context, id string) (*serviceclient.Host, error)
	NetbootActions(ctx context.Context, clientIDs []string, actionRequests []string) ([]serviceclient.ProductOnClient, error)
	ProductOnDepot(ctx context.Context, productID, depotID string) (*serviceclient.ProductOnDepot, error)
	Product(ctx context.Context, id, productVersion, packageVersion string) (*serviceclient.Product, error)
	ProductPropertyValues(ctx context.Context, productIDs, objectIDs []string) (map[string]string, error)
	ProductPropertyDefaultValues(ctx context.Context, productID string) (map[string]string, error)
	ConfigValues(ctx context.Context, configIDs, objectIDs []string) (map[string]map[string]string, error)
	UpdateProductOnClient(ctx context.Context, poc serviceclient.ProductOnClient) error
}

// Pipeline drives the update operation against a Service, a writer
// Registry, and licensing flags snapshotted at construction.
type Pipeline struct {
	svc      Service
	reg      *registry.Registry
	cfg      *config.Store
	licensed serviceclient.LicensingInfo
}

// New builds a Pipeline. licensed is captured once; it is not refreshed
// except by reconstructing the Pipeline (spec.md §3: licensing flags are
// a construction-time snapshot for each writer).
func New(svc Service, reg *registry.Registry, cfg *config.Store, licensed serviceclient.LicensingInfo) *Pipeline {
	return &Pipeline{svc: svc, reg: reg, cfg: cfg, licensed: licensed}
}

// Run executes the full pipeline for hostID and returns the reply text
// the control server hands back to its caller (spec.md §4.5).
func (p *Pipeline) Run(ctx context.Context, rawHostID string) (string, error) {
	id, err := hostid.Parse(rawHostID)
	if err != nil {
		return "", xerr.Invalid("update: %v", err)
	}
	hostID := string(id)

	p.reg.Replace(hostID)

	host, err := p.svc.Host(ctx, hostID)
	if err != nil {
		return "", fmt.Errorf("update: fetch host %q: %w", hostID, err)
	}
	if host == nil {
		return "Boot configuration updated", nil
	}

	pocs, err := p.svc.NetbootActions(ctx, []string{hostID}, serviceclient.ActionRequests)
	if err != nil {
		return "", fmt.Errorf("update: fetch product actions for %q: %w", hostID, err)
	}
	poc, ok := highestPriority(pocs)
	if !ok {
		return "Boot configuration updated", nil
	}

	snap := p.cfg.Load()

	pod, err := p.svc.ProductOnDepot(ctx, poc.ProductID, snap.DepotID)
	if err != nil {
		return "", fmt.Errorf("update: resolve product-on-depot: %w", err)
	}
	if pod == nil {
		secret.Logf("[Update] %s: product %q not found on depot %q", hostID, poc.ProductID, snap.DepotID)
		return "Boot configuration updated", nil
	}

	product, err := p.svc.Product(ctx, pod.ProductID, pod.ProductVersion, pod.PackageVersion)
	if err != nil {
		return "", fmt.Errorf("update: resolve product: %w", err)
	}
	if product == nil {
		secret.Logf("[Update] %s: product %q version %s-%s not found", hostID, pod.ProductID, pod.ProductVersion, pod.PackageVersion)
		return "Boot configuration updated", nil
	}

	templatePath := resolveTemplatePath(product.PXEConfigTemplate, snap.DefaultTemplate)

	pxeFiles, err := outputFileNames(host, snap.PXEDirectory)
	if err != nil {
		return "", xerr.Fatal("update: %s: %v", hostID, err)
	}

	for _, path := range pxeFiles {
		if owner, ok := p.reg.PathOwner(path); ok && owner != hostID {
			return "", xerr.Fatal("update: %s: file %q already owned by %q (likely address collision)", hostID, path, owner)
		}
	}

	appendMap, err := p.buildAppendMap(ctx, hostID, host, poc, snap)
	if err != nil {
		return "", fmt.Errorf("update: %s: build append map: %w", hostID, err)
	}

	propMap, err := p.buildPropertyMap(ctx, hostID, poc.ProductID)
	if err != nil {
		return "", fmt.Errorf("update: %s: build property map: %w", hostID, err)
	}

	lines, err := readTemplateLines(templatePath)
	if err != nil {
		return "", fmt.Errorf("update: %s: read template %q: %w", hostID, templatePath, err)
	}

	content, err := pxetemplate.Render(lines, propMap, appendMap, pxetemplate.Flags{
		UEFIEnabled:       p.licensed.HasModule("uefi"),
		SecureBootEnabled: p.licensed.HasModule("secureboot"),
	})
	if err != nil {
		return "", fmt.Errorf("update: %s: render template: %w", hostID, err)
	}

	w := writer.New(hostID, templatePath, pxeFiles, content, appendMap,
		p.licensed.HasModule("uefi"), p.licensed.HasModule("secureboot"),
		snap.AdminGroup, p.onComplete(poc))
	if err := w.Start(); err != nil {
		return "", fmt.Errorf("update: %s: start writer: %w", hostID, err)
	}
	p.reg.Insert(w)

	return "Boot configuration updated", nil
}

// Remove stops and drops any writer for hostID (spec.md §4.7 `remove`
// command).
func (p *Pipeline) Remove(rawHostID string) (string, error) {
	id, err := hostid.Parse(rawHostID)
	if err != nil {
		return "", xerr.Invalid("remove: %v", err)
	}
	p.reg.Replace(string(id))
	return "Boot configuration removed", nil
}

// highestPriority returns the first product-on-client entry whose
// action request is neither empty nor "none", treating the service's own ordering as
// priority order (spec.md §4.5 step 4: "highest-priority ... pending
// action request").
func highestPriority(pocs []serviceclient.ProductOnClient) (serviceclient.ProductOnClient, bool) {
	for _, poc := range pocs {
		if poc.ActionRequest != "" && poc.ActionRequest != "none" {
			return poc, true
		}
	}
	return serviceclient.ProductOnClient{}, false
}

// resolveTemplatePath implements spec.md §4.5.1.
func resolveTemplatePath(productTemplate, defaultTemplate string) string {
	path := productTemplate
	if path == "" || obsoleteTemplateAliases[path] {
		if obsoleteTemplateAliases[path] {
			secret.Logf("[Update] pxe_config_template %q is obsolete, falling back to default", path)
		}
		path = defaultTemplate
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(filepath.Dir(defaultTemplate), path)
	}
	return path
}

// outputFileNames implements spec.md §4.5.2.
func outputFileNames(host *serviceclient.Host, pxeDir string) ([]string, error) {
	var names []string
	if host.SystemUUID != "" {
		names = append(names, host.SystemUUID)
	}
	if host.HardwareAddress != "" {
		names = append(names, "01-"+strings.ReplaceAll(host.HardwareAddress, ":", "-"))
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("host %q has neither system_uuid nor hardware_address", host.ID)
	}
	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(pxeDir, n)
	}
	return paths, nil
}

// buildAppendMap implements spec.md §4.5 step 11: the fixed keys plus
// opsi-linux-bootimage.append kernel parameters.
func (p *Pipeline) buildAppendMap(ctx context.Context, hostID string, host *serviceclient.Host, poc serviceclient.ProductOnClient, snap *config.Snapshot) (pxetemplate.Params, error) {
	serviceAddress, err := serviceAddressFor(snap.ServiceURL)
	if err != nil {
		return nil, err
	}

	configs, err := p.svc.ConfigValues(ctx, []string{"opsi-linux-bootimage.append"}, []string{hostID})
	if err != nil {
		return nil, err
	}

	secret.Register(host.OpsiHostKey)

	params := pxetemplate.Params{
		{Key: "hn", Value: hostShortName(hostID)},
		{Key: "dn", Value: hostDomain(hostID)},
		{Key: "product", Value: poc.ProductID},
		{Key: "macaddress", Value: host.HardwareAddress},
		{Key: "service", Value: serviceAddress},
	}

	if raw, ok := configs[hostID]["opsi-linux-bootimage.append"]; ok {
		params = append(params, parseBootimageAppend(raw)...)
	}

	// spec.md §4.5 step 11 lists pckey among the append map's fixed keys,
	// but §3 requires it removed before rendering after being registered
	// with the secret redactor — so it is registered above and never
	// actually added to params, sparing the pure renderer from having to
	// strip it again.
	return params, nil
}

// buildPropertyMap implements spec.md §4.5 step 12's supplemented
// defaulting behavior: a product's own default property values,
// overlaid with whatever per-client property-state overrides exist,
// client overrides winning. The original opsipxeconfd gets the
// defaults baked in by the backend (addProductPropertyStateDefaults);
// this pipeline fetches and merges them itself since this client talks
// to the plain object-state RPCs.
func (p *Pipeline) buildPropertyMap(ctx context.Context, hostID, productID string) (map[string]string, error) {
	defaults, err := p.svc.ProductPropertyDefaultValues(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("fetch product property defaults: %w", err)
	}
	overrides, err := p.svc.ProductPropertyValues(ctx, []string{productID}, []string{hostID})
	if err != nil {
		return nil, fmt.Errorf("fetch property states: %w", err)
	}

	propMap := make(map[string]string, len(defaults)+len(overrides))
	for id, v := range defaults {
		propMap[id] = v
	}
	for id, v := range overrides {
		propMap[id] = v
	}
	return propMap, nil
}

func hostShortName(hostID string) string {
	if i := strings.IndexByte(hostID, '.'); i >= 0 {
		return hostID[:i]
	}
	return hostID
}

func hostDomain(hostID string) string {
	if i := strings.IndexByte(hostID, '.'); i >= 0 {
		return hostID[i+1:]
	}
	return ""
}

// parseBootimageAppend parses a space-separated list of key[=value]
// tokens, lower-casing keys and treating a bare token as an empty-value
// key.
func parseBootimageAppend(raw string) pxetemplate.Params {
	var params pxetemplate.Params
	for _, tok := range strings.Fields(raw) {
		key, value, _ := strings.Cut(tok, "=")
		params = append(params, pxetemplate.Param{Key: strings.ToLower(key), Value: value})
	}
	return params
}

func serviceAddressFor(serviceURL string) (string, error) {
	if strings.HasSuffix(serviceURL, "/rpc") {
		return serviceURL, nil
	}
	return strings.TrimSuffix(serviceURL, "/") + "/rpc", nil
}

func readTemplateLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	lines := strings.Split(text, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines, nil
}

// onComplete builds the writer completion callback (spec.md §4.6). It
// runs synchronously on the writer's own goroutine, so it never blocks
// CLEANUP for longer than the RPC round-trip it performs.
func (p *Pipeline) onComplete(original serviceclient.ProductOnClient) writer.CompletionCallback {
	return func(w *writer.Writer) {
		p.reg.Remove(w)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		pocs, err := p.svc.NetbootActions(ctx, []string{w.HostID}, serviceclient.ActionRequests)
		if err != nil {
			secret.Logf("[Update] %s: completion: fetch product-on-client: %v", w.HostID, err)
			return
		}
		poc, ok := mostRecentFor(pocs, original.ProductID)
		if !ok {
			poc = original
		}

		poc.ActionProgress = "pxe boot configuration read"
		if poc.ActionRequest != "always" {
			poc.ActionRequest = "none"
		}

		if err := p.svc.UpdateProductOnClient(ctx, poc); err != nil {
			secret.Logf("[Update] %s: completion: publish product-on-client: %v", w.HostID, err)
		}
	}
}

func mostRecentFor(pocs []serviceclient.ProductOnClient, productID string) (serviceclient.ProductOnClient, bool) {
	var best serviceclient.ProductOnClient
	found := false
	for _, poc := range pocs {
		if poc.ProductID != productID {
			continue
		}
		if !found || poc.ModificationTime.After(best.ModificationTime) {
			best = poc
			found = true
		}
	}
	return best, found
}
