// Package setup implements the one-time `opsipxeconfd setup` CLI
// command (spec.md §6: "CLI surface ... plus `setup`"). Grounded on
// the original opsipxeconfd's opsipxeconfd/setup.py: it patches the
// configured service URL and a hashed boot-menu root password into the
// PXE directory's grub.cfg, and prepares the log directory.
package setup

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/GehirnInc/crypt/sha512_crypt"

	"github.com/opsiorg/opsipxeconfd/internal/config"
	"github.com/opsiorg/opsipxeconfd/internal/serviceclient"
)

const bootimageAppendConfigID = "opsi-linux-bootimage.append"

var (
	serviceRe = regexp.MustCompile(`\s?service=\S+`)
	pwhRe     = regexp.MustCompile(`\s?pwh=\S+`)
)

// Run executes the setup procedure against the running daemon's
// configuration (spec.md §6): it ensures the log directory exists and
// patches grub.cfg under the configured PXE directory with the service
// URL and, if the `opsi-linux-bootimage.append` config ships a default
// bootimageRootPassword, a hashed root password.
func Run(ctx context.Context, snap *config.Snapshot, svc *serviceclient.Client) error {
	log.Printf("[Setup] preparing log directory")
	if err := prepareLogDir(snap.LogFile); err != nil {
		return fmt.Errorf("setup: log directory: %w", err)
	}

	log.Printf("[Setup] patching boot menu")
	if err := patchMenuFile(ctx, snap, svc); err != nil {
		return fmt.Errorf("setup: patch menu file: %w", err)
	}
	return nil
}

func prepareLogDir(logFile string) error {
	if logFile == "" {
		return nil
	}
	dir := filepath.Dir(logFile)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return nil
}

// patchMenuFile rewrites <pxeDir>/grub.cfg's `linux ...` lines, setting
// `service=<url>` and, when a default root password is configured,
// `pwh=<hash>` (crypt(3) SHA-512, matching the template renderer's own
// password-hashing convention).
func patchMenuFile(ctx context.Context, snap *config.Snapshot, svc *serviceclient.Client) error {
	menuPath := filepath.Join(snap.PXEDirectory, "grub.cfg")
	data, err := os.ReadFile(menuPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("[Setup] %s not found, skipping menu patch", menuPath)
			return nil
		}
		return err
	}

	serviceURL := snap.ServiceURL
	if serviceURL != "" && !strings.HasSuffix(serviceURL, "/rpc") {
		serviceURL += "/rpc"
	}

	pwhEntry := ""
	if values, err := svc.ConfigDefaultValues(ctx, bootimageAppendConfigID); err != nil {
		log.Printf("[Setup] fetch %s defaults: %v", bootimageAppendConfigID, err)
	} else {
		pwhEntry = pwhEntryFrom(values)
	}

	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "linux") {
			continue
		}
		patched := line
		if serviceURL != "" {
			patched = serviceRe.ReplaceAllString(patched, "")
			patched += " service=" + serviceURL
		}
		if pwhEntry != "" {
			patched = pwhRe.ReplaceAllString(patched, "")
			patched += " " + pwhEntry
		}
		lines[i] = patched
	}

	return os.WriteFile(menuPath, []byte(strings.Join(lines, "\n")), 0o644)
}

// pwhEntryFrom scans the `opsi-linux-bootimage.append` default values for
// either a precomputed `pwh=...` token or a `bootimageRootPassword=...`
// clear-text token to hash.
func pwhEntryFrom(values []string) string {
	for _, v := range values {
		if strings.HasPrefix(v, "pwh=") {
			return v
		}
	}
	for _, v := range values {
		if strings.HasPrefix(v, "bootimageRootPassword=") {
			clear := strings.TrimPrefix(v, "bootimageRootPassword=")
			hash, err := hashPassword(clear)
			if err != nil {
				log.Printf("[Setup] hash bootimageRootPassword: %v", err)
				return ""
			}
			return "pwh=" + hash
		}
	}
	return ""
}

func hashPassword(clear string) (string, error) {
	c := sha512_crypt.New()
	return c.Generate([]byte(clear), nil)
}
