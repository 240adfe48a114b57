// Package system identifies the edge device and samples its resources
package system

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"runtime"
	"slices"
	"time"

	"github.com/constellation-overwatch/overwatch-isr/internal/models"
	"github.com/shirou/gopsutil/v3/host"
	gnet "github.com/shirou/gopsutil/v3/net"
)

const componentName = "overwatch-isr"

// HostInfo is what the fingerprint is derived from
type HostInfo struct {
	Hostname        string
	MACAddress      string
	OS              string
	Platform        string
	PlatformVersion string
	KernelVersion   string
	Arch            string
}

// Probe reads host identity through gopsutil, falling back to the Go runtime
// for anything it cannot determine
func Probe(ctx context.Context) HostInfo {
	info := HostInfo{
		OS:   runtime.GOOS,
		Arch: runtime.GOARCH,
	}

	if hi, err := host.InfoWithContext(ctx); err == nil {
		info.Hostname = hi.Hostname
		info.OS = hi.OS
		info.Platform = hi.Platform
		info.PlatformVersion = hi.PlatformVersion
		info.KernelVersion = hi.KernelVersion
		if hi.KernelArch != "" {
			info.Arch = hi.KernelArch
		}
	}

	if info.Hostname == "" {
		info.Hostname, _ = os.Hostname()
	}

	info.MACAddress = primaryMAC(ctx)
	return info
}

func primaryMAC(ctx context.Context) string {
	ifaces, err := gnet.InterfacesWithContext(ctx)
	if err != nil {
		return "unknown"
	}

	for _, iface := range ifaces {
		if iface.HardwareAddr == "" || slices.Contains(iface.Flags, "loopback") {
			continue
		}
		return iface.HardwareAddr
	}
	return "unknown"
}

// DeviceID is the first 16 hex characters of sha256("host-mac-arch")
func DeviceID(hostname, mac, arch string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s-%s-%s", hostname, mac, arch)))
	return hex.EncodeToString(sum[:])[:16]
}

// NewFingerprint assembles a fingerprint for the running component
func NewFingerprint(info HostInfo, orgID, version string, profile models.ModelProfile, res *Resources, at time.Time) models.DeviceFingerprint {
	fp := models.DeviceFingerprint{
		DeviceID:       DeviceID(info.Hostname, info.MACAddress, info.Arch),
		OrganizationID: orgID,
		Hostname:       info.Hostname,
		MACAddress:     info.MACAddress,
		Platform: map[string]string{
			"system":           info.OS,
			"platform":         info.Platform,
			"platform_version": info.PlatformVersion,
			"release":          info.KernelVersion,
			"machine":          info.Arch,
		},
		Component: models.ComponentInfo{
			Name:         componentName,
			Type:         "detection",
			Version:      version,
			Mode:         profile.Mode,
			Description:  profile.Description,
			Capabilities: profile.Capabilities.Names(),
		},
		FingerprintedAt: models.FormatTimestamp(at),
	}

	if res != nil {
		fp.Platform["processor"] = res.Processor
		fp.System = res.SystemBlock()
	}

	return fp
}

// Fingerprint probes the host and builds its fingerprint
func Fingerprint(ctx context.Context, orgID, version string, profile models.ModelProfile) models.DeviceFingerprint {
	res := SampleResources(ctx)
	return NewFingerprint(Probe(ctx), orgID, version, profile, &res, time.Now())
}
