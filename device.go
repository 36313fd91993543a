package dieselcore

import (
	"fmt"
	"log/slog"

	"github.com/cockroachdb/errors"
)

// SwapchainExtensionName is mandatory for any presentable device.
const SwapchainExtensionName = "VK_KHR_swapchain"

// DeviceInfo is the immutable identity and capability snapshot of the
// selected physical device. Created once during negotiation and owned by the
// context for its lifetime.
type DeviceInfo struct {
	Handle           PhysicalDevice
	Props            DeviceProperties
	EffectiveVersion uint32
	Features         FeatureFlags
	Families         []QueueFamily
	Extensions       map[string]struct{}
	SurfaceFormats   []SurfaceFormat
	PresentModes     []PresentMode
	Selection        Selection
}

// HasExtension reports whether the device advertises the named extension.
func (d *DeviceInfo) HasExtension(name string) bool {
	_, ok := d.Extensions[name]
	return ok
}

// Scoring weights. These are tunable policy constants; only the relative
// ordering of preferences is contract.
const (
	scoreDeviceTypeMatch    = 1000
	scorePerMinorVersion    = 500
	scoreTimelineSemaphore  = 300
	scoreBufferAddress      = 300
	scoreDescriptorIndexing = 200
	scoreCaptureReplay      = 50
	scoreMailboxPresent     = 100
	scorePerSurfaceFormat   = 10
)

// negotiateDevice enumerates every physical device, filters out the
// inadequate ones, scores the rest and returns the winner. Zero devices, or
// none adequate, is fatal and not retried.
func negotiateDevice(b Backend, surface Surface, cfg Config, logger *slog.Logger) (*DeviceInfo, error) {
	devices, err := b.EnumeratePhysicalDevices()
	if err != nil {
		return nil, errors.Wrap(err, "enumerating physical devices")
	}
	if len(devices) == 0 {
		return nil, &Error{Kind: KindInitialization, Code: ErrInitializationFail, Context: "no physical devices"}
	}

	instanceVersion := b.InstanceVersion()
	var best *DeviceInfo
	bestScore := -1
	for _, pd := range devices {
		info, err := inspectDevice(b, pd, surface, instanceVersion)
		if err != nil {
			logger.Debug("device rejected", "device", b.DeviceProperties(pd).Name, "reason", err)
			continue
		}
		score := scoreDevice(info, cfg)
		logger.Debug("device scored",
			"device", info.Props.Name,
			"type", info.Props.Type,
			"apiVersion", info.Props.APIVersion,
			"score", score)
		// Strictly greater keeps enumeration order as the tie break.
		if score > bestScore {
			best, bestScore = info, score
		}
	}
	if best == nil {
		return nil, &Error{Kind: KindInitialization, Code: ErrInitializationFail, Context: "no adequate physical device"}
	}
	logger.Info("selected device",
		"device", best.Props.Name,
		"effectiveVersion", versionString(best.EffectiveVersion),
		"features", uint32(best.Features))
	return best, nil
}

// inspectDevice builds the capability snapshot for one device, or reports why
// the device is inadequate.
func inspectDevice(b Backend, pd PhysicalDevice, surface Surface, instanceVersion uint32) (*DeviceInfo, error) {
	props := b.DeviceProperties(pd)

	exts, err := b.DeviceExtensions(pd)
	if err != nil {
		return nil, errors.Wrapf(err, "querying extensions for %s", props.Name)
	}
	extSet := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		extSet[e] = struct{}{}
	}
	if _, ok := extSet[SwapchainExtensionName]; !ok {
		return nil, errors.Newf("missing mandatory extension %s", SwapchainExtensionName)
	}

	formats, err := b.SurfaceFormats(pd, surface)
	if err != nil || len(formats) == 0 {
		return nil, errors.New("no supported surface formats")
	}
	modes, err := b.PresentModes(pd, surface)
	if err != nil || len(modes) == 0 {
		return nil, errors.New("no supported present modes")
	}

	families := b.QueueFamilies(pd)
	sel, ok := selectQueueFamilies(b, pd, surface, families)
	if !ok {
		return nil, errors.New("no graphics+present queue coverage")
	}

	// The working version is capped by what the instance can drive.
	effective := minVersion(instanceVersion, props.APIVersion)

	info := &DeviceInfo{
		Handle:           pd,
		Props:            props,
		EffectiveVersion: effective,
		Features:         b.DeviceFeatures(pd, effective),
		Families:         families,
		Extensions:       extSet,
		SurfaceFormats:   formats,
		PresentModes:     modes,
		Selection:        sel,
	}
	return info, nil
}

func scoreDevice(info *DeviceInfo, cfg Config) int {
	score := 0

	switch info.Props.Type {
	case DeviceTypeDiscrete:
		if !cfg.PreferIntegratedGPU {
			score += scoreDeviceTypeMatch
		}
	case DeviceTypeIntegrated:
		if cfg.PreferIntegratedGPU {
			score += scoreDeviceTypeMatch
		}
	}

	score += int(VersionMinor(info.EffectiveVersion)) * scorePerMinorVersion

	if info.Features.Has(FeatureTimelineSemaphore) {
		score += scoreTimelineSemaphore
	}
	if info.Features.Has(FeatureBufferDeviceAddress) {
		score += scoreBufferAddress
	}
	if info.Features.Has(FeatureDescriptorIndexing) {
		score += scoreDescriptorIndexing
	}
	if info.Features.Has(FeatureCaptureReplay) {
		score += scoreCaptureReplay
	}

	score += int(info.Props.Limits.MaxImageDimension2D / 8)

	score += len(info.SurfaceFormats) * scorePerSurfaceFormat
	for _, m := range info.PresentModes {
		if m == PresentModeMailbox {
			score += scoreMailboxPresent
		}
	}
	return score
}

func versionString(v uint32) string {
	return fmt.Sprintf("%d.%d.%d", VersionMajor(v), VersionMinor(v), VersionPatch(v))
}
