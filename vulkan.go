package dieselcore

import (
	"log/slog"
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/go-gl/glfw/v3.3/glfw"
	vk "github.com/goki/vulkan"
)

// VulkanBackend implements Backend against the live API. Opaque handles map
// to driver objects through internal registries so the core never touches a
// binding type.
type VulkanBackend struct {
	cfg    Config
	logger *slog.Logger

	instance        vk.Instance
	instanceVersion uint32
	debugCallback   vk.DebugReportCallback

	gpus   []vk.PhysicalDevice
	gpu    vk.PhysicalDevice
	device vk.Device

	mu         sync.Mutex
	next       uint64
	surfaces   map[Surface]vk.Surface
	swapchains map[Swapchain]vk.Swapchain
	queues     map[Queue]vk.Queue
	queueIDs   map[uint64]Queue
	images     map[Image]vulkanImage
	views      map[ImageView]vk.ImageView
	passes     map[RenderPass]vk.RenderPass
	fbs        map[Framebuffer]vk.Framebuffer
	fences     map[Fence]vk.Fence
	sems       map[Semaphore]vk.Semaphore
	pools      map[CommandPool]vk.CommandPool
	cbs        map[CommandBuffer]vk.CommandBuffer
	buffers    map[Buffer]vk.Buffer
	bufMem     map[Buffer]vk.DeviceMemory
	memories   map[DeviceMemory]vk.DeviceMemory
	caches     map[PipelineCache]vk.PipelineCache
}

type vulkanImage struct {
	image vk.Image
	owned bool
}

// NewVulkanBackend boots the loader, creates the instance with the window
// system's required extensions and, when debug is on, the validation layer
// and report callback. GLFW must already be initialized.
func NewVulkanBackend(window *glfw.Window, cfg Config, logger *slog.Logger) (*VulkanBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	vk.SetGetInstanceProcAddr(glfw.GetVulkanGetInstanceProcAddress())
	if err := vk.Init(); err != nil {
		return nil, errors.Wrap(err, "initializing vulkan loader")
	}

	b := &VulkanBackend{
		cfg:        cfg,
		logger:     logger.With("component", "vulkan"),
		surfaces:   make(map[Surface]vk.Surface),
		swapchains: make(map[Swapchain]vk.Swapchain),
		queues:     make(map[Queue]vk.Queue),
		queueIDs:   make(map[uint64]Queue),
		images:     make(map[Image]vulkanImage),
		views:      make(map[ImageView]vk.ImageView),
		passes:     make(map[RenderPass]vk.RenderPass),
		fbs:        make(map[Framebuffer]vk.Framebuffer),
		fences:     make(map[Fence]vk.Fence),
		sems:       make(map[Semaphore]vk.Semaphore),
		pools:      make(map[CommandPool]vk.CommandPool),
		cbs:        make(map[CommandBuffer]vk.CommandBuffer),
		buffers:    make(map[Buffer]vk.Buffer),
		bufMem:     make(map[Buffer]vk.DeviceMemory),
		memories:   make(map[DeviceMemory]vk.DeviceMemory),
		caches:     make(map[PipelineCache]vk.PipelineCache),
	}

	var version uint32
	if ret := vk.EnumerateInstanceVersion(&version); ret != vk.Success {
		version = MakeAPIVersion(1, 0, 0)
	}
	b.instanceVersion = version

	extensions := safeStrings(window.GetRequiredInstanceExtensions())
	var layers []string
	debugReport := false
	if cfg.Debug {
		if avail, err := instanceExtensionNames(); err == nil && hasName(avail, "VK_EXT_debug_report") {
			extensions = append(extensions, "VK_EXT_debug_report\x00")
			debugReport = true
		}
		if avail, err := instanceLayerNames(); err == nil && hasName(avail, "VK_LAYER_KHRONOS_validation") {
			layers = []string{"VK_LAYER_KHRONOS_validation\x00"}
		} else {
			b.logger.Warn("validation layer unavailable")
		}
	}

	var instance vk.Instance
	ret := vk.CreateInstance(&vk.InstanceCreateInfo{
		SType: vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: &vk.ApplicationInfo{
			SType:              vk.StructureTypeApplicationInfo,
			PApplicationName:   safeString(cfg.AppName),
			ApplicationVersion: MakeAPIVersion(1, 0, 0),
			PEngineName:        "dieselcore\x00",
			EngineVersion:      MakeAPIVersion(1, 0, 0),
			ApiVersion:         version,
		},
		EnabledExtensionCount:   uint32(len(extensions)),
		PpEnabledExtensionNames: extensions,
		EnabledLayerCount:       uint32(len(layers)),
		PpEnabledLayerNames:     layers,
	}, nil, &instance)
	if err := newError(Result(ret), "creating instance"); err != nil {
		return nil, err
	}
	b.instance = instance
	vk.InitInstance(instance)

	if debugReport {
		b.installDebugCallback()
	}
	b.logger.Info("instance created", "apiVersion", versionString(version), "debug", cfg.Debug)
	return b, nil
}

func (b *VulkanBackend) installDebugCallback() {
	var callback vk.DebugReportCallback
	ret := vk.CreateDebugReportCallback(b.instance, &vk.DebugReportCallbackCreateInfo{
		SType: vk.StructureTypeDebugReportCallbackCreateInfo,
		Flags: vk.DebugReportFlags(vk.DebugReportErrorBit | vk.DebugReportWarningBit),
		PfnCallback: func(flags vk.DebugReportFlags, objectType vk.DebugReportObjectType,
			object uint64, location uint64, messageCode int32, pLayerPrefix string,
			pMessage string, pUserData unsafe.Pointer) vk.Bool32 {
			if flags&vk.DebugReportFlags(vk.DebugReportErrorBit) != 0 {
				b.logger.Error("validation", "layer", pLayerPrefix, "message", pMessage)
			} else {
				b.logger.Warn("validation", "layer", pLayerPrefix, "message", pMessage)
			}
			return vk.False
		},
	}, nil, &callback)
	if ret != vk.Success {
		b.logger.Warn("debug callback unavailable", "code", int32(ret))
		return
	}
	b.debugCallback = callback
}

// Instance exposes the raw instance for window-system surface creation.
func (b *VulkanBackend) Instance() vk.Instance { return b.instance }

// adoptSurface registers a surface created by the window system.
func (b *VulkanBackend) adoptSurface(s vk.Surface) Surface {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := Surface(b.handle())
	b.surfaces[h] = s
	return h
}

func (b *VulkanBackend) handle() uint64 {
	b.next++
	return b.next
}

func (b *VulkanBackend) InstanceVersion() uint32 { return b.instanceVersion }

func (b *VulkanBackend) EnumeratePhysicalDevices() ([]PhysicalDevice, error) {
	var count uint32
	if ret := vk.EnumeratePhysicalDevices(b.instance, &count, nil); ret != vk.Success {
		return nil, newError(Result(ret), "enumerating devices")
	}
	gpus := make([]vk.PhysicalDevice, count)
	if ret := vk.EnumeratePhysicalDevices(b.instance, &count, gpus); ret != vk.Success {
		return nil, newError(Result(ret), "enumerating devices")
	}
	b.gpus = gpus
	out := make([]PhysicalDevice, count)
	for i := range gpus {
		out[i] = PhysicalDevice(i + 1)
	}
	return out, nil
}

func (b *VulkanBackend) physical(pd PhysicalDevice) vk.PhysicalDevice {
	return b.gpus[int(pd)-1]
}

func (b *VulkanBackend) DeviceProperties(pd PhysicalDevice) DeviceProperties {
	var props vk.PhysicalDeviceProperties
	vk.GetPhysicalDeviceProperties(b.physical(pd), &props)
	props.Deref()
	props.Limits.Deref()

	var uuid [16]byte
	copy(uuid[:], props.PipelineCacheUUID[:])
	return DeviceProperties{
		VendorID:          props.VendorID,
		DeviceID:          props.DeviceID,
		Name:              vk.ToString(props.DeviceName[:]),
		Type:              DeviceType(props.DeviceType),
		APIVersion:        uint32(props.ApiVersion),
		DriverVersion:     uint32(props.DriverVersion),
		PipelineCacheUUID: uuid,
		Limits: DeviceLimits{
			MaxImageDimension2D:     props.Limits.MaxImageDimension2D,
			MaxPushConstantsSize:    props.Limits.MaxPushConstantsSize,
			TimestampComputeGraphic: props.Limits.TimestampComputeAndGraphics.B(),
		},
	}
}

// DeviceFeatures reads the 1.2 feature structs through the features2 chain.
// Below an effective 1.2 only the 1.0 feature set is reported: the chained
// structs would not be valid to query or enable.
func (b *VulkanBackend) DeviceFeatures(pd PhysicalDevice, effectiveVersion uint32) FeatureFlags {
	gpu := b.physical(pd)

	var flags FeatureFlags
	var base vk.PhysicalDeviceFeatures
	vk.GetPhysicalDeviceFeatures(gpu, &base)
	base.Deref()
	if base.SamplerAnisotropy.B() {
		flags |= FeatureSamplerAnisotropy
	}
	if effectiveVersion < MakeAPIVersion(1, 2, 0) {
		return flags
	}

	feats12 := vk.PhysicalDeviceVulkan12Features{
		SType: vk.StructureTypePhysicalDeviceVulkan12Features,
	}
	feats2 := vk.PhysicalDeviceFeatures2{
		SType: vk.StructureTypePhysicalDeviceFeatures2,
		PNext: unsafe.Pointer(feats12.Ref()),
	}
	vk.GetPhysicalDeviceFeatures2(gpu, &feats2)
	feats2.Deref()
	feats12.Deref()

	if feats12.TimelineSemaphore.B() {
		flags |= FeatureTimelineSemaphore
	}
	if feats12.BufferDeviceAddress.B() {
		flags |= FeatureBufferDeviceAddress
	}
	if feats12.BufferDeviceAddressCaptureReplay.B() {
		flags |= FeatureCaptureReplay
	}
	if feats12.DescriptorIndexing.B() {
		flags |= FeatureDescriptorIndexing
	}
	return flags
}

func (b *VulkanBackend) DeviceExtensions(pd PhysicalDevice) ([]string, error) {
	var count uint32
	if ret := vk.EnumerateDeviceExtensionProperties(b.physical(pd), "", &count, nil); ret != vk.Success {
		return nil, newError(Result(ret), "enumerating device extensions")
	}
	props := make([]vk.ExtensionProperties, count)
	if ret := vk.EnumerateDeviceExtensionProperties(b.physical(pd), "", &count, props); ret != vk.Success {
		return nil, newError(Result(ret), "enumerating device extensions")
	}
	names := make([]string, 0, count)
	for i := range props {
		props[i].Deref()
		names = append(names, vk.ToString(props[i].ExtensionName[:]))
	}
	return names, nil
}

func (b *VulkanBackend) QueueFamilies(pd PhysicalDevice) []QueueFamily {
	var count uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(b.physical(pd), &count, nil)
	props := make([]vk.QueueFamilyProperties, count)
	vk.GetPhysicalDeviceQueueFamilyProperties(b.physical(pd), &count, props)

	families := make([]QueueFamily, count)
	for i := range props {
		props[i].Deref()
		families[i] = QueueFamily{
			Flags:              QueueFlags(props[i].QueueFlags),
			Count:              props[i].QueueCount,
			TimestampValidBits: props[i].TimestampValidBits,
		}
	}
	return families
}

func (b *VulkanBackend) SurfaceSupport(pd PhysicalDevice, family uint32, surface Surface) bool {
	var supported vk.Bool32
	ret := vk.GetPhysicalDeviceSurfaceSupport(b.physical(pd), family, b.surfaces[surface], &supported)
	return ret == vk.Success && supported.B()
}

func (b *VulkanBackend) SurfaceCapabilities(pd PhysicalDevice, surface Surface) (SurfaceCapabilities, error) {
	var caps vk.SurfaceCapabilities
	ret := vk.GetPhysicalDeviceSurfaceCapabilities(b.physical(pd), b.surfaces[surface], &caps)
	if err := newError(Result(ret), "querying surface capabilities"); err != nil {
		return SurfaceCapabilities{}, err
	}
	caps.Deref()
	caps.CurrentExtent.Deref()
	caps.MinImageExtent.Deref()
	caps.MaxImageExtent.Deref()
	return SurfaceCapabilities{
		MinImageCount: caps.MinImageCount,
		MaxImageCount: caps.MaxImageCount,
		CurrentExtent: Extent2D{Width: caps.CurrentExtent.Width, Height: caps.CurrentExtent.Height},
		MinExtent:     Extent2D{Width: caps.MinImageExtent.Width, Height: caps.MinImageExtent.Height},
		MaxExtent:     Extent2D{Width: caps.MaxImageExtent.Width, Height: caps.MaxImageExtent.Height},
	}, nil
}

func (b *VulkanBackend) SurfaceFormats(pd PhysicalDevice, surface Surface) ([]SurfaceFormat, error) {
	var count uint32
	if ret := vk.GetPhysicalDeviceSurfaceFormats(b.physical(pd), b.surfaces[surface], &count, nil); ret != vk.Success {
		return nil, newError(Result(ret), "querying surface formats")
	}
	formats := make([]vk.SurfaceFormat, count)
	if ret := vk.GetPhysicalDeviceSurfaceFormats(b.physical(pd), b.surfaces[surface], &count, formats); ret != vk.Success {
		return nil, newError(Result(ret), "querying surface formats")
	}
	out := make([]SurfaceFormat, count)
	for i := range formats {
		formats[i].Deref()
		out[i] = SurfaceFormat{
			Format:     Format(formats[i].Format),
			ColorSpace: ColorSpace(formats[i].ColorSpace),
		}
	}
	return out, nil
}

func (b *VulkanBackend) PresentModes(pd PhysicalDevice, surface Surface) ([]PresentMode, error) {
	var count uint32
	if ret := vk.GetPhysicalDeviceSurfacePresentModes(b.physical(pd), b.surfaces[surface], &count, nil); ret != vk.Success {
		return nil, newError(Result(ret), "querying present modes")
	}
	modes := make([]vk.PresentMode, count)
	if ret := vk.GetPhysicalDeviceSurfacePresentModes(b.physical(pd), b.surfaces[surface], &count, modes); ret != vk.Success {
		return nil, newError(Result(ret), "querying present modes")
	}
	out := make([]PresentMode, count)
	for i, m := range modes {
		out[i] = PresentMode(m)
	}
	return out, nil
}

func (b *VulkanBackend) CreateDevice(pd PhysicalDevice, queues []QueueRequest, extensions []string, enabled FeatureFlags) error {
	gpu := b.physical(pd)

	queueInfos := make([]vk.DeviceQueueCreateInfo, len(queues))
	for i, q := range queues {
		queueInfos[i] = vk.DeviceQueueCreateInfo{
			SType:            vk.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: q.Family,
			QueueCount:       q.Count,
			PQueuePriorities: q.Priorities,
		}
	}

	info := vk.DeviceCreateInfo{
		SType:                   vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount:    uint32(len(queueInfos)),
		PQueueCreateInfos:       queueInfos,
		EnabledExtensionCount:   uint32(len(extensions)),
		PpEnabledExtensionNames: safeStrings(extensions),
	}

	base := vk.PhysicalDeviceFeatures{}
	if enabled.Has(FeatureSamplerAnisotropy) {
		base.SamplerAnisotropy = vk.True
	}
	feats12 := vk.PhysicalDeviceVulkan12Features{
		SType:                            vk.StructureTypePhysicalDeviceVulkan12Features,
		TimelineSemaphore:                vkBool(enabled.Has(FeatureTimelineSemaphore)),
		BufferDeviceAddress:              vkBool(enabled.Has(FeatureBufferDeviceAddress)),
		BufferDeviceAddressCaptureReplay: vkBool(enabled.Has(FeatureCaptureReplay)),
		DescriptorIndexing:               vkBool(enabled.Has(FeatureDescriptorIndexing)),
	}
	feats2 := vk.PhysicalDeviceFeatures2{
		SType:    vk.StructureTypePhysicalDeviceFeatures2,
		PNext:    unsafe.Pointer(feats12.Ref()),
		Features: base,
	}
	if enabled&^FeatureSamplerAnisotropy != 0 {
		info.PNext = unsafe.Pointer(feats2.Ref())
	} else {
		info.PEnabledFeatures = []vk.PhysicalDeviceFeatures{base}
	}

	var device vk.Device
	ret := vk.CreateDevice(gpu, &info, nil, &device)
	if err := newError(Result(ret), "creating logical device"); err != nil {
		return err
	}
	b.gpu = gpu
	b.device = device
	return nil
}

func (b *VulkanBackend) DestroyDevice() {
	if b.device != nil {
		vk.DeviceWaitIdle(b.device)
		vk.DestroyDevice(b.device, nil)
		b.device = nil
		b.gpu = nil
	}
}

func (b *VulkanBackend) GetQueue(family, index uint32) Queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := uint64(family)<<32 | uint64(index)
	if q, ok := b.queueIDs[key]; ok {
		return q
	}
	var queue vk.Queue
	vk.GetDeviceQueue(b.device, family, index, &queue)
	h := Queue(b.handle())
	b.queues[h] = queue
	b.queueIDs[key] = h
	return h
}

func (b *VulkanBackend) DeviceWaitIdle() error {
	return newError(Result(vk.DeviceWaitIdle(b.device)), "device wait idle")
}

func (b *VulkanBackend) QueueWaitIdle(q Queue) error {
	return newError(Result(vk.QueueWaitIdle(b.queues[q])), "queue wait idle")
}

func (b *VulkanBackend) DestroySurface(s Surface) {
	b.mu.Lock()
	surf, ok := b.surfaces[s]
	delete(b.surfaces, s)
	b.mu.Unlock()
	if ok {
		vk.DestroySurface(b.instance, surf, nil)
	}
}

// Shutdown destroys the debug callback and instance. The logical device must
// already be gone.
func (b *VulkanBackend) Shutdown() {
	if b.debugCallback != vk.NullDebugReportCallback {
		vk.DestroyDebugReportCallback(b.instance, b.debugCallback, nil)
		b.debugCallback = vk.NullDebugReportCallback
	}
	if b.instance != nil {
		vk.DestroyInstance(b.instance, nil)
		b.instance = nil
	}
}

// memoryTypeIndex finds a memory type satisfying the filter and flags.
func (b *VulkanBackend) memoryTypeIndex(typeBits uint32, props vk.MemoryPropertyFlags) (uint32, bool) {
	var memProps vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(b.gpu, &memProps)
	memProps.Deref()
	for i := uint32(0); i < memProps.MemoryTypeCount; i++ {
		memProps.MemoryTypes[i].Deref()
		if typeBits&(1<<i) != 0 && memProps.MemoryTypes[i].PropertyFlags&props == props {
			return i, true
		}
	}
	return 0, false
}

func vkBool(v bool) vk.Bool32 {
	if v {
		return vk.True
	}
	return vk.False
}

func safeString(s string) string {
	if len(s) == 0 {
		return "\x00"
	}
	if s[len(s)-1] != '\x00' {
		return s + "\x00"
	}
	return s
}

func safeStrings(list []string) []string {
	out := make([]string, len(list))
	for i := range list {
		out[i] = safeString(list[i])
	}
	return out
}
