package dieselcore

import "time"

// Opaque handles issued by a Backend. Zero is the null handle for every type.
// Handles are plain integers so that a backend can be swapped out (or mocked)
// without leaking API-specific pointer types into the core.
type (
	PhysicalDevice uint64
	Surface        uint64
	Queue          uint64
	Swapchain      uint64
	Image          uint64
	ImageView      uint64
	Framebuffer    uint64
	RenderPass     uint64
	Fence          uint64
	Semaphore      uint64
	CommandPool    uint64
	CommandBuffer  uint64
	Buffer         uint64
	DeviceMemory   uint64
	PipelineCache  uint64
)

// DeviceAddress is a raw GPU-visible pointer to buffer memory.
type DeviceAddress uint64

// Result mirrors the backend API result codes. Values match VkResult so the
// real backend is a cast-through.
type Result int32

const (
	Success               Result = 0
	NotReady              Result = 1
	TimeoutExpired        Result = 2
	Suboptimal            Result = 1000001003
	ErrOutOfHostMemory    Result = -1
	ErrOutOfDeviceMemory  Result = -2
	ErrInitializationFail Result = -3
	ErrDeviceLost         Result = -4
	ErrExtensionMissing   Result = -7
	ErrFeatureMissing     Result = -8
	ErrSurfaceLost        Result = -1000000000
	ErrOutOfDate          Result = -1000001004
	ErrValidationFailed   Result = -1000011001
)

// DeviceType mirrors VkPhysicalDeviceType.
type DeviceType uint32

const (
	DeviceTypeOther DeviceType = iota
	DeviceTypeIntegrated
	DeviceTypeDiscrete
	DeviceTypeVirtual
	DeviceTypeCPU
)

// QueueFlags mirrors VkQueueFlagBits.
type QueueFlags uint32

const (
	QueueGraphics QueueFlags = 1 << iota
	QueueCompute
	QueueTransfer
	QueueSparseBinding
)

// Format and ColorSpace carry the VkFormat / VkColorSpaceKHR values the core
// cares about. The core never interprets the numeric value beyond equality.
type Format uint32

const (
	FormatUndefined       Format = 0
	FormatB8G8R8A8Unorm   Format = 44
	FormatB8G8R8A8Srgb    Format = 50
	FormatR16G16B16A16Sf  Format = 97
	FormatD16Unorm        Format = 124
	FormatD16UnormS8Uint  Format = 128
	FormatD32Sfloat       Format = 126
	FormatD24UnormS8Uint  Format = 129
	FormatD32SfloatS8Uint Format = 130
)

type ColorSpace uint32

const (
	ColorSpaceSrgbNonlinear ColorSpace = 0
	ColorSpaceHDR10ST2084   ColorSpace = 1000104008
)

type PresentMode uint32

const (
	PresentModeImmediate PresentMode = iota
	PresentModeMailbox
	PresentModeFifo
	PresentModeFifoRelaxed
)

type SurfaceFormat struct {
	Format     Format
	ColorSpace ColorSpace
}

type Extent2D struct {
	Width  uint32
	Height uint32
}

// ExtentUndefined is the sentinel a surface reports when the window system
// leaves the extent up to the swapchain.
const ExtentUndefined = 0xFFFFFFFF

type SurfaceCapabilities struct {
	MinImageCount uint32
	MaxImageCount uint32 // 0 means no upper bound
	CurrentExtent Extent2D
	MinExtent     Extent2D
	MaxExtent     Extent2D
}

// DeviceLimits is the subset of VkPhysicalDeviceLimits that feeds scoring.
type DeviceLimits struct {
	MaxImageDimension2D     uint32
	MaxPushConstantsSize    uint32
	TimestampComputeGraphic bool
}

// DeviceProperties is the identity snapshot of one physical device.
type DeviceProperties struct {
	VendorID          uint32
	DeviceID          uint32
	Name              string
	Type              DeviceType
	APIVersion        uint32
	DriverVersion     uint32
	PipelineCacheUUID [16]byte
	Limits            DeviceLimits
}

// FeatureFlags is the negotiated optional capability bitset.
type FeatureFlags uint32

const (
	FeatureTimelineSemaphore FeatureFlags = 1 << iota
	FeatureBufferDeviceAddress
	FeatureCaptureReplay
	FeatureDescriptorIndexing
	FeatureSamplerAnisotropy
)

// Has reports whether all bits in f are set.
func (ff FeatureFlags) Has(f FeatureFlags) bool { return ff&f == f }

type QueueFamily struct {
	Flags              QueueFlags
	Count              uint32
	TimestampValidBits uint32
}

// QueueRequest asks for count queues from one family at descending priority.
type QueueRequest struct {
	Family     uint32
	Count      uint32
	Priorities []float32
}

type SwapchainInfo struct {
	Surface       Surface
	MinImageCount uint32
	Format        SurfaceFormat
	Extent        Extent2D
	PresentMode   PresentMode
	OldSwapchain  Swapchain
	// Families sharing swapchain images; one family means exclusive mode.
	QueueFamilies []uint32
}

type ImageAspect uint32

const (
	AspectColor ImageAspect = 1 << iota
	AspectDepth
	AspectStencil
)

type ImageInfo struct {
	Format Format
	Extent Extent2D
	Usage  ImageUsage
	Family uint32
}

type ImageUsage uint32

const (
	ImageUsageColorAttachment ImageUsage = 1 << iota
	ImageUsageDepthAttachment
	ImageUsageTransferSrc
	ImageUsageTransferDst
	ImageUsageSampled
	ImageUsageStorage
)

type BufferUsage uint32

const (
	BufferUsageStorage BufferUsage = 1 << iota
	BufferUsageUniform
	BufferUsageVertex
	BufferUsageIndex
	BufferUsageTransferSrc
	BufferUsageTransferDst
	BufferUsageDeviceAddress
)

type CommandBufferLevel uint32

const (
	CommandBufferPrimary CommandBufferLevel = iota
	CommandBufferSecondary
)

// SemaphoreSubmit pairs a semaphore with a timeline value. Value is ignored
// for binary semaphores.
type SemaphoreSubmit struct {
	Semaphore Semaphore
	Value     uint64
}

type SubmitInfo struct {
	CommandBuffers []CommandBuffer
	Wait           []SemaphoreSubmit
	Signal         []SemaphoreSubmit
}

// Backend is the narrow device/queue/command call surface the core depends
// on. VulkanBackend implements it against the live API; MockBackend simulates
// it for tests. A Backend owns at most one logical device at a time.
type Backend interface {
	// Discovery and negotiation.
	InstanceVersion() uint32
	EnumeratePhysicalDevices() ([]PhysicalDevice, error)
	DeviceProperties(pd PhysicalDevice) DeviceProperties
	DeviceFeatures(pd PhysicalDevice, effectiveVersion uint32) FeatureFlags
	DeviceExtensions(pd PhysicalDevice) ([]string, error)
	QueueFamilies(pd PhysicalDevice) []QueueFamily
	SurfaceSupport(pd PhysicalDevice, family uint32, surface Surface) bool
	SurfaceCapabilities(pd PhysicalDevice, surface Surface) (SurfaceCapabilities, error)
	SurfaceFormats(pd PhysicalDevice, surface Surface) ([]SurfaceFormat, error)
	PresentModes(pd PhysicalDevice, surface Surface) ([]PresentMode, error)

	// Logical device. enabled is the verified optional feature set; the
	// backend enables the matching feature structs on creation.
	CreateDevice(pd PhysicalDevice, queues []QueueRequest, extensions []string, enabled FeatureFlags) error
	DestroyDevice()
	GetQueue(family, index uint32) Queue
	DeviceWaitIdle() error
	QueueWaitIdle(q Queue) error
	DestroySurface(s Surface)

	// Swapchain.
	CreateSwapchain(info SwapchainInfo) (Swapchain, error)
	DestroySwapchain(sc Swapchain)
	SwapchainImages(sc Swapchain) ([]Image, error)
	AcquireNextImage(sc Swapchain, timeout time.Duration, signal Semaphore) (uint32, Result)
	QueuePresent(q Queue, sc Swapchain, imageIndex uint32, wait Semaphore) Result

	// Images, views, framebuffers, render pass.
	CreateImage(info ImageInfo) (Image, DeviceMemory, error)
	DestroyImage(img Image, mem DeviceMemory)
	CreateImageView(img Image, format Format, aspect ImageAspect) (ImageView, error)
	DestroyImageView(v ImageView)
	CreateRenderPass(color Format, depth Format) (RenderPass, error)
	DestroyRenderPass(rp RenderPass)
	CreateFramebuffer(rp RenderPass, attachments []ImageView, extent Extent2D) (Framebuffer, error)
	DestroyFramebuffer(fb Framebuffer)

	// Synchronization.
	CreateFence(signaled bool) (Fence, error)
	DestroyFence(f Fence)
	WaitForFences(fences []Fence, all bool, timeout time.Duration) Result
	ResetFences(fences []Fence) error
	CreateSemaphore() (Semaphore, error)
	CreateTimelineSemaphore(initial uint64) (Semaphore, error)
	DestroySemaphore(s Semaphore)
	SignalSemaphore(s Semaphore, value uint64) error
	WaitSemaphore(s Semaphore, value uint64, timeout time.Duration) Result
	SemaphoreCounterValue(s Semaphore) (uint64, error)

	// Commands.
	CreateCommandPool(family uint32, transient bool) (CommandPool, error)
	DestroyCommandPool(p CommandPool)
	ResetCommandPool(p CommandPool) error
	AllocateCommandBuffers(p CommandPool, level CommandBufferLevel, count int) ([]CommandBuffer, error)
	FreeCommandBuffers(p CommandPool, bufs []CommandBuffer)
	BeginCommandBuffer(cb CommandBuffer, oneTime bool) error
	EndCommandBuffer(cb CommandBuffer) error
	ResetCommandBuffer(cb CommandBuffer) error
	QueueSubmit(q Queue, info SubmitInfo, fence Fence) Result

	// Buffers and addresses.
	CreateBuffer(size uint64, usage BufferUsage, deviceAddress bool) (Buffer, DeviceMemory, error)
	CreateBufferCaptured(size uint64, usage BufferUsage, addr DeviceAddress) (Buffer, DeviceMemory, error)
	DestroyBuffer(b Buffer, mem DeviceMemory)
	BufferDeviceAddress(b Buffer) (DeviceAddress, error)
	WriteBuffer(b Buffer, offset uint64, data []byte) error

	// Pipeline cache blob.
	CreatePipelineCache(initialData []byte) (PipelineCache, error)
	PipelineCacheData(pc PipelineCache) ([]byte, error)
	DestroyPipelineCache(pc PipelineCache)
}

// MakeAPIVersion packs a version the way the backend API encodes it.
func MakeAPIVersion(major, minor, patch uint32) uint32 {
	return major<<22 | minor<<12 | patch
}

// VersionMajor extracts the major component of a packed version.
func VersionMajor(v uint32) uint32 { return v >> 22 }

// VersionMinor extracts the minor component of a packed version.
func VersionMinor(v uint32) uint32 { return (v >> 12) & 0x3FF }

// VersionPatch extracts the patch component of a packed version.
func VersionPatch(v uint32) uint32 { return v & 0xFFF }

func minVersion(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
