package dieselcore

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// MockDevice describes one simulated physical device.
type MockDevice struct {
	Props          DeviceProperties
	Features       FeatureFlags
	Extensions     []string
	Families       []QueueFamily
	PresentSupport []bool
	Caps           SurfaceCapabilities
	Formats        []SurfaceFormat
	Modes          []PresentMode
}

// DefaultMockDevice returns a fully capable discrete device: API 1.3, every
// optional feature, a combined graphics family plus a dedicated transfer
// family, and a standard sRGB surface.
func DefaultMockDevice(name string) MockDevice {
	return MockDevice{
		Props: DeviceProperties{
			VendorID:          0x10DE,
			DeviceID:          0x2684,
			Name:              name,
			Type:              DeviceTypeDiscrete,
			APIVersion:        MakeAPIVersion(1, 3, 0),
			DriverVersion:     MakeAPIVersion(535, 54, 3),
			PipelineCacheUUID: [16]byte{0xde, 0xad, 0xbe, 0xef, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12},
			Limits: DeviceLimits{
				MaxImageDimension2D:     16384,
				MaxPushConstantsSize:    256,
				TimestampComputeGraphic: true,
			},
		},
		Features: FeatureTimelineSemaphore | FeatureBufferDeviceAddress |
			FeatureCaptureReplay | FeatureDescriptorIndexing | FeatureSamplerAnisotropy,
		Extensions: []string{SwapchainExtensionName},
		Families: []QueueFamily{
			{Flags: QueueGraphics | QueueCompute | QueueTransfer, Count: 16, TimestampValidBits: 64},
			{Flags: QueueTransfer, Count: 2, TimestampValidBits: 0},
		},
		PresentSupport: []bool{true, false},
		Caps: SurfaceCapabilities{
			MinImageCount: 2,
			MaxImageCount: 8,
			CurrentExtent: Extent2D{Width: 800, Height: 600},
			MinExtent:     Extent2D{Width: 1, Height: 1},
			MaxExtent:     Extent2D{Width: 16384, Height: 16384},
		},
		Formats: []SurfaceFormat{
			{Format: FormatB8G8R8A8Unorm, ColorSpace: ColorSpaceSrgbNonlinear},
			{Format: FormatB8G8R8A8Srgb, ColorSpace: ColorSpaceSrgbNonlinear},
		},
		Modes: []PresentMode{PresentModeFifo, PresentModeMailbox},
	}
}

type mockFence struct {
	signaled bool
}

type mockSemaphore struct {
	timeline bool
	signaled bool
	value    uint64
}

type mockSwapchain struct {
	info    SwapchainInfo
	images  []Image
	next    uint32
	retired bool
}

type mockPool struct {
	family    uint32
	transient bool
	buffers   map[CommandBuffer]bool
}

type mockBuffer struct {
	size uint64
	data []byte
	addr DeviceAddress
}

// MockBackend simulates the backend in memory: fake devices, instantly
// completing submissions, injectable acquire/present/submit results and
// counted address queries. Safe for concurrent use.
type MockBackend struct {
	mu   sync.Mutex
	next uint64

	// Configure before use.
	Devices            []MockDevice
	InstanceAPIVersion uint32

	// Result injection, consumed front to back; empty means Success.
	AcquireResults []Result
	PresentResults []Result
	SubmitResults  []Result

	// HoldSubmitFences keeps submit fences unsignaled until
	// ReleaseHeldFences, simulating a GPU still working on them.
	HoldSubmitFences bool
	heldFences       []Fence

	// Observability for tests.
	Submissions    []SubmitInfo
	Presented      []uint32
	SwapchainInfos []SwapchainInfo
	AddressQueries map[Buffer]int

	deviceCreated bool
	activeDevice  *MockDevice
	createdFlags  FeatureFlags
	createdQueues []QueueRequest

	fences     map[Fence]*mockFence
	sems       map[Semaphore]*mockSemaphore
	swapchains map[Swapchain]*mockSwapchain
	images     map[Image]ImageInfo
	views      map[ImageView]Image
	passes     map[RenderPass]bool
	fbs        map[Framebuffer]bool
	pools      map[CommandPool]*mockPool
	cbOwner    map[CommandBuffer]CommandPool
	cbOpen     map[CommandBuffer]bool
	buffers    map[Buffer]*mockBuffer
	caches     map[PipelineCache][]byte
	surfaces   map[Surface]bool

	live map[string]int
}

// NewMockBackend returns a backend simulating the given devices, or one
// default device when none are given.
func NewMockBackend(devices ...MockDevice) *MockBackend {
	if len(devices) == 0 {
		devices = []MockDevice{DefaultMockDevice("mock gpu")}
	}
	return &MockBackend{
		Devices:            devices,
		InstanceAPIVersion: MakeAPIVersion(1, 3, 0),
		AddressQueries:     make(map[Buffer]int),
		fences:             make(map[Fence]*mockFence),
		sems:               make(map[Semaphore]*mockSemaphore),
		swapchains:         make(map[Swapchain]*mockSwapchain),
		images:             make(map[Image]ImageInfo),
		views:              make(map[ImageView]Image),
		passes:             make(map[RenderPass]bool),
		fbs:                make(map[Framebuffer]bool),
		pools:              make(map[CommandPool]*mockPool),
		cbOwner:            make(map[CommandBuffer]CommandPool),
		cbOpen:             make(map[CommandBuffer]bool),
		buffers:            make(map[Buffer]*mockBuffer),
		caches:             make(map[PipelineCache][]byte),
		surfaces:           make(map[Surface]bool),
		live:               make(map[string]int),
	}
}

func (b *MockBackend) handle() uint64 {
	b.next++
	return b.next
}

func (b *MockBackend) track(kind string, delta int) {
	b.live[kind] += delta
}

// LiveCount reports outstanding objects of one kind, for leak assertions.
func (b *MockBackend) LiveCount(kind string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.live[kind]
}

// TotalLive reports all outstanding objects across kinds.
func (b *MockBackend) TotalLive() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, n := range b.live {
		total += n
	}
	return total
}

func (b *MockBackend) device(pd PhysicalDevice) *MockDevice {
	i := int(pd) - 1
	if i < 0 || i >= len(b.Devices) {
		return nil
	}
	return &b.Devices[i]
}

func (b *MockBackend) InstanceVersion() uint32 { return b.InstanceAPIVersion }

func (b *MockBackend) EnumeratePhysicalDevices() ([]PhysicalDevice, error) {
	pds := make([]PhysicalDevice, len(b.Devices))
	for i := range b.Devices {
		pds[i] = PhysicalDevice(i + 1)
	}
	return pds, nil
}

func (b *MockBackend) DeviceProperties(pd PhysicalDevice) DeviceProperties {
	d := b.device(pd)
	if d == nil {
		return DeviceProperties{}
	}
	return d.Props
}

// DeviceFeatures masks off the 1.2-class capabilities when the effective
// version cannot express them, the way a real driver query would.
func (b *MockBackend) DeviceFeatures(pd PhysicalDevice, effectiveVersion uint32) FeatureFlags {
	d := b.device(pd)
	if d == nil {
		return 0
	}
	f := d.Features
	if effectiveVersion < MakeAPIVersion(1, 2, 0) {
		f &^= FeatureTimelineSemaphore | FeatureBufferDeviceAddress |
			FeatureCaptureReplay | FeatureDescriptorIndexing
	}
	return f
}

func (b *MockBackend) DeviceExtensions(pd PhysicalDevice) ([]string, error) {
	d := b.device(pd)
	if d == nil {
		return nil, errors.Newf("unknown physical device %d", pd)
	}
	return d.Extensions, nil
}

func (b *MockBackend) QueueFamilies(pd PhysicalDevice) []QueueFamily {
	d := b.device(pd)
	if d == nil {
		return nil
	}
	return d.Families
}

func (b *MockBackend) SurfaceSupport(pd PhysicalDevice, family uint32, surface Surface) bool {
	d := b.device(pd)
	if d == nil || int(family) >= len(d.PresentSupport) {
		return false
	}
	return d.PresentSupport[family]
}

func (b *MockBackend) SurfaceCapabilities(pd PhysicalDevice, surface Surface) (SurfaceCapabilities, error) {
	d := b.device(pd)
	if d == nil {
		return SurfaceCapabilities{}, errors.Newf("unknown physical device %d", pd)
	}
	return d.Caps, nil
}

func (b *MockBackend) SurfaceFormats(pd PhysicalDevice, surface Surface) ([]SurfaceFormat, error) {
	d := b.device(pd)
	if d == nil {
		return nil, errors.Newf("unknown physical device %d", pd)
	}
	return d.Formats, nil
}

func (b *MockBackend) PresentModes(pd PhysicalDevice, surface Surface) ([]PresentMode, error) {
	d := b.device(pd)
	if d == nil {
		return nil, errors.Newf("unknown physical device %d", pd)
	}
	return d.Modes, nil
}

func (b *MockBackend) CreateDevice(pd PhysicalDevice, queues []QueueRequest, extensions []string, enabled FeatureFlags) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.device(pd)
	if d == nil {
		return errors.Newf("unknown physical device %d", pd)
	}
	if b.deviceCreated {
		return errors.New("logical device already created")
	}
	if enabled&^d.Features != 0 {
		return &Error{Kind: KindInitialization, Code: ErrFeatureMissing,
			Context: "requested feature not offered by device"}
	}
	b.deviceCreated = true
	b.activeDevice = d
	b.createdFlags = enabled
	b.createdQueues = append([]QueueRequest(nil), queues...)
	return nil
}

func (b *MockBackend) DestroyDevice() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deviceCreated = false
	b.activeDevice = nil
}

// EnabledFeatures reports what CreateDevice was asked to turn on.
func (b *MockBackend) EnabledFeatures() FeatureFlags {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.createdFlags
}

// RequestedQueues reports the queue set CreateDevice received.
func (b *MockBackend) RequestedQueues() []QueueRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.createdQueues
}

func (b *MockBackend) GetQueue(family, index uint32) Queue {
	return Queue(uint64(family)<<32 | uint64(index) | 1<<63)
}

func (b *MockBackend) DeviceWaitIdle() error { return nil }

func (b *MockBackend) QueueWaitIdle(q Queue) error { return nil }

func (b *MockBackend) createSurface() Surface {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Surface(b.handle())
	b.surfaces[s] = true
	b.track("surface", 1)
	return s
}

func (b *MockBackend) DestroySurface(s Surface) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.surfaces[s] {
		delete(b.surfaces, s)
		b.track("surface", -1)
	}
}

func (b *MockBackend) CreateSwapchain(info SwapchainInfo) (Swapchain, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if info.OldSwapchain != 0 {
		old, ok := b.swapchains[info.OldSwapchain]
		if !ok {
			return 0, errors.New("old swapchain handle invalid")
		}
		old.retired = true
	}
	sc := Swapchain(b.handle())
	count := int(info.MinImageCount)
	images := make([]Image, count)
	for i := range images {
		img := Image(b.handle())
		images[i] = img
		b.images[img] = ImageInfo{Format: info.Format.Format, Extent: info.Extent}
		b.track("image", 1)
	}
	b.swapchains[sc] = &mockSwapchain{info: info, images: images}
	b.SwapchainInfos = append(b.SwapchainInfos, info)
	b.track("swapchain", 1)
	return sc, nil
}

func (b *MockBackend) DestroySwapchain(sc Swapchain) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.swapchains[sc]
	if !ok {
		return
	}
	for _, img := range s.images {
		delete(b.images, img)
		b.track("image", -1)
	}
	delete(b.swapchains, sc)
	b.track("swapchain", -1)
}

func (b *MockBackend) SwapchainImages(sc Swapchain) ([]Image, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.swapchains[sc]
	if !ok {
		return nil, errors.New("unknown swapchain")
	}
	return s.images, nil
}

func (b *MockBackend) AcquireNextImage(sc Swapchain, timeout time.Duration, signal Semaphore) (uint32, Result) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.AcquireResults) > 0 {
		ret := b.AcquireResults[0]
		b.AcquireResults = b.AcquireResults[1:]
		if ret != Success && ret != Suboptimal {
			return 0, ret
		}
		return b.acquireLocked(sc, signal), ret
	}
	return b.acquireLocked(sc, signal), Success
}

func (b *MockBackend) acquireLocked(sc Swapchain, signal Semaphore) uint32 {
	s := b.swapchains[sc]
	if s == nil || len(s.images) == 0 {
		return 0
	}
	idx := s.next
	s.next = (s.next + 1) % uint32(len(s.images))
	if sem := b.sems[signal]; sem != nil {
		sem.signaled = true
	}
	return idx
}

func (b *MockBackend) QueuePresent(q Queue, sc Swapchain, imageIndex uint32, wait Semaphore) Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sem := b.sems[wait]; sem != nil {
		sem.signaled = false
	}
	b.Presented = append(b.Presented, imageIndex)
	if len(b.PresentResults) > 0 {
		ret := b.PresentResults[0]
		b.PresentResults = b.PresentResults[1:]
		return ret
	}
	return Success
}

func (b *MockBackend) CreateImage(info ImageInfo) (Image, DeviceMemory, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	img := Image(b.handle())
	mem := DeviceMemory(b.handle())
	b.images[img] = info
	b.track("image", 1)
	return img, mem, nil
}

func (b *MockBackend) DestroyImage(img Image, mem DeviceMemory) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.images[img]; ok {
		delete(b.images, img)
		b.track("image", -1)
	}
}

func (b *MockBackend) CreateImageView(img Image, format Format, aspect ImageAspect) (ImageView, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.images[img]; !ok {
		return 0, errors.New("image view over unknown image")
	}
	v := ImageView(b.handle())
	b.views[v] = img
	b.track("imageView", 1)
	return v, nil
}

func (b *MockBackend) DestroyImageView(v ImageView) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.views[v]; ok {
		delete(b.views, v)
		b.track("imageView", -1)
	}
}

func (b *MockBackend) CreateRenderPass(color, depth Format) (RenderPass, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rp := RenderPass(b.handle())
	b.passes[rp] = true
	b.track("renderPass", 1)
	return rp, nil
}

func (b *MockBackend) DestroyRenderPass(rp RenderPass) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.passes[rp] {
		delete(b.passes, rp)
		b.track("renderPass", -1)
	}
}

func (b *MockBackend) CreateFramebuffer(rp RenderPass, attachments []ImageView, extent Extent2D) (Framebuffer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.passes[rp] {
		return 0, errors.New("framebuffer over unknown render pass")
	}
	for _, v := range attachments {
		if _, ok := b.views[v]; !ok {
			return 0, errors.New("framebuffer over unknown image view")
		}
	}
	fb := Framebuffer(b.handle())
	b.fbs[fb] = true
	b.track("framebuffer", 1)
	return fb, nil
}

func (b *MockBackend) DestroyFramebuffer(fb Framebuffer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fbs[fb] {
		delete(b.fbs, fb)
		b.track("framebuffer", -1)
	}
}

func (b *MockBackend) CreateFence(signaled bool) (Fence, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f := Fence(b.handle())
	b.fences[f] = &mockFence{signaled: signaled}
	b.track("fence", 1)
	return f, nil
}

func (b *MockBackend) DestroyFence(f Fence) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.fences[f]; ok {
		delete(b.fences, f)
		b.track("fence", -1)
	}
}

func (b *MockBackend) WaitForFences(fences []Fence, all bool, timeout time.Duration) Result {
	deadline := time.Now().Add(timeout)
	for {
		b.mu.Lock()
		done := b.fencesReadyLocked(fences, all)
		b.mu.Unlock()
		if done {
			return Success
		}
		if time.Now().After(deadline) {
			return TimeoutExpired
		}
		time.Sleep(time.Millisecond)
	}
}

func (b *MockBackend) fencesReadyLocked(fences []Fence, all bool) bool {
	if all {
		for _, f := range fences {
			mf := b.fences[f]
			if mf == nil || !mf.signaled {
				return false
			}
		}
		return true
	}
	for _, f := range fences {
		if mf := b.fences[f]; mf != nil && mf.signaled {
			return true
		}
	}
	return false
}

func (b *MockBackend) ResetFences(fences []Fence) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, f := range fences {
		mf, ok := b.fences[f]
		if !ok {
			return errors.New("resetting unknown fence")
		}
		mf.signaled = false
	}
	return nil
}

func (b *MockBackend) CreateSemaphore() (Semaphore, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Semaphore(b.handle())
	b.sems[s] = &mockSemaphore{}
	b.track("semaphore", 1)
	return s, nil
}

func (b *MockBackend) CreateTimelineSemaphore(initial uint64) (Semaphore, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Semaphore(b.handle())
	b.sems[s] = &mockSemaphore{timeline: true, value: initial}
	b.track("semaphore", 1)
	return s, nil
}

func (b *MockBackend) DestroySemaphore(s Semaphore) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.sems[s]; ok {
		delete(b.sems, s)
		b.track("semaphore", -1)
	}
}

func (b *MockBackend) SignalSemaphore(s Semaphore, value uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sem, ok := b.sems[s]
	if !ok || !sem.timeline {
		return errors.New("host signal on non-timeline semaphore")
	}
	if value <= sem.value {
		return newError(ErrValidationFailed, "timeline signal not monotonic")
	}
	sem.value = value
	return nil
}

func (b *MockBackend) WaitSemaphore(s Semaphore, value uint64, timeout time.Duration) Result {
	deadline := time.Now().Add(timeout)
	for {
		b.mu.Lock()
		sem, ok := b.sems[s]
		reached := ok && sem.timeline && sem.value >= value
		b.mu.Unlock()
		if !ok {
			return ErrValidationFailed
		}
		if reached {
			return Success
		}
		if time.Now().After(deadline) {
			return TimeoutExpired
		}
		time.Sleep(time.Millisecond)
	}
}

func (b *MockBackend) SemaphoreCounterValue(s Semaphore) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sem, ok := b.sems[s]
	if !ok || !sem.timeline {
		return 0, errors.New("counter query on non-timeline semaphore")
	}
	return sem.value, nil
}

func (b *MockBackend) CreateCommandPool(family uint32, transient bool) (CommandPool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := CommandPool(b.handle())
	b.pools[p] = &mockPool{family: family, transient: transient, buffers: make(map[CommandBuffer]bool)}
	b.track("commandPool", 1)
	return p, nil
}

func (b *MockBackend) DestroyCommandPool(p CommandPool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pool, ok := b.pools[p]
	if !ok {
		return
	}
	for cb := range pool.buffers {
		delete(b.cbOwner, cb)
		delete(b.cbOpen, cb)
	}
	delete(b.pools, p)
	b.track("commandPool", -1)
}

func (b *MockBackend) ResetCommandPool(p CommandPool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	pool, ok := b.pools[p]
	if !ok {
		return errors.New("resetting unknown command pool")
	}
	for cb := range pool.buffers {
		b.cbOpen[cb] = false
	}
	return nil
}

func (b *MockBackend) AllocateCommandBuffers(p CommandPool, level CommandBufferLevel, count int) ([]CommandBuffer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pool, ok := b.pools[p]
	if !ok {
		return nil, errors.New("allocating from unknown command pool")
	}
	bufs := make([]CommandBuffer, count)
	for i := range bufs {
		cb := CommandBuffer(b.handle())
		bufs[i] = cb
		pool.buffers[cb] = true
		b.cbOwner[cb] = p
	}
	return bufs, nil
}

func (b *MockBackend) FreeCommandBuffers(p CommandPool, bufs []CommandBuffer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pool, ok := b.pools[p]
	if !ok {
		return
	}
	for _, cb := range bufs {
		delete(pool.buffers, cb)
		delete(b.cbOwner, cb)
		delete(b.cbOpen, cb)
	}
}

func (b *MockBackend) BeginCommandBuffer(cb CommandBuffer, oneTime bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.cbOwner[cb]; !ok {
		return errors.New("beginning unknown command buffer")
	}
	if b.cbOpen[cb] {
		return errors.New("command buffer already recording")
	}
	b.cbOpen[cb] = true
	return nil
}

func (b *MockBackend) EndCommandBuffer(cb CommandBuffer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.cbOpen[cb] {
		return errors.New("ending command buffer that is not recording")
	}
	b.cbOpen[cb] = false
	return nil
}

func (b *MockBackend) ResetCommandBuffer(cb CommandBuffer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.cbOwner[cb]; !ok {
		return errors.New("resetting unknown command buffer")
	}
	b.cbOpen[cb] = false
	return nil
}

// QueueSubmit completes instantly: the fence signals, binary signal
// semaphores flip on, timeline signal values apply.
func (b *MockBackend) QueueSubmit(q Queue, info SubmitInfo, fence Fence) Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Submissions = append(b.Submissions, info)
	if len(b.SubmitResults) > 0 {
		ret := b.SubmitResults[0]
		b.SubmitResults = b.SubmitResults[1:]
		if ret != Success {
			return ret
		}
	}
	for _, w := range info.Wait {
		if sem := b.sems[w.Semaphore]; sem != nil && !sem.timeline {
			sem.signaled = false
		}
	}
	for _, sig := range info.Signal {
		sem := b.sems[sig.Semaphore]
		if sem == nil {
			continue
		}
		if sem.timeline {
			if sig.Value > sem.value {
				sem.value = sig.Value
			}
		} else {
			sem.signaled = true
		}
	}
	if mf := b.fences[fence]; mf != nil {
		if b.HoldSubmitFences {
			b.heldFences = append(b.heldFences, fence)
		} else {
			mf.signaled = true
		}
	}
	return Success
}

// ReleaseHeldFences signals every fence deferred by HoldSubmitFences, as if
// the GPU finished the corresponding submissions.
func (b *MockBackend) ReleaseHeldFences() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, f := range b.heldFences {
		if mf := b.fences[f]; mf != nil {
			mf.signaled = true
		}
	}
	b.heldFences = nil
}

func (b *MockBackend) CreateBuffer(size uint64, usage BufferUsage, deviceAddress bool) (Buffer, DeviceMemory, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf := Buffer(b.handle())
	mem := DeviceMemory(b.handle())
	mb := &mockBuffer{size: size, data: make([]byte, size)}
	if deviceAddress {
		mb.addr = DeviceAddress(0x100000000 + uint64(buf)<<12)
	}
	b.buffers[buf] = mb
	b.track("buffer", 1)
	return buf, mem, nil
}

func (b *MockBackend) CreateBufferCaptured(size uint64, usage BufferUsage, addr DeviceAddress) (Buffer, DeviceMemory, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf := Buffer(b.handle())
	mem := DeviceMemory(b.handle())
	b.buffers[buf] = &mockBuffer{size: size, data: make([]byte, size), addr: addr}
	b.track("buffer", 1)
	return buf, mem, nil
}

func (b *MockBackend) DestroyBuffer(buf Buffer, mem DeviceMemory) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.buffers[buf]; ok {
		delete(b.buffers, buf)
		b.track("buffer", -1)
	}
}

func (b *MockBackend) BufferDeviceAddress(buf Buffer) (DeviceAddress, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	mb, ok := b.buffers[buf]
	if !ok {
		return 0, errors.New("address query on unknown buffer")
	}
	if mb.addr == 0 {
		return 0, errors.New("buffer not created with device address usage")
	}
	b.AddressQueries[buf]++
	return mb.addr, nil
}

func (b *MockBackend) WriteBuffer(buf Buffer, offset uint64, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	mb, ok := b.buffers[buf]
	if !ok {
		return errors.New("write to unknown buffer")
	}
	if offset+uint64(len(data)) > mb.size {
		return errors.New("write past end of buffer")
	}
	copy(mb.data[offset:], data)
	return nil
}

// BufferBytes returns a copy of the buffer's contents for assertions.
func (b *MockBackend) BufferBytes(buf Buffer) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	mb, ok := b.buffers[buf]
	if !ok {
		return nil
	}
	out := make([]byte, len(mb.data))
	copy(out, mb.data)
	return out
}

func (b *MockBackend) CreatePipelineCache(initialData []byte) (PipelineCache, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pc := PipelineCache(b.handle())
	blob := initialData
	if len(blob) == 0 && b.activeDevice != nil {
		blob = mockCacheBlob(b.activeDevice.Props)
	}
	b.caches[pc] = append([]byte(nil), blob...)
	b.track("pipelineCache", 1)
	return pc, nil
}

func (b *MockBackend) PipelineCacheData(pc PipelineCache) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	blob, ok := b.caches[pc]
	if !ok {
		return nil, errors.New("unknown pipeline cache")
	}
	return append([]byte(nil), blob...), nil
}

func (b *MockBackend) DestroyPipelineCache(pc PipelineCache) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.caches[pc]; ok {
		delete(b.caches, pc)
		b.track("pipelineCache", -1)
	}
}

// mockCacheBlob builds a minimal blob with a valid header for the device.
func mockCacheBlob(props DeviceProperties) []byte {
	blob := make([]byte, pipelineCacheHeaderSize+16)
	putU32LE(blob[0:], pipelineCacheHeaderSize)
	putU32LE(blob[4:], 1)
	putU32LE(blob[8:], props.VendorID)
	putU32LE(blob[12:], props.DeviceID)
	copy(blob[16:32], props.PipelineCacheUUID[:])
	return blob
}

func putU32LE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// MockDisplay simulates the windowing side: a settable framebuffer size and
// a queue of pending resize events consumed by WaitEvents.
type MockDisplay struct {
	mu      sync.Mutex
	width   int
	height  int
	pending [][2]int

	// WaitCalls counts WaitEvents invocations, for asserting that a
	// zero-size recreation actually blocked on the event loop.
	WaitCalls int
}

func NewMockDisplay(width, height int) *MockDisplay {
	return &MockDisplay{width: width, height: height}
}

func (d *MockDisplay) CreateSurface(b Backend) (Surface, error) {
	mb, ok := b.(*MockBackend)
	if !ok {
		return 0, errors.New("mock display requires mock backend")
	}
	return mb.createSurface(), nil
}

func (d *MockDisplay) FramebufferSize() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.width, d.height
}

// Resize sets the reported framebuffer size immediately.
func (d *MockDisplay) Resize(width, height int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.width, d.height = width, height
}

// QueueResize schedules a size to apply on a future WaitEvents call,
// simulating a minimized window being restored.
func (d *MockDisplay) QueueResize(width, height int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, [2]int{width, height})
}

func (d *MockDisplay) WaitEvents() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.WaitCalls++
	if len(d.pending) > 0 {
		d.width, d.height = d.pending[0][0], d.pending[0][1]
		d.pending = d.pending[1:]
	}
}
