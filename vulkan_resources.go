package dieselcore

import (
	"time"
	"unsafe"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"
)

func (b *VulkanBackend) CreateSwapchain(info SwapchainInfo) (Swapchain, error) {
	b.mu.Lock()
	surface := b.surfaces[info.Surface]
	old := b.swapchains[info.OldSwapchain]
	b.mu.Unlock()

	var caps vk.SurfaceCapabilities
	ret := vk.GetPhysicalDeviceSurfaceCapabilities(b.gpu, surface, &caps)
	if err := newError(Result(ret), "querying surface transform"); err != nil {
		return 0, err
	}
	caps.Deref()

	ci := vk.SwapchainCreateInfo{
		SType:            vk.StructureTypeSwapchainCreateInfo,
		Surface:          surface,
		MinImageCount:    info.MinImageCount,
		ImageFormat:      vk.Format(info.Format.Format),
		ImageColorSpace:  vk.ColorSpace(info.Format.ColorSpace),
		ImageExtent:      vk.Extent2D{Width: info.Extent.Width, Height: info.Extent.Height},
		ImageArrayLayers: 1,
		ImageUsage:       vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit),
		PreTransform:     caps.CurrentTransform,
		CompositeAlpha:   vk.CompositeAlphaOpaqueBit,
		PresentMode:      vk.PresentMode(info.PresentMode),
		Clipped:          vk.True,
		OldSwapchain:     old,
	}
	if len(info.QueueFamilies) > 1 {
		ci.ImageSharingMode = vk.SharingModeConcurrent
		ci.QueueFamilyIndexCount = uint32(len(info.QueueFamilies))
		ci.PQueueFamilyIndices = info.QueueFamilies
	} else {
		ci.ImageSharingMode = vk.SharingModeExclusive
	}

	var sc vk.Swapchain
	ret = vk.CreateSwapchain(b.device, &ci, nil, &sc)
	if err := newError(Result(ret), "creating swapchain"); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	h := Swapchain(b.handle())
	b.swapchains[h] = sc
	return h, nil
}

func (b *VulkanBackend) DestroySwapchain(sc Swapchain) {
	b.mu.Lock()
	handle, ok := b.swapchains[sc]
	delete(b.swapchains, sc)
	b.mu.Unlock()
	if ok {
		vk.DestroySwapchain(b.device, handle, nil)
	}
}

func (b *VulkanBackend) SwapchainImages(sc Swapchain) ([]Image, error) {
	b.mu.Lock()
	handle := b.swapchains[sc]
	b.mu.Unlock()

	var count uint32
	if ret := vk.GetSwapchainImages(b.device, handle, &count, nil); ret != vk.Success {
		return nil, newError(Result(ret), "querying swapchain images")
	}
	images := make([]vk.Image, count)
	if ret := vk.GetSwapchainImages(b.device, handle, &count, images); ret != vk.Success {
		return nil, newError(Result(ret), "querying swapchain images")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Image, count)
	for i, img := range images {
		h := Image(b.handle())
		// Presentation engine owns these; never freed by DestroyImage.
		b.images[h] = vulkanImage{image: img, owned: false}
		out[i] = h
	}
	return out, nil
}

func (b *VulkanBackend) AcquireNextImage(sc Swapchain, timeout time.Duration, signal Semaphore) (uint32, Result) {
	b.mu.Lock()
	handle := b.swapchains[sc]
	sem := b.sems[signal]
	b.mu.Unlock()

	var idx uint32
	ret := vk.AcquireNextImage(b.device, handle, uint64(timeout.Nanoseconds()), sem, vk.NullFence, &idx)
	return idx, Result(ret)
}

func (b *VulkanBackend) QueuePresent(q Queue, sc Swapchain, imageIndex uint32, wait Semaphore) Result {
	b.mu.Lock()
	queue := b.queues[q]
	handle := b.swapchains[sc]
	sem := b.sems[wait]
	b.mu.Unlock()

	ret := vk.QueuePresent(queue, &vk.PresentInfo{
		SType:              vk.StructureTypePresentInfo,
		WaitSemaphoreCount: 1,
		PWaitSemaphores:    []vk.Semaphore{sem},
		SwapchainCount:     1,
		PSwapchains:        []vk.Swapchain{handle},
		PImageIndices:      []uint32{imageIndex},
	})
	return Result(ret)
}

func (b *VulkanBackend) CreateImage(info ImageInfo) (Image, DeviceMemory, error) {
	usage := vk.ImageUsageFlags(0)
	if info.Usage&ImageUsageColorAttachment != 0 {
		usage |= vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit)
	}
	if info.Usage&ImageUsageDepthAttachment != 0 {
		usage |= vk.ImageUsageFlags(vk.ImageUsageDepthStencilAttachmentBit)
	}
	if info.Usage&ImageUsageTransferSrc != 0 {
		usage |= vk.ImageUsageFlags(vk.ImageUsageTransferSrcBit)
	}
	if info.Usage&ImageUsageTransferDst != 0 {
		usage |= vk.ImageUsageFlags(vk.ImageUsageTransferDstBit)
	}
	if info.Usage&ImageUsageSampled != 0 {
		usage |= vk.ImageUsageFlags(vk.ImageUsageSampledBit)
	}
	if info.Usage&ImageUsageStorage != 0 {
		usage |= vk.ImageUsageFlags(vk.ImageUsageStorageBit)
	}

	var image vk.Image
	ret := vk.CreateImage(b.device, &vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		ImageType: vk.ImageType2d,
		Format:    vk.Format(info.Format),
		Extent: vk.Extent3D{
			Width:  info.Extent.Width,
			Height: info.Extent.Height,
			Depth:  1,
		},
		MipLevels:     1,
		ArrayLayers:   1,
		Samples:       vk.SampleCount1Bit,
		Tiling:        vk.ImageTilingOptimal,
		Usage:         usage,
		SharingMode:   vk.SharingModeExclusive,
		InitialLayout: vk.ImageLayoutUndefined,
	}, nil, &image)
	if err := newError(Result(ret), "creating image"); err != nil {
		return 0, 0, err
	}

	var memReqs vk.MemoryRequirements
	vk.GetImageMemoryRequirements(b.device, image, &memReqs)
	memReqs.Deref()

	typeIdx, ok := b.memoryTypeIndex(memReqs.MemoryTypeBits, vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit))
	if !ok {
		vk.DestroyImage(b.device, image, nil)
		return 0, 0, errors.New("no device-local memory type for image")
	}
	var memory vk.DeviceMemory
	ret = vk.AllocateMemory(b.device, &vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  memReqs.Size,
		MemoryTypeIndex: typeIdx,
	}, nil, &memory)
	if err := newError(Result(ret), "allocating image memory"); err != nil {
		vk.DestroyImage(b.device, image, nil)
		return 0, 0, err
	}
	if ret := vk.BindImageMemory(b.device, image, memory, 0); ret != vk.Success {
		vk.FreeMemory(b.device, memory, nil)
		vk.DestroyImage(b.device, image, nil)
		return 0, 0, newError(Result(ret), "binding image memory")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	hImg := Image(b.handle())
	hMem := DeviceMemory(b.handle())
	b.images[hImg] = vulkanImage{image: image, owned: true}
	b.memories[hMem] = memory
	return hImg, hMem, nil
}

func (b *VulkanBackend) DestroyImage(img Image, mem DeviceMemory) {
	b.mu.Lock()
	vi, ok := b.images[img]
	memory, hasMem := b.memories[mem]
	delete(b.images, img)
	delete(b.memories, mem)
	b.mu.Unlock()
	if ok && vi.owned {
		vk.DestroyImage(b.device, vi.image, nil)
	}
	if hasMem {
		vk.FreeMemory(b.device, memory, nil)
	}
}

func (b *VulkanBackend) CreateImageView(img Image, format Format, aspect ImageAspect) (ImageView, error) {
	b.mu.Lock()
	vi, ok := b.images[img]
	b.mu.Unlock()
	if !ok {
		return 0, errors.New("image view over unknown image")
	}

	mask := vk.ImageAspectFlags(0)
	if aspect&AspectColor != 0 {
		mask |= vk.ImageAspectFlags(vk.ImageAspectColorBit)
	}
	if aspect&AspectDepth != 0 {
		mask |= vk.ImageAspectFlags(vk.ImageAspectDepthBit)
	}
	if aspect&AspectStencil != 0 {
		mask |= vk.ImageAspectFlags(vk.ImageAspectStencilBit)
	}

	var view vk.ImageView
	ret := vk.CreateImageView(b.device, &vk.ImageViewCreateInfo{
		SType:    vk.StructureTypeImageViewCreateInfo,
		Image:    vi.image,
		ViewType: vk.ImageViewType2d,
		Format:   vk.Format(format),
		Components: vk.ComponentMapping{
			R: vk.ComponentSwizzleIdentity,
			G: vk.ComponentSwizzleIdentity,
			B: vk.ComponentSwizzleIdentity,
			A: vk.ComponentSwizzleIdentity,
		},
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask: mask,
			LevelCount: 1,
			LayerCount: 1,
		},
	}, nil, &view)
	if err := newError(Result(ret), "creating image view"); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	h := ImageView(b.handle())
	b.views[h] = view
	return h, nil
}

func (b *VulkanBackend) DestroyImageView(v ImageView) {
	b.mu.Lock()
	view, ok := b.views[v]
	delete(b.views, v)
	b.mu.Unlock()
	if ok {
		vk.DestroyImageView(b.device, view, nil)
	}
}

func (b *VulkanBackend) CreateRenderPass(color, depth Format) (RenderPass, error) {
	attachments := []vk.AttachmentDescription{{
		Format:         vk.Format(color),
		Samples:        vk.SampleCount1Bit,
		LoadOp:         vk.AttachmentLoadOpClear,
		StoreOp:        vk.AttachmentStoreOpStore,
		StencilLoadOp:  vk.AttachmentLoadOpDontCare,
		StencilStoreOp: vk.AttachmentStoreOpDontCare,
		InitialLayout:  vk.ImageLayoutUndefined,
		FinalLayout:    vk.ImageLayoutPresentSrc,
	}, {
		Format:         vk.Format(depth),
		Samples:        vk.SampleCount1Bit,
		LoadOp:         vk.AttachmentLoadOpClear,
		StoreOp:        vk.AttachmentStoreOpDontCare,
		StencilLoadOp:  vk.AttachmentLoadOpDontCare,
		StencilStoreOp: vk.AttachmentStoreOpDontCare,
		InitialLayout:  vk.ImageLayoutUndefined,
		FinalLayout:    vk.ImageLayoutDepthStencilAttachmentOptimal,
	}}

	colorRef := vk.AttachmentReference{Attachment: 0, Layout: vk.ImageLayoutColorAttachmentOptimal}
	depthRef := vk.AttachmentReference{Attachment: 1, Layout: vk.ImageLayoutDepthStencilAttachmentOptimal}

	var rp vk.RenderPass
	ret := vk.CreateRenderPass(b.device, &vk.RenderPassCreateInfo{
		SType:           vk.StructureTypeRenderPassCreateInfo,
		AttachmentCount: uint32(len(attachments)),
		PAttachments:    attachments,
		SubpassCount:    1,
		PSubpasses: []vk.SubpassDescription{{
			PipelineBindPoint:       vk.PipelineBindPointGraphics,
			ColorAttachmentCount:    1,
			PColorAttachments:       []vk.AttachmentReference{colorRef},
			PDepthStencilAttachment: &depthRef,
		}},
		DependencyCount: 1,
		PDependencies: []vk.SubpassDependency{{
			SrcSubpass:    vk.SubpassExternal,
			DstSubpass:    0,
			SrcStageMask:  vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit | vk.PipelineStageEarlyFragmentTestsBit),
			DstStageMask:  vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit | vk.PipelineStageEarlyFragmentTestsBit),
			SrcAccessMask: 0,
			DstAccessMask: vk.AccessFlags(vk.AccessColorAttachmentWriteBit | vk.AccessDepthStencilAttachmentWriteBit),
		}},
	}, nil, &rp)
	if err := newError(Result(ret), "creating render pass"); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	h := RenderPass(b.handle())
	b.passes[h] = rp
	return h, nil
}

func (b *VulkanBackend) DestroyRenderPass(rp RenderPass) {
	b.mu.Lock()
	pass, ok := b.passes[rp]
	delete(b.passes, rp)
	b.mu.Unlock()
	if ok {
		vk.DestroyRenderPass(b.device, pass, nil)
	}
}

func (b *VulkanBackend) CreateFramebuffer(rp RenderPass, attachments []ImageView, extent Extent2D) (Framebuffer, error) {
	b.mu.Lock()
	pass := b.passes[rp]
	views := make([]vk.ImageView, len(attachments))
	for i, a := range attachments {
		views[i] = b.views[a]
	}
	b.mu.Unlock()

	var fb vk.Framebuffer
	ret := vk.CreateFramebuffer(b.device, &vk.FramebufferCreateInfo{
		SType:           vk.StructureTypeFramebufferCreateInfo,
		RenderPass:      pass,
		AttachmentCount: uint32(len(views)),
		PAttachments:    views,
		Width:           extent.Width,
		Height:          extent.Height,
		Layers:          1,
	}, nil, &fb)
	if err := newError(Result(ret), "creating framebuffer"); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	h := Framebuffer(b.handle())
	b.fbs[h] = fb
	return h, nil
}

func (b *VulkanBackend) DestroyFramebuffer(fb Framebuffer) {
	b.mu.Lock()
	handle, ok := b.fbs[fb]
	delete(b.fbs, fb)
	b.mu.Unlock()
	if ok {
		vk.DestroyFramebuffer(b.device, handle, nil)
	}
}

func (b *VulkanBackend) CreateFence(signaled bool) (Fence, error) {
	ci := vk.FenceCreateInfo{SType: vk.StructureTypeFenceCreateInfo}
	if signaled {
		ci.Flags = vk.FenceCreateFlags(vk.FenceCreateSignaledBit)
	}
	var fence vk.Fence
	ret := vk.CreateFence(b.device, &ci, nil, &fence)
	if err := newError(Result(ret), "creating fence"); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	h := Fence(b.handle())
	b.fences[h] = fence
	return h, nil
}

func (b *VulkanBackend) DestroyFence(f Fence) {
	b.mu.Lock()
	fence, ok := b.fences[f]
	delete(b.fences, f)
	b.mu.Unlock()
	if ok {
		vk.DestroyFence(b.device, fence, nil)
	}
}

func (b *VulkanBackend) WaitForFences(fences []Fence, all bool, timeout time.Duration) Result {
	b.mu.Lock()
	handles := make([]vk.Fence, len(fences))
	for i, f := range fences {
		handles[i] = b.fences[f]
	}
	b.mu.Unlock()
	return Result(vk.WaitForFences(b.device, uint32(len(handles)), handles, vkBool(all), uint64(timeout.Nanoseconds())))
}

func (b *VulkanBackend) ResetFences(fences []Fence) error {
	b.mu.Lock()
	handles := make([]vk.Fence, len(fences))
	for i, f := range fences {
		handles[i] = b.fences[f]
	}
	b.mu.Unlock()
	return newError(Result(vk.ResetFences(b.device, uint32(len(handles)), handles)), "resetting fences")
}

func (b *VulkanBackend) CreateSemaphore() (Semaphore, error) {
	var sem vk.Semaphore
	ret := vk.CreateSemaphore(b.device, &vk.SemaphoreCreateInfo{
		SType: vk.StructureTypeSemaphoreCreateInfo,
	}, nil, &sem)
	if err := newError(Result(ret), "creating semaphore"); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	h := Semaphore(b.handle())
	b.sems[h] = sem
	return h, nil
}

func (b *VulkanBackend) CreateTimelineSemaphore(initial uint64) (Semaphore, error) {
	typeInfo := vk.SemaphoreTypeCreateInfo{
		SType:         vk.StructureTypeSemaphoreTypeCreateInfo,
		SemaphoreType: vk.SemaphoreTypeTimeline,
		InitialValue:  initial,
	}
	var sem vk.Semaphore
	ret := vk.CreateSemaphore(b.device, &vk.SemaphoreCreateInfo{
		SType: vk.StructureTypeSemaphoreCreateInfo,
		PNext: unsafe.Pointer(typeInfo.Ref()),
	}, nil, &sem)
	if err := newError(Result(ret), "creating timeline semaphore"); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	h := Semaphore(b.handle())
	b.sems[h] = sem
	return h, nil
}

func (b *VulkanBackend) DestroySemaphore(s Semaphore) {
	b.mu.Lock()
	sem, ok := b.sems[s]
	delete(b.sems, s)
	b.mu.Unlock()
	if ok {
		vk.DestroySemaphore(b.device, sem, nil)
	}
}

func (b *VulkanBackend) SignalSemaphore(s Semaphore, value uint64) error {
	b.mu.Lock()
	sem := b.sems[s]
	b.mu.Unlock()
	ret := vk.SignalSemaphore(b.device, &vk.SemaphoreSignalInfo{
		SType:     vk.StructureTypeSemaphoreSignalInfo,
		Semaphore: sem,
		Value:     value,
	})
	return newError(Result(ret), "signaling timeline semaphore")
}

func (b *VulkanBackend) WaitSemaphore(s Semaphore, value uint64, timeout time.Duration) Result {
	b.mu.Lock()
	sem := b.sems[s]
	b.mu.Unlock()
	return Result(vk.WaitSemaphores(b.device, &vk.SemaphoreWaitInfo{
		SType:          vk.StructureTypeSemaphoreWaitInfo,
		SemaphoreCount: 1,
		PSemaphores:    []vk.Semaphore{sem},
		PValues:        []uint64{value},
	}, uint64(timeout.Nanoseconds())))
}

func (b *VulkanBackend) SemaphoreCounterValue(s Semaphore) (uint64, error) {
	b.mu.Lock()
	sem := b.sems[s]
	b.mu.Unlock()
	var value uint64
	ret := vk.GetSemaphoreCounterValue(b.device, sem, &value)
	return value, newError(Result(ret), "reading timeline counter")
}

func (b *VulkanBackend) CreateCommandPool(family uint32, transient bool) (CommandPool, error) {
	flags := vk.CommandPoolCreateFlags(0)
	if transient {
		flags = vk.CommandPoolCreateFlags(vk.CommandPoolCreateTransientBit | vk.CommandPoolCreateResetCommandBufferBit)
	}
	var pool vk.CommandPool
	ret := vk.CreateCommandPool(b.device, &vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		QueueFamilyIndex: family,
		Flags:            flags,
	}, nil, &pool)
	if err := newError(Result(ret), "creating command pool"); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	h := CommandPool(b.handle())
	b.pools[h] = pool
	return h, nil
}

func (b *VulkanBackend) DestroyCommandPool(p CommandPool) {
	b.mu.Lock()
	pool, ok := b.pools[p]
	delete(b.pools, p)
	b.mu.Unlock()
	if ok {
		vk.DestroyCommandPool(b.device, pool, nil)
	}
}

func (b *VulkanBackend) ResetCommandPool(p CommandPool) error {
	b.mu.Lock()
	pool := b.pools[p]
	b.mu.Unlock()
	return newError(Result(vk.ResetCommandPool(b.device, pool, 0)), "resetting command pool")
}

func (b *VulkanBackend) AllocateCommandBuffers(p CommandPool, level CommandBufferLevel, count int) ([]CommandBuffer, error) {
	b.mu.Lock()
	pool := b.pools[p]
	b.mu.Unlock()

	vkLevel := vk.CommandBufferLevelPrimary
	if level == CommandBufferSecondary {
		vkLevel = vk.CommandBufferLevelSecondary
	}
	bufs := make([]vk.CommandBuffer, count)
	ret := vk.AllocateCommandBuffers(b.device, &vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        pool,
		Level:              vkLevel,
		CommandBufferCount: uint32(count),
	}, bufs)
	if err := newError(Result(ret), "allocating command buffers"); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]CommandBuffer, count)
	for i, cb := range bufs {
		h := CommandBuffer(b.handle())
		b.cbs[h] = cb
		out[i] = h
	}
	return out, nil
}

func (b *VulkanBackend) FreeCommandBuffers(p CommandPool, bufs []CommandBuffer) {
	b.mu.Lock()
	pool := b.pools[p]
	handles := make([]vk.CommandBuffer, 0, len(bufs))
	for _, cb := range bufs {
		if h, ok := b.cbs[cb]; ok {
			handles = append(handles, h)
			delete(b.cbs, cb)
		}
	}
	b.mu.Unlock()
	if len(handles) > 0 {
		vk.FreeCommandBuffers(b.device, pool, uint32(len(handles)), handles)
	}
}

func (b *VulkanBackend) BeginCommandBuffer(cb CommandBuffer, oneTime bool) error {
	b.mu.Lock()
	handle := b.cbs[cb]
	b.mu.Unlock()
	bi := vk.CommandBufferBeginInfo{SType: vk.StructureTypeCommandBufferBeginInfo}
	if oneTime {
		bi.Flags = vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit)
	}
	return newError(Result(vk.BeginCommandBuffer(handle, &bi)), "beginning command buffer")
}

func (b *VulkanBackend) EndCommandBuffer(cb CommandBuffer) error {
	b.mu.Lock()
	handle := b.cbs[cb]
	b.mu.Unlock()
	return newError(Result(vk.EndCommandBuffer(handle)), "ending command buffer")
}

func (b *VulkanBackend) ResetCommandBuffer(cb CommandBuffer) error {
	b.mu.Lock()
	handle := b.cbs[cb]
	b.mu.Unlock()
	return newError(Result(vk.ResetCommandBuffer(handle, 0)), "resetting command buffer")
}

func (b *VulkanBackend) QueueSubmit(q Queue, info SubmitInfo, fence Fence) Result {
	b.mu.Lock()
	queue := b.queues[q]
	var vkFence vk.Fence
	if fence != 0 {
		vkFence = b.fences[fence]
	}
	cbs := make([]vk.CommandBuffer, len(info.CommandBuffers))
	for i, cb := range info.CommandBuffers {
		cbs[i] = b.cbs[cb]
	}
	waits := make([]vk.Semaphore, len(info.Wait))
	waitValues := make([]uint64, len(info.Wait))
	waitStages := make([]vk.PipelineStageFlags, len(info.Wait))
	hasTimeline := false
	for i, w := range info.Wait {
		waits[i] = b.sems[w.Semaphore]
		waitValues[i] = w.Value
		waitStages[i] = vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit)
		if w.Value != 0 {
			hasTimeline = true
		}
	}
	signals := make([]vk.Semaphore, len(info.Signal))
	signalValues := make([]uint64, len(info.Signal))
	for i, s := range info.Signal {
		signals[i] = b.sems[s.Semaphore]
		signalValues[i] = s.Value
		if s.Value != 0 {
			hasTimeline = true
		}
	}
	b.mu.Unlock()

	si := vk.SubmitInfo{
		SType:                vk.StructureTypeSubmitInfo,
		WaitSemaphoreCount:   uint32(len(waits)),
		PWaitSemaphores:      waits,
		PWaitDstStageMask:    waitStages,
		CommandBufferCount:   uint32(len(cbs)),
		PCommandBuffers:      cbs,
		SignalSemaphoreCount: uint32(len(signals)),
		PSignalSemaphores:    signals,
	}
	if hasTimeline {
		tsi := vk.TimelineSemaphoreSubmitInfo{
			SType:                     vk.StructureTypeTimelineSemaphoreSubmitInfo,
			WaitSemaphoreValueCount:   uint32(len(waitValues)),
			PWaitSemaphoreValues:      waitValues,
			SignalSemaphoreValueCount: uint32(len(signalValues)),
			PSignalSemaphoreValues:    signalValues,
		}
		si.PNext = unsafe.Pointer(tsi.Ref())
	}
	return Result(vk.QueueSubmit(queue, 1, []vk.SubmitInfo{si}, vkFence))
}

func (b *VulkanBackend) CreateBuffer(size uint64, usage BufferUsage, deviceAddress bool) (Buffer, DeviceMemory, error) {
	return b.createBuffer(size, usage, deviceAddress, false, 0)
}

func (b *VulkanBackend) CreateBufferCaptured(size uint64, usage BufferUsage, addr DeviceAddress) (Buffer, DeviceMemory, error) {
	return b.createBuffer(size, usage, true, true, addr)
}

func (b *VulkanBackend) createBuffer(size uint64, usage BufferUsage, deviceAddress, captured bool, addr DeviceAddress) (Buffer, DeviceMemory, error) {
	vkUsage := vk.BufferUsageFlags(0)
	if usage&BufferUsageStorage != 0 {
		vkUsage |= vk.BufferUsageFlags(vk.BufferUsageStorageBufferBit)
	}
	if usage&BufferUsageUniform != 0 {
		vkUsage |= vk.BufferUsageFlags(vk.BufferUsageUniformBufferBit)
	}
	if usage&BufferUsageVertex != 0 {
		vkUsage |= vk.BufferUsageFlags(vk.BufferUsageVertexBufferBit)
	}
	if usage&BufferUsageIndex != 0 {
		vkUsage |= vk.BufferUsageFlags(vk.BufferUsageIndexBufferBit)
	}
	if usage&BufferUsageTransferSrc != 0 {
		vkUsage |= vk.BufferUsageFlags(vk.BufferUsageTransferSrcBit)
	}
	if usage&BufferUsageTransferDst != 0 {
		vkUsage |= vk.BufferUsageFlags(vk.BufferUsageTransferDstBit)
	}
	if usage&BufferUsageDeviceAddress != 0 || deviceAddress {
		vkUsage |= vk.BufferUsageFlags(vk.BufferUsageShaderDeviceAddressBit)
	}

	ci := vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(size),
		Usage:       vkUsage,
		SharingMode: vk.SharingModeExclusive,
	}
	if captured {
		ci.Flags = vk.BufferCreateFlags(vk.BufferCreateDeviceAddressCaptureReplayBit)
		opaque := vk.BufferOpaqueCaptureAddressCreateInfo{
			SType:                vk.StructureTypeBufferOpaqueCaptureAddressCreateInfo,
			OpaqueCaptureAddress: uint64(addr),
		}
		ci.PNext = unsafe.Pointer(opaque.Ref())
	}

	var buffer vk.Buffer
	ret := vk.CreateBuffer(b.device, &ci, nil, &buffer)
	if err := newError(Result(ret), "creating buffer"); err != nil {
		return 0, 0, err
	}

	var memReqs vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(b.device, buffer, &memReqs)
	memReqs.Deref()

	// Host visible so WriteBuffer can map directly; uploads that need
	// device-local memory stage through a one-shot transfer.
	typeIdx, ok := b.memoryTypeIndex(memReqs.MemoryTypeBits,
		vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit|vk.MemoryPropertyHostCoherentBit))
	if !ok {
		vk.DestroyBuffer(b.device, buffer, nil)
		return 0, 0, errors.New("no host-visible memory type for buffer")
	}

	ai := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  memReqs.Size,
		MemoryTypeIndex: typeIdx,
	}
	if deviceAddress || usage&BufferUsageDeviceAddress != 0 {
		allocFlags := vk.MemoryAllocateFlagsInfo{
			SType: vk.StructureTypeMemoryAllocateFlagsInfo,
			Flags: vk.MemoryAllocateFlags(vk.MemoryAllocateDeviceAddressBit),
		}
		if captured {
			allocFlags.Flags |= vk.MemoryAllocateFlags(vk.MemoryAllocateDeviceAddressCaptureReplayBit)
		}
		ai.PNext = unsafe.Pointer(allocFlags.Ref())
	}

	var memory vk.DeviceMemory
	ret = vk.AllocateMemory(b.device, &ai, nil, &memory)
	if err := newError(Result(ret), "allocating buffer memory"); err != nil {
		vk.DestroyBuffer(b.device, buffer, nil)
		return 0, 0, err
	}
	if ret := vk.BindBufferMemory(b.device, buffer, memory, 0); ret != vk.Success {
		vk.FreeMemory(b.device, memory, nil)
		vk.DestroyBuffer(b.device, buffer, nil)
		return 0, 0, newError(Result(ret), "binding buffer memory")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	hBuf := Buffer(b.handle())
	hMem := DeviceMemory(b.handle())
	b.buffers[hBuf] = buffer
	b.bufMem[hBuf] = memory
	b.memories[hMem] = memory
	return hBuf, hMem, nil
}

func (b *VulkanBackend) DestroyBuffer(buf Buffer, mem DeviceMemory) {
	b.mu.Lock()
	buffer, hasBuf := b.buffers[buf]
	memory, hasMem := b.memories[mem]
	delete(b.buffers, buf)
	delete(b.bufMem, buf)
	delete(b.memories, mem)
	b.mu.Unlock()
	if hasBuf {
		vk.DestroyBuffer(b.device, buffer, nil)
	}
	if hasMem {
		vk.FreeMemory(b.device, memory, nil)
	}
}

func (b *VulkanBackend) BufferDeviceAddress(buf Buffer) (DeviceAddress, error) {
	b.mu.Lock()
	buffer, ok := b.buffers[buf]
	b.mu.Unlock()
	if !ok {
		return 0, errors.New("address query on unknown buffer")
	}
	addr := vk.GetBufferDeviceAddress(b.device, &vk.BufferDeviceAddressInfo{
		SType:  vk.StructureTypeBufferDeviceAddressInfo,
		Buffer: buffer,
	})
	return DeviceAddress(addr), nil
}

func (b *VulkanBackend) WriteBuffer(buf Buffer, offset uint64, data []byte) error {
	b.mu.Lock()
	memory, ok := b.bufMem[buf]
	b.mu.Unlock()
	if !ok {
		return errors.New("write to unknown buffer")
	}
	var ptr unsafe.Pointer
	ret := vk.MapMemory(b.device, memory, vk.DeviceSize(offset), vk.DeviceSize(len(data)), 0, &ptr)
	if err := newError(Result(ret), "mapping buffer memory"); err != nil {
		return err
	}
	vk.Memcopy(ptr, data)
	vk.UnmapMemory(b.device, memory)
	return nil
}

func (b *VulkanBackend) CreatePipelineCache(initialData []byte) (PipelineCache, error) {
	ci := vk.PipelineCacheCreateInfo{
		SType: vk.StructureTypePipelineCacheCreateInfo,
	}
	if len(initialData) > 0 {
		ci.InitialDataSize = uint64(len(initialData))
		ci.PInitialData = unsafe.Pointer(&initialData[0])
	}
	var pc vk.PipelineCache
	ret := vk.CreatePipelineCache(b.device, &ci, nil, &pc)
	if err := newError(Result(ret), "creating pipeline cache"); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	h := PipelineCache(b.handle())
	b.caches[h] = pc
	return h, nil
}

func (b *VulkanBackend) PipelineCacheData(pc PipelineCache) ([]byte, error) {
	b.mu.Lock()
	cache := b.caches[pc]
	b.mu.Unlock()

	var size uint64
	if ret := vk.GetPipelineCacheData(b.device, cache, &size, nil); ret != vk.Success {
		return nil, newError(Result(ret), "querying pipeline cache size")
	}
	if size == 0 {
		return nil, nil
	}
	data := make([]byte, size)
	if ret := vk.GetPipelineCacheData(b.device, cache, &size, unsafe.Pointer(&data[0])); ret != vk.Success {
		return nil, newError(Result(ret), "reading pipeline cache data")
	}
	return data[:size], nil
}

func (b *VulkanBackend) DestroyPipelineCache(pc PipelineCache) {
	b.mu.Lock()
	cache, ok := b.caches[pc]
	delete(b.caches, pc)
	b.mu.Unlock()
	if ok {
		vk.DestroyPipelineCache(b.device, cache, nil)
	}
}
