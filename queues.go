package dieselcore

// Selection assigns a queue family index to each role. Roles may alias the
// same family; graphics and present must both be resolved for the device to
// be usable.
type Selection struct {
	Graphics uint32
	Present  uint32
	Compute  uint32
	Transfer uint32
}

// SharedPresent reports whether present resolved to the graphics family, in
// which case the present queue is the graphics queue and no second queue is
// retrieved.
func (s Selection) SharedPresent() bool { return s.Present == s.Graphics }

// DedicatedTransfer reports whether transfer landed on a non-graphics family.
func (s Selection) DedicatedTransfer() bool { return s.Transfer != s.Graphics }

type queueRole int

const (
	roleGraphics queueRole = iota
	roleCompute
	roleTransfer
	rolePresent
)

// Queue scoring weights. Tunable policy; only the preference ordering
// (dedicated over shared, more queues over fewer) is contract.
const (
	queueScoreDedicated  = 500
	queueScoreCombined   = 250
	queueScorePerQueue   = 10
	queueScoreTimestamps = 25
	maxQueuesPerFamily   = 4
)

// selectQueueFamilies picks the best family per role independently. Returns
// ok=false when no family covers graphics work or none can present to the
// surface, which escalates to the negotiator rejecting the device.
func selectQueueFamilies(b Backend, pd PhysicalDevice, surface Surface, families []QueueFamily) (Selection, bool) {
	var sel Selection
	var bestScore [4]int
	var found [4]bool

	for i, fam := range families {
		idx := uint32(i)
		presents := b.SurfaceSupport(pd, idx, surface)

		for _, role := range []queueRole{roleGraphics, roleCompute, roleTransfer, rolePresent} {
			score, capable := scoreFamily(fam, role, presents)
			if !capable {
				continue
			}
			if !found[role] || score > bestScore[role] {
				found[role] = true
				bestScore[role] = score
				switch role {
				case roleGraphics:
					sel.Graphics = idx
				case roleCompute:
					sel.Compute = idx
				case roleTransfer:
					sel.Transfer = idx
				case rolePresent:
					sel.Present = idx
				}
			}
		}
	}

	if !found[roleGraphics] || !found[rolePresent] {
		return Selection{}, false
	}
	// Compute and transfer fall back to the graphics family.
	if !found[roleCompute] {
		sel.Compute = sel.Graphics
	}
	if !found[roleTransfer] {
		sel.Transfer = sel.Graphics
	}
	return sel, true
}

func scoreFamily(fam QueueFamily, role queueRole, presents bool) (int, bool) {
	score := int(fam.Count) * queueScorePerQueue
	if fam.TimestampValidBits > 0 {
		score += queueScoreTimestamps
	}

	switch role {
	case roleGraphics:
		if fam.Flags&QueueGraphics == 0 {
			return 0, false
		}
		// Combined graphics+present avoids a cross-queue ownership transfer
		// on every frame.
		if presents {
			score += queueScoreCombined
		}
	case rolePresent:
		if !presents {
			return 0, false
		}
		if fam.Flags&QueueGraphics != 0 {
			score += queueScoreCombined
		}
	case roleCompute:
		if fam.Flags&QueueCompute == 0 {
			return 0, false
		}
		if fam.Flags&QueueGraphics == 0 {
			score += queueScoreDedicated
		}
	case roleTransfer:
		if fam.Flags&QueueTransfer == 0 {
			return 0, false
		}
		if fam.Flags&QueueGraphics == 0 && fam.Flags&QueueCompute == 0 {
			score += queueScoreDedicated
		}
	}
	return score, true
}

// queueRequests deduplicates the selection into the minimal unique-family set
// for logical device creation, asking for up to maxQueuesPerFamily queues per
// family with descending priorities.
func queueRequests(sel Selection, families []QueueFamily) []QueueRequest {
	unique := []uint32{sel.Graphics}
	for _, f := range []uint32{sel.Present, sel.Compute, sel.Transfer} {
		seen := false
		for _, u := range unique {
			if u == f {
				seen = true
				break
			}
		}
		if !seen {
			unique = append(unique, f)
		}
	}

	reqs := make([]QueueRequest, 0, len(unique))
	for _, fam := range unique {
		count := families[fam].Count
		if count > maxQueuesPerFamily {
			count = maxQueuesPerFamily
		}
		prios := make([]float32, count)
		for i := range prios {
			prios[i] = 1.0 - float32(i)*0.25
		}
		reqs = append(reqs, QueueRequest{Family: fam, Count: count, Priorities: prios})
	}
	return reqs
}
