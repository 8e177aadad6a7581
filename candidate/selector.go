package candidate

// SlotSelector chooses the slot that receives the next downloaded image.
type SlotSelector interface {
	SlotForCandidate(s *Slots) int
}

// SelectorFunc adapts a function to SlotSelector.
type SelectorFunc func(s *Slots) int

func (f SelectorFunc) SlotForCandidate(s *Slots) int {
	return f(s)
}

// FirstSlot always selects slot 0.
type FirstSlot struct{}

func (FirstSlot) SlotForCandidate(*Slots) int {
	return 0
}

// EmptyOrOldest selects the first slot whose header is missing, invalid or
// empty, and otherwise the slot with the lowest firmware version. Only
// headers are read, bodies are not hashed.
type EmptyOrOldest struct{}

func (EmptyOrOldest) SlotForCandidate(s *Slots) int {
	oldest := -1
	var oldestVersion uint64

	for i := 0; i < s.NbrOfSlots(); i++ {
		app, ok := s.Application(i)
		if !ok {
			continue
		}
		if app.FirmwareSize() == 0 {
			return i
		}
		if v := app.FirmwareVersion(); oldest < 0 || v < oldestVersion {
			oldest, oldestVersion = i, v
		}
	}

	if oldest < 0 {
		return 0
	}
	return oldest
}
