package lut

// Mode selects how a table is generated. It is either [Linear] or [Explicit].
type Mode interface {
	isMode()
}

// Linear rescales with the image slope/intercept and windows with width/center.
type Linear struct{}

// Explicit composes the modality and VOI lookup functions. A nil table on
// either side falls back to the linear function for that step.
type Explicit struct {
	Modality *ModalityLUT
	VOI      *VOILUT
}

func (Linear) isMode()   {}
func (Explicit) isMode() {}

// ResolveMode returns [Explicit] when either override is present and [Linear] otherwise.
func ResolveMode(modality *ModalityLUT, voi *VOILUT) Mode {
	if modality != nil || voi != nil {
		return Explicit{Modality: modality, VOI: voi}
	}
	return Linear{}
}
