package ampsession

// State mirrors AmplifierState from spec.md §3: four independent
// optional fields, each nil until the corresponding value has been
// observed from the device in the current session. Reset to all-nil on
// every new session.
type State struct {
	IsMuted     *bool
	IsPoweredOn *bool
	Source      *int
	Volume      *int
}

func boolPtr(v bool) *bool { return &v }
func intPtr(v int) *int    { return &v }

// Equal reports whether s and other carry the same observed values.
func (s State) Equal(other State) bool {
	return ptrBoolEqual(s.IsMuted, other.IsMuted) &&
		ptrBoolEqual(s.IsPoweredOn, other.IsPoweredOn) &&
		ptrIntEqual(s.Source, other.Source) &&
		ptrIntEqual(s.Volume, other.Volume)
}

func ptrBoolEqual(a, b *bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func ptrIntEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
