package calltracker

// AudioGroup is the tracker's audio mixing resource. It belongs to at most
// one Call at a time and moves only through handOff.
type AudioGroup struct {
	tracker *CallTracker
	owner   *Call
	muted   bool
}

// Owner returns the call currently holding the audio group, or nil.
func (a *AudioGroup) Owner() *Call {
	a.tracker.mu.RLock()
	defer a.tracker.mu.RUnlock()
	return a.owner
}

// Muted reports the local mute setting.
func (a *AudioGroup) Muted() bool {
	a.tracker.mu.RLock()
	defer a.tracker.mu.RUnlock()
	return a.muted
}

// handOff gives the group to c, or releases it when c is nil. The mute
// flag follows the group.
func (a *AudioGroup) handOff(c *Call) {
	if a.owner == c {
		return
	}
	if a.owner != nil {
		for _, conn := range a.owner.conns {
			conn.setMuted(false)
		}
	}
	a.owner = c
	if c == nil {
		return
	}
	a.tracker.log.Debug("audio group handed off", "to", c.role.String())
	for _, conn := range c.conns {
		conn.setMuted(a.muted)
	}
}

func (a *AudioGroup) setMuted(muted bool) {
	a.muted = muted
	if a.owner == nil {
		return
	}
	for _, conn := range a.owner.conns {
		conn.setMuted(muted)
	}
}
