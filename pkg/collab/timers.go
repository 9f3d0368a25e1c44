package collab

// StartHeartbeat (re)starts the periodic workflowOpened announcement.
func (c *Coordinator) StartHeartbeat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startHeartbeatLocked()
}

// StopHeartbeat cancels the heartbeat. Safe to call when none is running.
func (c *Coordinator) StopHeartbeat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopHeartbeatLocked()
}

func (c *Coordinator) startHeartbeatLocked() {
	c.stopHeartbeatLocked()
	var tick func(out *outbox)
	tick = func(out *outbox) {
		c.emitOpenedLocked(out)
		c.heartbeat = c.scheduleLocked(c.timings.Heartbeat, tick)
	}
	c.heartbeat = c.scheduleLocked(c.timings.Heartbeat, tick)
}

func (c *Coordinator) stopHeartbeatLocked() {
	c.heartbeat.cancel()
	c.heartbeat = nil
}

func (c *Coordinator) startInactivityLocked() {
	c.stopInactivityLocked()
	var tick func(out *outbox)
	tick = func(out *outbox) {
		c.checkInactivityLocked(out)
		c.inactivity = c.scheduleLocked(c.timings.InactivityCheck, tick)
	}
	c.inactivity = c.scheduleLocked(c.timings.InactivityCheck, tick)
}

func (c *Coordinator) stopInactivityLocked() {
	c.inactivity.cancel()
	c.inactivity = nil
}
