package driver

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	c := s.c
	id := s.entryID
	loc := s.loc
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:  cfg.Enabled,
		Spec:     cfg.Spec,
		Timezone: cfg.Timezone,
		Running:  s.running.Load(),
	}
	if snap.Timezone == "" && loc != nil {
		snap.Timezone = loc.String()
	}
	if c != nil && id != 0 {
		e := c.Entry(id)
		snap.Next = e.Next
		snap.Prev = e.Prev
	}

	s.hmu.Lock()
	snap.History = append([]Run(nil), s.history...)
	s.hmu.Unlock()
	return snap
}
