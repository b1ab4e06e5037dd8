package realtime

// channelSet is an insertion-ordered set of channel names. Order matters for
// the catch-up subscribes replayed after a reconnect.
type channelSet struct {
	order []string
	index map[string]struct{}
}

func newChannelSet() *channelSet {
	return &channelSet{index: make(map[string]struct{})}
}

func (s *channelSet) add(ch string) {
	if _, ok := s.index[ch]; ok {
		return
	}
	s.index[ch] = struct{}{}
	s.order = append(s.order, ch)
}

func (s *channelSet) remove(ch string) {
	if _, ok := s.index[ch]; !ok {
		return
	}
	delete(s.index, ch)
	for i, c := range s.order {
		if c == ch {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *channelSet) has(ch string) bool {
	_, ok := s.index[ch]
	return ok
}

func (s *channelSet) clear() {
	s.order = nil
	s.index = make(map[string]struct{})
}

func (s *channelSet) list() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// pageRegistry maps a page key to the channels that page asked for.
// It does not reference count: releasing a page releases its channels even
// when another page still lists them.
type pageRegistry struct {
	pages map[string][]string
}

func newPageRegistry() *pageRegistry {
	return &pageRegistry{pages: make(map[string][]string)}
}

// enter records channels for key, replacing any previous entry, and returns
// the de-duplicated list.
func (r *pageRegistry) enter(key string, channels []string) []string {
	set := newChannelSet()
	for _, ch := range channels {
		set.add(ch)
	}
	list := set.list()
	r.pages[key] = list
	return list
}

// leave removes key and returns the channels it had registered.
func (r *pageRegistry) leave(key string) ([]string, bool) {
	list, ok := r.pages[key]
	if !ok {
		return nil, false
	}
	delete(r.pages, key)
	return list, true
}

func (r *pageRegistry) snapshot() map[string][]string {
	out := make(map[string][]string, len(r.pages))
	for k, v := range r.pages {
		cp := make([]string, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

// normalizeChannels drops empty names.
func normalizeChannels(channels []string) []string {
	out := channels[:0:0]
	for _, ch := range channels {
		if ch != "" {
			out = append(out, ch)
		}
	}
	return out
}
