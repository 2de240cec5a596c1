package space

import "sort"

type extent struct {
	begin, size uint32
}

func (e extent) end() uint32 { return e.begin + e.size }

// freeList is a sorted, coalesced list of free address ranges.
type freeList []extent

func (l *freeList) insert(e extent) {
	s := *l
	i := sort.Search(len(s), func(i int) bool { return s[i].begin > e.begin })
	s = append(s, extent{})
	copy(s[i+1:], s[i:])
	s[i] = e
	if i+1 < len(s) && s[i].end() == s[i+1].begin {
		s[i].size += s[i+1].size
		s = append(s[:i+1], s[i+2:]...)
	}
	if i > 0 && s[i-1].end() == s[i].begin {
		s[i-1].size += s[i].size
		s = append(s[:i], s[i+1:]...)
	}
	*l = s
}

// firstFit removes n bytes from the lowest extent that holds them.
func (l *freeList) firstFit(n uint32) (uint32, bool) {
	s := *l
	for i, e := range s {
		if e.size < n {
			continue
		}
		if e.size == n {
			*l = append(s[:i], s[i+1:]...)
		} else {
			s[i] = extent{e.begin + n, e.size - n}
		}
		return e.begin, true
	}
	return 0, false
}

// claim removes exactly [addr, addr+n) and reports whether it was free.
func (l *freeList) claim(addr, n uint32) bool {
	s := *l
	for i, e := range s {
		if addr < e.begin || addr+n > e.end() {
			continue
		}
		*l = append(s[:i], s[i+1:]...)
		if addr > e.begin {
			l.insert(extent{e.begin, addr - e.begin})
		}
		if addr+n < e.end() {
			l.insert(extent{addr + n, e.end() - addr - n})
		}
		return true
	}
	return false
}

// last returns the highest extent.
func (l freeList) last() (extent, bool) {
	if len(l) == 0 {
		return extent{}, false
	}
	return l[len(l)-1], true
}

func (l freeList) total() uint32 {
	var n uint32
	for _, e := range l {
		n += e.size
	}
	return n
}
