package store

import (
	"encoding/binary"
	"sync"

	"github.com/sirgallo/nyada/storeerr"
	"github.com/sirgallo/nyada/storeopts"
)

//============================================= OrderedSequence


// OrderedSequence is the append-only, index-addressed collection over
// pages of raw byte strings (spec §3.4/§4.4). Three physical layouts share
// one type: unbatched (one page per element), constant-length batched
// (B elements of L bytes per page), and variable-length batched (B
// elements per page, header of cumulative offsets followed by bodies).
type OrderedSequence struct {
	*containerBase

	mu sync.Mutex

	persistedLen int64
	appendBuf    [][]byte

	// overwrites: unbatched mode indexes directly by element index;
	// batched modes index by page, then by slot within the page.
	overwritesFlat map[int64][]byte
	overwrites     map[int64]map[int][]byte

	// tail retains the in-progress partial final page across flush calls
	// so the next flush never needs to re-read it from the engine
	// (spec §4.4 edge cases, "retained tail").
	tail *seqTail

	pageCache map[int64][]byte
}

type seqTail struct {
	idx     int64
	filled  int
	offsets []uint64 // variable mode only: len == filled+1
	body    []byte   // variable mode: concatenated bodies; constant mode: concatenated L-byte items
}

// OpenSequence opens or creates an OrderedSequence named name, seeding its
// sidecar with batching if this is the first open (spec §3.3/§3.7).
func OpenSequence(env *Environment, name []byte, batching storeopts.BatchingConfig, cacheOnSet bool) (*OrderedSequence, error) {
	if err := batching.Validate(); err != nil {
		return nil, err
	}
	batching = batching.Normalize()

	cb := newContainerBase(env, name, cacheOnSet, batching)

	defaults := map[string][]byte{
		statType:      {kindSequence},
		statLength:    []byte("0"),
		statBatchOn:   flagBytes(batching.On),
		statBatchSize: intBytes(batching.BatchSize),
		statMaxLen:    intBytes(batching.MaxItemLength),
		statConstLen:  flagBytes(batching.ConstantLength),
	}
	fields, err := cb.ensureStatFields(defaults)
	if err != nil {
		return nil, err
	}

	persisted := asciiInt(fields[statLength])
	persistedBatching := storeopts.BatchingConfig{
		On:             asciiFlag(fields[statBatchOn]),
		BatchSize:      asciiInt(fields[statBatchSize]),
		MaxItemLength:  asciiInt(fields[statMaxLen]),
		ConstantLength: asciiFlag(fields[statConstLen]),
	}.Normalize()
	cb.batching = persistedBatching

	seq := &OrderedSequence{
		containerBase:  cb,
		persistedLen:   int64(persisted),
		overwritesFlat: make(map[int64][]byte),
		overwrites:     make(map[int64]map[int][]byte),
		pageCache:      make(map[int64][]byte),
	}

	env.registry.Register(seq)
	return seq, nil
}

func flagBytes(b bool) []byte {
	if b {
		return []byte("1")
	}
	return []byte("0")
}

func intBytes(n int) []byte {
	return []byte(itoa(n))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

//============================================= Public operations


// Append enqueues value into the in-memory append buffer. Never touches
// the engine. Constant-length mode rejects the wrong length immediately.
func (s *OrderedSequence) Append(value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.batching.On && s.batching.ConstantLength && len(value) != s.batching.MaxItemLength {
		return storeerr.BadLengthf("append: value has length %d, want %d", len(value), s.batching.MaxItemLength)
	}

	cp := append([]byte{}, value...)
	s.appendBuf = append(s.appendBuf, cp)
	return nil
}

// Set overwrites position index. If index falls within the still-unflushed
// append buffer, the overwrite is applied in place; otherwise it is
// recorded for the next flush (spec §4.4).
func (s *OrderedSequence) Set(index int64, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.batching.On && s.batching.ConstantLength && len(value) != s.batching.MaxItemLength {
		return storeerr.BadLengthf("set: value has length %d, want %d", len(value), s.batching.MaxItemLength)
	}

	length := s.persistedLen + int64(len(s.appendBuf))
	if index < 0 {
		index += length
	}
	if index < 0 || index >= length {
		return storeerr.OutOfRangef("set: index %d out of range [0,%d)", index, length)
	}

	cp := append([]byte{}, value...)

	if index >= s.persistedLen {
		s.appendBuf[index-s.persistedLen] = cp
		return nil
	}

	if s.batching.On {
		b := s.batching.BatchSize
		page := index / int64(b)
		slot := int(index % int64(b))
		if s.overwrites[page] == nil {
			s.overwrites[page] = make(map[int][]byte)
		}
		s.overwrites[page][slot] = cp
	} else {
		s.overwritesFlat[index] = cp
	}
	return nil
}

// Get returns the visible element at index, folding negative indices from
// the end, serving from the append buffer, pending overwrite, or the
// persisted page as appropriate (spec §4.4).
func (s *OrderedSequence) Get(index int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	length := s.persistedLen + int64(len(s.appendBuf))
	if index < 0 {
		index += length
	}
	if index < 0 || index >= length {
		return nil, storeerr.OutOfRangef("get: index %d out of range [0,%d)", index, length)
	}

	if index >= s.persistedLen {
		return s.appendBuf[index-s.persistedLen], nil
	}

	if s.batching.On {
		b := int64(s.batching.BatchSize)
		page := index / b
		slot := int(index % b)
		if ov, ok := s.overwrites[page]; ok {
			if v, ok := ov[slot]; ok {
				return v, nil
			}
		}
		return s.getFromPage(page, slot)
	}

	if v, ok := s.overwritesFlat[index]; ok {
		return v, nil
	}
	return s.getUnbatched(index)
}

// Length returns persisted_len + |append_buffer|.
func (s *OrderedSequence) Length() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistedLen + int64(len(s.appendBuf))
}

// Iterate streams every visible element in index order: persisted pages
// first, then the append buffer (spec §4.4, Design Notes "lazy iterators").
func (s *OrderedSequence) Iterate(fn func(index int64, value []byte) error) error {
	s.mu.Lock()
	length := s.persistedLen + int64(len(s.appendBuf))
	s.mu.Unlock()

	for i := int64(0); i < length; i++ {
		v, err := s.Get(i)
		if err != nil {
			return err
		}
		if err := fn(i, v); err != nil {
			return err
		}
	}
	return nil
}

//============================================= Page reads


func (s *OrderedSequence) getUnbatched(index int64) ([]byte, error) {
	key := make([]byte, 8)
	binary.LittleEndian.PutUint64(key, uint64(index))

	if v, ok := s.pageCache[index]; ok {
		return v, nil
	}

	tx, err := s.env.BeginRead()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	cur, err := tx.Cursor(s.name)
	if err != nil {
		return nil, err
	}
	v, ok, err := cur.Get(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, storeerr.StoreCorruptf("sequence %s: missing persisted index %d", s.name, index)
	}

	s.pageCache[index] = v
	return v, nil
}

func (s *OrderedSequence) slotsInPage(page int64) int {
	b := int64(s.batching.BatchSize)
	full := s.persistedLen / b
	if page < full {
		return s.batching.BatchSize
	}
	if page == full {
		return int(s.persistedLen % b)
	}
	return 0
}

func (s *OrderedSequence) getFromPage(page int64, slot int) ([]byte, error) {
	raw, err := s.readPageBytes(page)
	if err != nil {
		return nil, err
	}

	if s.batching.ConstantLength {
		l := s.batching.MaxItemLength
		start := slot * l
		end := start + l
		if end > len(raw) {
			return nil, storeerr.StoreCorruptf("sequence %s: page %d too short for slot %d", s.name, page, slot)
		}
		return raw[start:end], nil
	}

	count := s.slotsInPage(page)
	headerLen := 8 * (count + 1)
	if headerLen > len(raw) {
		return nil, storeerr.StoreCorruptf("sequence %s: page %d header truncated", s.name, page)
	}
	offsets := make([]uint64, count+1)
	for i := 0; i <= count; i++ {
		offsets[i] = binary.LittleEndian.Uint64(raw[i*8:])
	}
	body := raw[headerLen:]
	start, end := offsets[slot], offsets[slot+1]
	if int(end) > len(body) {
		return nil, storeerr.StoreCorruptf("sequence %s: page %d body truncated", s.name, page)
	}
	return body[start:end], nil
}

func (s *OrderedSequence) readPageBytes(page int64) ([]byte, error) {
	if v, ok := s.pageCache[page]; ok {
		return v, nil
	}

	key := make([]byte, 8)
	binary.LittleEndian.PutUint64(key, uint64(page))

	tx, err := s.env.BeginRead()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	cur, err := tx.Cursor(s.name)
	if err != nil {
		return nil, err
	}
	v, ok, err := cur.Get(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, storeerr.StoreCorruptf("sequence %s: missing page %d", s.name, page)
	}

	s.pageCache[page] = v
	return v, nil
}

//============================================= Flush


// Flush runs the layout-appropriate flush algorithm (spec §4.4), optionally
// backgrounded via the shared single-slot channel orchestration.
func (s *OrderedSequence) Flush(threaded bool) error {
	return s.containerBase.flush(threaded, s.doFlush)
}

func (s *OrderedSequence) WaitForFlush() error { return s.containerBase.waitForFlush() }

func (s *OrderedSequence) doFlush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.appendBuf) == 0 && len(s.overwritesFlat) == 0 && len(s.overwrites) == 0 {
		return nil
	}

	tx, err := s.env.BeginWrite()
	if err != nil {
		return err
	}

	cur, err := tx.Cursor(s.name)
	if err != nil {
		tx.Rollback()
		return err
	}

	var flushErr error
	switch {
	case !s.batching.On:
		flushErr = s.flushUnbatched(cur)
	case s.batching.ConstantLength:
		flushErr = s.flushConstant(cur)
	default:
		flushErr = s.flushVariable(cur)
	}
	if flushErr != nil {
		tx.Rollback()
		return flushErr
	}

	newLen := s.persistedLen + int64(len(s.appendBuf))
	statCur, err := tx.Cursor(s.stat)
	if err != nil {
		tx.Rollback()
		return err
	}
	if err := statCur.Put([]byte(statLength), intBytes(int(newLen)), false); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.cacheMu.Lock()
	s.statCache[statLength] = intBytes(int(newLen))
	s.cacheMu.Unlock()

	s.persistedLen = newLen
	s.appendBuf = nil
	s.overwritesFlat = make(map[int64][]byte)
	s.overwrites = make(map[int64]map[int][]byte)
	s.pageCache = make(map[int64][]byte)
	return nil
}

func (s *OrderedSequence) flushUnbatched(cur *Cursor) error {
	for i, v := range s.appendBuf {
		idx := s.persistedLen + int64(i)
		key := make([]byte, 8)
		binary.LittleEndian.PutUint64(key, uint64(idx))
		if err := cur.Put(key, v, true); err != nil {
			return err
		}
	}

	for idx, v := range s.overwritesFlat {
		key := make([]byte, 8)
		binary.LittleEndian.PutUint64(key, uint64(idx))
		if err := cur.Put(key, v, false); err != nil {
			return err
		}
	}
	return nil
}

func (s *OrderedSequence) flushConstant(cur *Cursor) error {
	b := int64(s.batching.BatchSize)

	page := s.persistedLen / b
	offset := int(s.persistedLen % b)

	var buf []byte
	if s.tail != nil && s.tail.idx == page {
		buf = append([]byte{}, s.tail.body...)
	} else if offset > 0 {
		raw, err := s.readPageBytes(page)
		if err != nil {
			return err
		}
		buf = append([]byte{}, raw...)
	}
	filled := offset

	appendFirst := true
	for _, v := range s.appendBuf {
		buf = append(buf, v...)
		filled++
		if filled == s.batching.BatchSize {
			if err := s.putPage(cur, page, buf, !appendFirst); err != nil {
				return err
			}
			appendFirst = false
			page++
			buf = nil
			filled = 0
		}
	}

	if filled > 0 {
		if err := s.putPage(cur, page, buf, !appendFirst); err != nil {
			return err
		}
		s.tail = &seqTail{idx: page, filled: filled, body: append([]byte{}, buf...)}
	} else {
		s.tail = nil
	}

	return s.applyOverwritesConstant(cur)
}

func (s *OrderedSequence) applyOverwritesConstant(cur *Cursor) error {
	if len(s.overwrites) == 0 {
		return nil
	}
	l := s.batching.MaxItemLength
	for page, slots := range s.overwrites {
		raw, err := s.readPageBytes(page)
		if err != nil {
			return err
		}
		buf := append([]byte{}, raw...)
		for slot, v := range slots {
			start := slot * l
			end := start + l
			if end > len(buf) {
				grown := make([]byte, end)
				copy(grown, buf)
				buf = grown
			}
			copy(buf[start:end], v)
		}
		if err := cur.Put(pageKey(page), buf, false); err != nil {
			return err
		}
		delete(s.pageCache, page)
	}
	return nil
}

func (s *OrderedSequence) flushVariable(cur *Cursor) error {
	b := int64(s.batching.BatchSize)

	page := s.persistedLen / b
	offset := int(s.persistedLen % b)

	var offsets []uint64
	var body []byte
	if s.tail != nil && s.tail.idx == page {
		offsets = append([]uint64{}, s.tail.offsets...)
		body = append([]byte{}, s.tail.body...)
	} else if offset > 0 {
		raw, err := s.readPageBytes(page)
		if err != nil {
			return err
		}
		offsets = make([]uint64, offset+1)
		for i := 0; i <= offset; i++ {
			offsets[i] = binary.LittleEndian.Uint64(raw[i*8:])
		}
		body = append([]byte{}, raw[8*(offset+1):]...)
	} else {
		offsets = []uint64{0}
		body = nil
	}

	filled := len(offsets) - 1

	appendFirst := true
	for _, v := range s.appendBuf {
		body = append(body, v...)
		offsets = append(offsets, uint64(len(body)))
		filled++
		if filled == s.batching.BatchSize {
			if err := s.putVariablePage(cur, page, offsets, body, !appendFirst); err != nil {
				return err
			}
			appendFirst = false
			page++
			offsets = []uint64{0}
			body = nil
			filled = 0
		}
	}

	if filled > 0 {
		if err := s.putVariablePage(cur, page, offsets, body, !appendFirst); err != nil {
			return err
		}
		s.tail = &seqTail{idx: page, filled: filled, offsets: append([]uint64{}, offsets...), body: append([]byte{}, body...)}
	} else {
		s.tail = nil
	}

	return s.applyOverwritesVariable(cur)
}

func (s *OrderedSequence) applyOverwritesVariable(cur *Cursor) error {
	if len(s.overwrites) == 0 {
		return nil
	}
	for page, slots := range s.overwrites {
		count := s.slotsInPage(page)
		raw, err := s.readPageBytes(page)
		if err != nil {
			return err
		}
		offsets := make([]uint64, count+1)
		for i := 0; i <= count; i++ {
			offsets[i] = binary.LittleEndian.Uint64(raw[i*8:])
		}
		oldBody := raw[8*(count+1):]

		items := make([][]byte, count)
		for i := 0; i < count; i++ {
			if v, ok := slots[i]; ok {
				items[i] = v
			} else {
				items[i] = oldBody[offsets[i]:offsets[i+1]]
			}
		}

		newOffsets := make([]uint64, count+1)
		var newBody []byte
		for i, item := range items {
			newOffsets[i] = uint64(len(newBody))
			newBody = append(newBody, item...)
		}
		newOffsets[count] = uint64(len(newBody))

		if err := s.putVariablePage(cur, page, newOffsets, newBody, false); err != nil {
			return err
		}
		delete(s.pageCache, page)
	}
	return nil
}

func (s *OrderedSequence) putPage(cur *Cursor, page int64, body []byte, appendHint bool) error {
	if err := cur.Put(pageKey(page), body, appendHint); err != nil {
		return err
	}
	delete(s.pageCache, page)
	return nil
}

func (s *OrderedSequence) putVariablePage(cur *Cursor, page int64, offsets []uint64, body []byte, appendHint bool) error {
	header := make([]byte, 8*len(offsets))
	for i, o := range offsets {
		binary.LittleEndian.PutUint64(header[i*8:], o)
	}
	return s.putPage(cur, page, append(header, body...), appendHint)
}

func pageKey(page int64) []byte {
	key := make([]byte, 8)
	binary.LittleEndian.PutUint64(key, uint64(page))
	return key
}
