package segstore

import (
	"encoding/binary"
	"sort"

	"go.uber.org/zap"
)

// Put acquires EX (on both the primary file and the prefix list), calls
// PutR, releases.
func (rh *ResourceHash) Put(rid, attr uint64, lex string) error {
	if err := rh.Lock(LockEX); err != nil {
		return err
	}
	defer rh.Lock(LockUN)
	return rh.PutR(rid, attr, lex)
}

// PutR inserts (rid, attr, lex) if rid is not already present; a second put
// with the same rid is a no-op, byte-identical to the first. The caller
// must already hold EX.
func (rh *ResourceHash) PutR(rid, attr uint64, lex string) error {
	for {
		home := rh.home(rid)
		total := rh.totalEntries()
		maxIdx := home + rh.searchDist
		if maxIdx > total {
			maxIdx = total
		}

		candidate := int64(-1)
		for idx := home; idx < maxIdx; idx++ {
			buf := rh.entryBytes(idx)
			if buf[entryDispOff] != 0 {
				if binary.NativeEndian.Uint64(buf[entryRidOff:entryRidOff+8]) == rid {
					return nil
				}
			} else if candidate == -1 {
				candidate = int64(idx)
			}
		}

		if candidate != -1 {
			if err := rh.encodeEntry(uint32(candidate), rid, attr, lex); err != nil {
				return err
			}
			rh.count++
			return nil
		}

		if err := rh.doubleR(); err != nil {
			return err
		}
	}
}

// Get acquires SH, calls GetR, releases.
func (rh *ResourceHash) Get(rid uint64) (Resource, error) {
	if err := rh.Lock(LockSH); err != nil {
		return Resource{}, err
	}
	defer rh.Lock(LockUN)
	return rh.GetR(rid)
}

// GetR looks up rid, probing up to searchDist entries from home (no
// wrap-around). A miss logs a warning and returns a synthetic not-found
// resource with Found=false so batch callers can continue. The caller must
// already hold SH or EX.
func (rh *ResourceHash) GetR(rid uint64) (Resource, error) {
	home := rh.home(rid)
	total := rh.totalEntries()
	maxIdx := home + rh.searchDist
	if maxIdx > total {
		maxIdx = total
	}

	for idx := home; idx < maxIdx; idx++ {
		buf := rh.entryBytes(idx)
		if buf[entryDispOff] == 0 {
			continue
		}
		if binary.NativeEndian.Uint64(buf[entryRidOff:entryRidOff+8]) != rid {
			continue
		}
		attr, lex, err := rh.decodeEntry(buf)
		if err != nil {
			return Resource{}, err
		}
		return Resource{Rid: rid, Attr: attr, Lex: lex, Found: true}, nil
	}

	rh.log.Warn("resource not found", zap.Uint64("rid", rid))
	return Resource{Rid: rid, Attr: 0, Lex: NotFoundLex(rid), Found: false}, nil
}

// ScanR calls fn once for every occupied entry, in on-disk slot order. The
// caller must already hold SH or EX, and fn must not mutate the hash.
func (rh *ResourceHash) ScanR(fn func(Resource) error) error {
	total := rh.totalEntries()
	for idx := uint32(0); idx < total; idx++ {
		buf := rh.entryBytes(idx)
		if buf[entryDispOff] == 0 {
			continue
		}
		rid := binary.NativeEndian.Uint64(buf[entryRidOff : entryRidOff+8])
		attr, lex, err := rh.decodeEntry(buf)
		if err != nil {
			return err
		}
		if err := fn(Resource{Rid: rid, Attr: attr, Lex: lex, Found: true}); err != nil {
			return err
		}
	}
	return nil
}

// PutMultiR batch-inserts resources, sorting by (home slot, rid) and
// deduplicating consecutive equal rids first to improve cache locality for
// large ingests, then calling PutR per entry. The caller must already hold
// EX.
func (rh *ResourceHash) PutMultiR(resources []Resource) error {
	sorted := append([]Resource(nil), resources...)
	sort.SliceStable(sorted, func(i, j int) bool {
		hi, hj := rh.home(sorted[i].Rid), rh.home(sorted[j].Rid)
		if hi != hj {
			return hi < hj
		}
		return sorted[i].Rid < sorted[j].Rid
	})

	var lastRid uint64
	haveLast := false
	for _, r := range sorted {
		if haveLast && r.Rid == lastRid {
			continue
		}
		if err := rh.PutR(r.Rid, r.Attr, r.Lex); err != nil {
			return err
		}
		lastRid = r.Rid
		haveLast = true
	}
	return nil
}

// GetMultiR batch-looks-up rids in (home slot, rid) order for cache
// locality, returning results in the same order as the input. The caller
// must already hold SH or EX.
func (rh *ResourceHash) GetMultiR(rids []uint64) ([]Resource, error) {
	type indexed struct {
		rid uint64
		pos int
	}
	order := make([]indexed, len(rids))
	for i, rid := range rids {
		order[i] = indexed{rid: rid, pos: i}
	}
	sort.Slice(order, func(i, j int) bool {
		hi, hj := rh.home(order[i].rid), rh.home(order[j].rid)
		if hi != hj {
			return hi < hj
		}
		return order[i].rid < order[j].rid
	})

	out := make([]Resource, len(rids))
	for _, o := range order {
		r, err := rh.GetR(o.rid)
		if err != nil {
			return nil, err
		}
		out[o.pos] = r
	}
	return out, nil
}

// encodeEntry chooses a disposition for (rid, attr, lex) and writes it into
// the mmap'd entry at idx, following the put disposition algorithm: inline
// UTF-8, inline BCD numeric, inline BCDate, inline or external
// prefix-coded, or external (raw or zlib-compressed).
func (rh *ResourceHash) encodeEntry(idx uint32, rid, attr uint64, lex string) error {
	buf := rh.entryBytes(idx)
	for i := range buf {
		buf[i] = 0
	}
	binary.NativeEndian.PutUint64(buf[entryRidOff:entryRidOff+8], rid)

	switch {
	case len(lex) <= 15:
		buf[entryDispOff] = dispInlineUTF8
		binary.NativeEndian.PutUint64(buf[entryAvalOff:entryAvalOff+8], attr)
		copy(buf[entryValOff:entryValOff+15], lex)
		return nil

	case isNumericLex(lex):
		buf[entryDispOff] = dispInlineNumeric
		binary.NativeEndian.PutUint64(buf[entryAvalOff:entryAvalOff+8], attr)
		packed := packBCD(lex, bcdAlphabet)
		copy(buf[entryValOff:entryValOff+15], packed[:])
		return nil

	case isDateLex(lex):
		buf[entryDispOff] = dispInlineDate
		binary.NativeEndian.PutUint64(buf[entryAvalOff:entryAvalOff+8], attr)
		packed := packBCD(lex, bcdateAlphabet)
		copy(buf[entryValOff:entryValOff+15], packed[:])
		return nil
	}

	if IsURI(rid) {
		if code, suffix, ok := rh.matchPrefix(lex); ok {
			if len(suffix) <= 22 {
				buf[entryDispOff] = dispInlinePrefix
				buf[entryAvalOff] = code
				head := suffix
				if len(head) > 7 {
					head = suffix[:7]
				}
				copy(buf[entryAvalOff+1:entryAvalOff+8], head)
				if len(suffix) > 7 {
					copy(buf[entryValOff:entryValOff+15], suffix[7:])
				}
				return nil
			}

			off, err := rh.lex.appendPrefixSuffix(suffix)
			if err != nil {
				return err
			}
			buf[entryDispOff] = dispExternalPrefix
			buf[entryAvalOff] = code
			binary.NativeEndian.PutUint64(buf[entryValOff:entryValOff+8], uint64(off))
			return nil
		}
	}

	binary.NativeEndian.PutUint64(buf[entryAvalOff:entryAvalOff+8], attr)

	if IsURI(rid) {
		rh.trie.Insert(lex)
		if rh.trie.Full() {
			if err := rh.promoteTriePrefixesR(); err != nil {
				return err
			}
		}
	}

	if len(lex) > 100 {
		comp, ok, err := tryCompress(lex)
		if err != nil {
			return err
		}
		if ok {
			off, err := rh.lex.appendCompressed(comp, len(lex))
			if err != nil {
				return err
			}
			buf[entryDispOff] = dispExternalZlib
			binary.NativeEndian.PutUint64(buf[entryValOff:entryValOff+8], uint64(off))
			return nil
		}
	}

	off, err := rh.lex.appendRaw(lex)
	if err != nil {
		return err
	}
	buf[entryDispOff] = dispExternalUTF8
	binary.NativeEndian.PutUint64(buf[entryValOff:entryValOff+8], uint64(off))
	return nil
}

// decodeEntry is the inverse of encodeEntry.
func (rh *ResourceHash) decodeEntry(buf []byte) (uint64, string, error) {
	switch buf[entryDispOff] {
	case dispInlineUTF8:
		attr := binary.NativeEndian.Uint64(buf[entryAvalOff : entryAvalOff+8])
		return attr, trimTrailingZero(buf[entryValOff : entryValOff+15]), nil

	case dispInlineNumeric:
		attr := binary.NativeEndian.Uint64(buf[entryAvalOff : entryAvalOff+8])
		return attr, unpackBCD(buf[entryValOff:entryValOff+15], bcdAlphabet), nil

	case dispInlineDate:
		attr := binary.NativeEndian.Uint64(buf[entryAvalOff : entryAvalOff+8])
		return attr, unpackBCD(buf[entryValOff:entryValOff+15], bcdateAlphabet), nil

	case dispInlinePrefix:
		code := buf[entryAvalOff]
		head := trimTrailingZero(buf[entryAvalOff+1 : entryAvalOff+8])
		tail := trimTrailingZero(buf[entryValOff : entryValOff+15])
		return 0, rh.prefixAt(code) + head + tail, nil

	case dispExternalUTF8:
		attr := binary.NativeEndian.Uint64(buf[entryAvalOff : entryAvalOff+8])
		off := int64(binary.NativeEndian.Uint64(buf[entryValOff : entryValOff+8]))
		s, err := rh.lex.readRaw(off)
		return attr, s, err

	case dispExternalPrefix:
		code := buf[entryAvalOff]
		off := int64(binary.NativeEndian.Uint64(buf[entryValOff : entryValOff+8]))
		suffix, err := rh.lex.readRaw(off)
		if err != nil {
			return 0, "", err
		}
		return 0, rh.prefixAt(code) + suffix, nil

	case dispExternalZlib:
		attr := binary.NativeEndian.Uint64(buf[entryAvalOff : entryAvalOff+8])
		off := int64(binary.NativeEndian.Uint64(buf[entryValOff : entryValOff+8]))
		s, err := rh.lex.readCompressed(off)
		return attr, s, err

	default:
		return 0, "", formatErr("bad-disposition", rh.lf.path, nil)
	}
}

func (rh *ResourceHash) prefixAt(code uint8) string {
	if int(code) < len(rh.prefixByCode) {
		return rh.prefixByCode[code]
	}
	return ""
}

func trimTrailingZero(b []byte) string {
	n := len(b)
	for n > 0 && b[n-1] == 0 {
		n--
	}
	return string(b[:n])
}

// promoteTriePrefixesR extracts the discovery trie's top-scored prefixes
// and installs as many as fit (longest first, skipping ones already in the
// dictionary) into the prefix dictionary, then resets the trie
// unconditionally regardless of how many fit. Never returns an error for
// "trie full": that condition is expected and handled, not a failure; it
// can return an error only if the underlying prefix List write fails.
func (rh *ResourceHash) promoteTriePrefixesR() error {
	top := rh.trie.TopPrefixes(32)
	sort.Slice(top, func(i, j int) bool { return len(top[i].Prefix) > len(top[j].Prefix) })

	for _, cand := range top {
		if len(rh.prefixByCode) >= maxPrefixCodes {
			rh.log.Warn("prefix dictionary full", zap.String("path", rh.lf.path))
			break
		}
		if len(cand.Prefix) > prefixMaxLen {
			continue
		}
		if _, exists := rh.prefixCode[cand.Prefix]; exists {
			continue
		}
		if err := rh.installPrefixR(cand.Prefix); err != nil {
			if IsSaturation(err) {
				break
			}
			return err
		}
	}
	rh.trie.Reset()
	return nil
}

// doubleR doubles the bucket count in place. The file is pre-grown (and
// remapped) before any entry moves; each occupied entry in the lower half
// whose new home falls in the upper half is copied to the mirrored index
// i+oldTotal and the source slot zeroed, exactly as ModelHash.doubleR does
// for its own flat table.
func (rh *ResourceHash) doubleR() error {
	oldSize := rh.size
	oldTotal := rh.totalEntries()
	rh.size = oldSize * 2

	if err := rh.remap(); err != nil {
		rh.size = oldSize
		return err
	}

	for i := uint32(0); i < oldTotal; i++ {
		buf := rh.entryBytes(i)
		if buf[entryDispOff] == 0 {
			continue
		}
		rid := binary.NativeEndian.Uint64(buf[entryRidOff : entryRidOff+8])
		if rh.home(rid) >= oldTotal {
			dst := rh.entryBytes(i + oldTotal)
			copy(dst, buf)
			for j := range buf {
				buf[j] = 0
			}
		}
	}

	rh.log.Debug("resource hash doubled", zap.Uint32("old_size", oldSize), zap.Uint32("new_size", rh.size))
	return nil
}
