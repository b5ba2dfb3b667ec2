package msg

import "encoding/binary"

// EncodeArg serializes a into a PageSize-sized buffer the way the guest and
// the mediator exchange argument pages. Params that do not fit in the page
// after the ArgHeaderSize-byte header are silently truncated; callers are expected to have already validated
// ArgSize(a.NumParams) <= PageSize (spec.md §4.4).
func EncodeArg(a *Arg) []byte {
	buf := make([]byte, PageSize)
	binary.LittleEndian.PutUint32(buf[0:4], a.Cmd)
	binary.LittleEndian.PutUint32(buf[4:8], a.Func)
	binary.LittleEndian.PutUint32(buf[8:12], a.Session)
	binary.LittleEndian.PutUint32(buf[12:16], a.Cancel)
	binary.LittleEndian.PutUint32(buf[16:20], a.Ret)
	binary.LittleEndian.PutUint32(buf[20:24], a.RetOrigin)
	binary.LittleEndian.PutUint32(buf[24:28], a.NumParams)

	off := ArgHeaderSize
	for i := 0; i < len(a.Params) && off+ParamSize <= len(buf); i++ {
		p := a.Params[i]
		binary.LittleEndian.PutUint64(buf[off:off+8], p.Attr)
		switch p.Attr & AttrTypeMask {
		case AttrTypeTMemInput, AttrTypeTMemOutput, AttrTypeTMemInout:
			binary.LittleEndian.PutUint64(buf[off+8:off+16], p.TMem.BufPtr)
			binary.LittleEndian.PutUint64(buf[off+16:off+24], p.TMem.Size)
			binary.LittleEndian.PutUint64(buf[off+24:off+32], p.TMem.ShmRef)
		case AttrTypeRMemInput, AttrTypeRMemOutput, AttrTypeRMemInout:
			binary.LittleEndian.PutUint64(buf[off+8:off+16], p.RMem.Offset)
			binary.LittleEndian.PutUint64(buf[off+16:off+24], p.RMem.Size)
			binary.LittleEndian.PutUint64(buf[off+24:off+32], p.RMem.ShmRef)
		case AttrTypeValueInput, AttrTypeValueOutput, AttrTypeValueInout:
			binary.LittleEndian.PutUint64(buf[off+8:off+16], p.Value.A)
			binary.LittleEndian.PutUint64(buf[off+16:off+24], p.Value.B)
			binary.LittleEndian.PutUint64(buf[off+24:off+32], p.Value.C)
		}
		off += ParamSize
	}
	return buf
}

// DecodeArg parses an Arg out of a PageSize-sized buffer previously produced
// by EncodeArg (or a real guest write following the same layout).
func DecodeArg(buf []byte) *Arg {
	a := &Arg{
		Cmd:       binary.LittleEndian.Uint32(buf[0:4]),
		Func:      binary.LittleEndian.Uint32(buf[4:8]),
		Session:   binary.LittleEndian.Uint32(buf[8:12]),
		Cancel:    binary.LittleEndian.Uint32(buf[12:16]),
		Ret:       binary.LittleEndian.Uint32(buf[16:20]),
		RetOrigin: binary.LittleEndian.Uint32(buf[20:24]),
		NumParams: binary.LittleEndian.Uint32(buf[24:28]),
	}

	off := ArgHeaderSize
	for i := uint32(0); i < a.NumParams && off+ParamSize <= len(buf); i++ {
		attr := binary.LittleEndian.Uint64(buf[off : off+8])
		p := Param{Attr: attr}
		switch attr & AttrTypeMask {
		case AttrTypeTMemInput, AttrTypeTMemOutput, AttrTypeTMemInout:
			p.TMem.BufPtr = binary.LittleEndian.Uint64(buf[off+8 : off+16])
			p.TMem.Size = binary.LittleEndian.Uint64(buf[off+16 : off+24])
			p.TMem.ShmRef = binary.LittleEndian.Uint64(buf[off+24 : off+32])
		case AttrTypeRMemInput, AttrTypeRMemOutput, AttrTypeRMemInout:
			p.RMem.Offset = binary.LittleEndian.Uint64(buf[off+8 : off+16])
			p.RMem.Size = binary.LittleEndian.Uint64(buf[off+16 : off+24])
			p.RMem.ShmRef = binary.LittleEndian.Uint64(buf[off+24 : off+32])
		case AttrTypeValueInput, AttrTypeValueOutput, AttrTypeValueInout:
			p.Value.A = binary.LittleEndian.Uint64(buf[off+8 : off+16])
			p.Value.B = binary.LittleEndian.Uint64(buf[off+16 : off+24])
			p.Value.C = binary.LittleEndian.Uint64(buf[off+24 : off+32])
		}
		a.Params = append(a.Params, p)
		off += ParamSize
	}
	return a
}

// EncodePageData serializes a non-contiguous page-list record.
func EncodePageData(pd *PageData) []byte {
	buf := make([]byte, PageSize)
	off := 0
	for _, p := range pd.Pages {
		binary.LittleEndian.PutUint64(buf[off:off+8], p)
		off += 8
	}
	binary.LittleEndian.PutUint64(buf[off:off+8], pd.NextPageData)
	return buf
}

// DecodePageData parses a non-contiguous page-list record out of a guest
// page previously written by the guest (or EncodePageData in tests).
func DecodePageData(buf []byte) *PageData {
	pd := &PageData{}
	off := 0
	for i := range pd.Pages {
		pd.Pages[i] = binary.LittleEndian.Uint64(buf[off : off+8])
		off += 8
	}
	pd.NextPageData = binary.LittleEndian.Uint64(buf[off : off+8])
	return pd
}
