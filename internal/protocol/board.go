package protocol

import "encoding/binary"

// BoardSnapshot is a full copy of the grid, row-major.
type BoardSnapshot struct {
	Seq    uint16 `json:"seq" msgpack:"seq"`
	Height uint8  `json:"height" msgpack:"height"`
	Width  uint8  `json:"width" msgpack:"width"`
	Tiles  []Tile `json:"tiles" msgpack:"tiles"`
}

// At returns the tile at column x, row y.
func (b BoardSnapshot) At(x, y int) Tile {
	return b.Tiles[y*int(b.Width)+x]
}

// Clone returns a deep copy of b.
func (b BoardSnapshot) Clone() BoardSnapshot {
	out := b
	out.Tiles = make([]Tile, len(b.Tiles))
	copy(out.Tiles, b.Tiles)
	return out
}

// TileChange is one entry of a delta.
type TileChange struct {
	X    uint8 `json:"x" msgpack:"x"`
	Y    uint8 `json:"y" msgpack:"y"`
	Tile Tile  `json:"tile" msgpack:"tile"`
}

// BoardDelta lists the tiles that changed since the previous delta.
type BoardDelta struct {
	Seq     uint16       `json:"seq" msgpack:"seq"`
	Changes []TileChange `json:"changes" msgpack:"changes"`
}

// Empty reports whether the delta carries no change.
func (d BoardDelta) Empty() bool {
	return len(d.Changes) == 0
}

// EncodeBoardSnapshot packs a snapshot frame. Every tile must be in the
// tile enum and the grid must match the declared dimensions.
func EncodeBoardSnapshot(b BoardSnapshot) ([]byte, error) {
	if b.Height == 0 || b.Width == 0 {
		return nil, invalidf("board dimensions %dx%d", b.Height, b.Width)
	}
	if want := int(b.Height) * int(b.Width); len(b.Tiles) != want {
		return nil, invalidf("board has %d tiles, want %d", len(b.Tiles), want)
	}
	for i, t := range b.Tiles {
		if !t.Valid() {
			return nil, invalidf("tile %d at index %d", t, i)
		}
	}

	bld := NewPacketBuilder(SnapshotPrefixSize + len(b.Tiles))
	bld.WriteHeader(Header{Code: CodeBoardSnapshot})
	bld.WriteUint16(b.Seq)
	bld.WriteByte(b.Height)
	bld.WriteByte(b.Width)
	for _, t := range b.Tiles {
		bld.WriteByte(byte(t))
	}
	return bld.Build(), nil
}

// DecodeBoardSnapshot unpacks a snapshot frame.
func DecodeBoardSnapshot(data []byte) (BoardSnapshot, error) {
	if len(data) < SnapshotPrefixSize {
		return BoardSnapshot{}, malformedf("snapshot length %d below prefix %d", len(data), SnapshotPrefixSize)
	}
	h, err := parseHeader(data)
	if err != nil {
		return BoardSnapshot{}, err
	}
	if h.Code != CodeBoardSnapshot {
		return BoardSnapshot{}, malformedf("unexpected code %s for snapshot", h.Code)
	}

	b := BoardSnapshot{
		Seq:    binary.BigEndian.Uint16(data[2:4]),
		Height: data[4],
		Width:  data[5],
	}
	body := data[SnapshotPrefixSize:]
	if want := int(b.Height) * int(b.Width); len(body) != want || want == 0 {
		return BoardSnapshot{}, malformedf("snapshot body %d bytes for %dx%d grid", len(body), b.Height, b.Width)
	}
	b.Tiles = make([]Tile, len(body))
	for i, v := range body {
		t := Tile(v)
		if !t.Valid() {
			return BoardSnapshot{}, malformedf("tile %d at index %d", v, i)
		}
		b.Tiles[i] = t
	}
	return b, nil
}

// EncodeBoardDelta packs a delta frame.
func EncodeBoardDelta(d BoardDelta) ([]byte, error) {
	if len(d.Changes) > MaxDeltaChanges {
		return nil, invalidf("delta has %d changes, max %d", len(d.Changes), MaxDeltaChanges)
	}
	for i, c := range d.Changes {
		if !c.Tile.Valid() {
			return nil, invalidf("tile %d in change %d", c.Tile, i)
		}
	}

	bld := NewPacketBuilder(DeltaPrefixSize + DeltaEntrySize*len(d.Changes))
	bld.WriteHeader(Header{Code: CodeBoardDelta})
	bld.WriteUint16(d.Seq)
	bld.WriteByte(byte(len(d.Changes)))
	for _, c := range d.Changes {
		bld.WriteByte(c.X)
		bld.WriteByte(c.Y)
		bld.WriteByte(byte(c.Tile))
	}
	return bld.Build(), nil
}

// DecodeBoardDelta unpacks a delta frame.
func DecodeBoardDelta(data []byte) (BoardDelta, error) {
	if len(data) < DeltaPrefixSize {
		return BoardDelta{}, malformedf("delta length %d below prefix %d", len(data), DeltaPrefixSize)
	}
	h, err := parseHeader(data)
	if err != nil {
		return BoardDelta{}, err
	}
	if h.Code != CodeBoardDelta {
		return BoardDelta{}, malformedf("unexpected code %s for delta", h.Code)
	}

	count := int(data[4])
	body := data[DeltaPrefixSize:]
	if len(body) != count*DeltaEntrySize {
		return BoardDelta{}, malformedf("delta body %d bytes for %d changes", len(body), count)
	}

	d := BoardDelta{
		Seq:     binary.BigEndian.Uint16(data[2:4]),
		Changes: make([]TileChange, count),
	}
	for i := 0; i < count; i++ {
		entry := body[i*DeltaEntrySize:]
		t := Tile(entry[2])
		if !t.Valid() {
			return BoardDelta{}, malformedf("tile %d in change %d", entry[2], i)
		}
		d.Changes[i] = TileChange{X: entry[0], Y: entry[1], Tile: t}
	}
	return d, nil
}
