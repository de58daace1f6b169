package native

const (
	// TexturePitchAlignment is the required row pitch alignment of buffer
	// data copied into a texture.
	TexturePitchAlignment = 256

	// TexturePlacementAlignment is the required offset alignment of buffer
	// data copied into a texture.
	TexturePlacementAlignment = 512
)

// Footprint describes the buffer layout of one texture subresource.
type Footprint struct {
	Width  uint32
	Height uint32
	Depth  uint32

	// RowSize is the number of meaningful bytes per row.
	RowSize uint64
	// RowPitch is RowSize rounded up to TexturePitchAlignment.
	RowPitch uint64
	// Rows is the number of rows per slice.
	Rows uint32

	// TotalSize is the number of buffer bytes the copy reads.
	TotalSize uint64
	// Alignment is the required placement alignment of the data.
	Alignment uint64
}

// TextureFootprint computes the copy footprint of an uncompressed
// width x height x depth subresource with the given texel size.
func TextureFootprint(width, height, depth, bytesPerTexel uint32) Footprint {
	if depth == 0 {
		depth = 1
	}
	rowSize := uint64(width) * uint64(bytesPerTexel)
	pitch := (rowSize + TexturePitchAlignment - 1) &^ (TexturePitchAlignment - 1)
	rows := uint64(height) * uint64(depth)
	total := uint64(0)
	if rows > 0 {
		// Last row is not padded.
		total = pitch*(rows-1) + rowSize
	}
	return Footprint{
		Width:     width,
		Height:    height,
		Depth:     depth,
		RowSize:   rowSize,
		RowPitch:  pitch,
		Rows:      height,
		TotalSize: total,
		Alignment: TexturePlacementAlignment,
	}
}
