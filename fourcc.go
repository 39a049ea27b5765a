package videostream

import "fmt"

// FourCC is a four character pixel format tag packed little-endian, matching
// the V4L2 and DRM conventions: 'N','V','1','2' packs to 0x3231564e.
type FourCC uint32

// MakeFourCC packs four characters into a FourCC tag.
func MakeFourCC(a, b, c, d byte) FourCC {
	return FourCC(uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24)
}

// ParseFourCC converts a four character string such as "NV12" into a FourCC.
// Returns zero for anything that is not exactly four characters.
func ParseFourCC(s string) FourCC {
	if len(s) != 4 {
		return 0
	}
	return MakeFourCC(s[0], s[1], s[2], s[3])
}

func (f FourCC) String() string {
	if f == 0 {
		return "0000"
	}
	return fmt.Sprintf("%c%c%c%c", byte(f), byte(f>>8), byte(f>>16), byte(f>>24))
}

// Recognised pixel formats.
var (
	FourCCRGBA = MakeFourCC('R', 'G', 'B', 'A')
	FourCCRGBX = MakeFourCC('R', 'G', 'B', 'X')
	FourCCRGB3 = MakeFourCC('R', 'G', 'B', '3')
	FourCCBGRA = MakeFourCC('B', 'G', 'R', 'A')
	FourCCBGRX = MakeFourCC('B', 'G', 'R', 'X')
	FourCCBGR3 = MakeFourCC('B', 'G', 'R', '3')
	FourCCYUYV = MakeFourCC('Y', 'U', 'Y', 'V')
	FourCCYUY2 = MakeFourCC('Y', 'U', 'Y', '2')
	FourCCYVYU = MakeFourCC('Y', 'V', 'Y', 'U')
	FourCCUYVY = MakeFourCC('U', 'Y', 'V', 'Y')
	FourCCVYUY = MakeFourCC('V', 'Y', 'U', 'Y')
	FourCCNV12 = MakeFourCC('N', 'V', '1', '2')
	FourCCNV21 = MakeFourCC('N', 'V', '2', '1')
	FourCCNV16 = MakeFourCC('N', 'V', '1', '6')
	FourCCNV61 = MakeFourCC('N', 'V', '6', '1')
	FourCCI420 = MakeFourCC('I', '4', '2', '0')
	FourCCYV12 = MakeFourCC('Y', 'V', '1', '2')
)

// Stride returns the packed row size in bytes for the format at the given
// width, or zero when the format is unknown. Planar YUV 4:2:0 and 4:2:2
// formats report the combined luma+chroma bytes attributed to one row.
func (f FourCC) Stride(width int) int {
	switch f {
	case FourCCRGBA, FourCCRGBX, FourCCBGRA, FourCCBGRX:
		return width * 4
	case FourCCRGB3, FourCCBGR3:
		return width * 3
	case FourCCYUYV, FourCCYUY2, FourCCYVYU, FourCCUYVY, FourCCVYUY:
		return width * 2
	case FourCCNV12, FourCCNV21, FourCCNV16, FourCCNV61, FourCCI420, FourCCYV12:
		return width + width>>1
	}
	return 0
}
