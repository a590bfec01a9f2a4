package packet

import "strings"

// Mode is the payload encryption mode negotiated with the voice server. The
// zero value means no mode has been negotiated yet; a Codec without a
// negotiated mode refuses to seal or open.
type Mode uint8

const (
	// ModeNone is the unset Mode.
	ModeNone Mode = iota
	// ModeNormal uses the packet header padded with zeroes as the nonce and
	// appends nothing after the sealed box.
	ModeNormal
	// ModeSuffix generates a random nonce per packet and appends all 24 bytes
	// of it after the sealed box.
	ModeSuffix
	// ModeLite uses an incrementing 32-bit counter as the nonce and appends
	// its 4 bytes after the sealed box.
	ModeLite
)

// Wire names of the modes, as advertised by the server.
const (
	modeNormalName = "xsalsa20_poly1305"
	modeSuffixName = "xsalsa20_poly1305_suffix"
	modeLiteName   = "xsalsa20_poly1305_lite"
)

// preferredModes is ordered from most to least preferred. Lite carries the
// least overhead, so it goes first.
var preferredModes = [...]Mode{ModeLite, ModeSuffix, ModeNormal}

// String returns the mode's wire name, or an empty string for ModeNone.
func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return modeNormalName
	case ModeSuffix:
		return modeSuffixName
	case ModeLite:
		return modeLiteName
	default:
		return ""
	}
}

// TrailerSize returns the number of bytes the mode appends after the sealed
// box.
func (m Mode) TrailerSize() int {
	switch m {
	case ModeSuffix:
		return 24
	case ModeLite:
		return 4
	default:
		return 0
	}
}

// SelectMode picks the most preferred mode out of the server's advertised
// list. An UnsupportedModeError is returned if nothing in the advertisement
// is known, in which case the connection cannot proceed.
func SelectMode(advertised []string) (Mode, error) {
	for _, mode := range preferredModes {
		for _, name := range advertised {
			if mode.String() == name {
				return mode, nil
			}
		}
	}

	return ModeNone, &UnsupportedModeError{Advertised: advertised}
}

// UnsupportedModeError is returned when the server advertises no encryption
// mode that this package implements, or when a Codec is used before a mode
// was negotiated at all. It is never worth retrying.
type UnsupportedModeError struct {
	// Advertised is the server's advertised mode list. It is nil if the error
	// came from using a Codec with no negotiated mode.
	Advertised []string
}

func (err *UnsupportedModeError) Error() string {
	if len(err.Advertised) == 0 {
		return "no encryption mode negotiated"
	}
	return "unsupported encryption modes: " + strings.Join(err.Advertised, ", ")
}
