package allowlist

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/go-rnvme/mmio"
)

const winSize = 0x100

// rawEntry reads the entry registers directly, version-aware, for
// verifying what the hardware would see.
func rawEntry(win mmio.Window, ver Version, i int) (flags uint8, addr uint64, size int) {
	off := uint64(4 * i)
	switch ver {
	case V2:
		cfg := win.Read32(regConfig + off)
		flags = uint8(cfg >> cfgFlagsShift)
		size = int(cfg&cfgSizeMask) << AlignShift
	default:
		flags = uint8(win.Read32(regConfig + off))
		size = int(win.Read32(regSize+off)) << AlignShift
	}
	addr = uint64(win.Read32(regPaddr+off)) << AlignShift
	return
}

func TestAdmitEvictRoundTrip(t *testing.T) {
	for _, ver := range []Version{V2, V3} {
		name := "v2"
		if ver == V3 {
			name = "v3"
		}
		t.Run(name, func(t *testing.T) {
			win := mmio.NewMemWindow(winSize)
			tbl, err := New(win, ver, nil)
			require.NoError(t, err)

			tok, err := tbl.Admit(0x8_0004_0000, 0x3000)
			require.NoError(t, err)
			require.True(t, tok.Valid())
			assert.Equal(t, 1, tbl.Used())

			// The hardware view must carry the exact region regardless
			// of register layout.
			flags, addr, size := rawEntry(win, ver, 0)
			assert.Equal(t, FlagAllow, flags)
			assert.Equal(t, uint64(0x8_0004_0000), addr)
			assert.Equal(t, 0x3000, size)

			require.NoError(t, tbl.Evict(tok))
			assert.Equal(t, 0, tbl.Used())
			flags, _, _ = rawEntry(win, ver, 0)
			assert.Zero(t, flags, "evicted entry still live")

			// A token does not survive its eviction.
			err = tbl.Evict(tok)
			assert.True(t, errors.Is(err, ErrStaleToken), "got %v", err)
		})
	}
}

func TestAdmitRejectsMisaligned(t *testing.T) {
	tbl, err := New(mmio.NewMemWindow(winSize), V2, nil)
	require.NoError(t, err)

	cases := []struct {
		name string
		addr uint64
		size int
	}{
		{"unaligned address", 0x1800, 0x1000},
		{"unaligned size", 0x1000, 0x1800},
		{"zero size", 0x1000, 0},
		{"negative size", 0x1000, -4096},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tbl.Admit(tc.addr, tc.size)
			assert.True(t, errors.Is(err, ErrMisaligned), "got %v", err)
		})
	}
	assert.Equal(t, 0, tbl.Used())
}

func TestAdmitFullTableStaysCoherent(t *testing.T) {
	win := mmio.NewMemWindow(winSize)
	tbl, err := New(win, V2, nil)
	require.NoError(t, err)

	toks := make([]Token, 0, MaxEntries)
	for i := 0; i < MaxEntries; i++ {
		tok, err := tbl.Admit(uint64(0x10_0000+i*0x1000), 0x1000)
		require.NoError(t, err, "admit %d", i)
		toks = append(toks, tok)
	}
	require.Equal(t, MaxEntries, tbl.Used())

	// Capacity exhaustion is a clean busy signal; no entry may change.
	_, err = tbl.Admit(0x20_0000, 0x1000)
	require.True(t, errors.Is(err, ErrFull), "got %v", err)
	for i := 0; i < MaxEntries; i++ {
		flags, addr, _ := rawEntry(win, V2, i)
		assert.Equal(t, FlagAllow, flags, "entry %d", i)
		assert.Equal(t, uint64(0x10_0000+i*0x1000), addr, "entry %d", i)
	}

	// One eviction frees exactly one slot, and it is reused.
	require.NoError(t, tbl.Evict(toks[7]))
	tok, err := tbl.Admit(0x20_0000, 0x1000)
	require.NoError(t, err)
	_, addr, _ := rawEntry(win, V2, 7)
	assert.Equal(t, uint64(0x20_0000), addr)

	// The old token for the reused slot is stale.
	err = tbl.Evict(toks[7])
	assert.True(t, errors.Is(err, ErrStaleToken), "got %v", err)
	require.NoError(t, tbl.Evict(tok))
}

func TestProtectedEntriesSurvive(t *testing.T) {
	win := mmio.NewMemWindow(winSize)

	// Entries 0 and 3 were programmed before the driver attached.
	preProgram := func(i int, addr uint64, pages uint32) {
		off := uint64(4 * i)
		win.Write32(regPaddr+off, uint32(addr>>AlignShift))
		win.Write32(regConfig+off, uint32(FlagAllow)<<cfgFlagsShift|pages)
	}
	preProgram(0, 0x4000_0000, 4)
	preProgram(3, 0x4010_0000, 1)

	tbl, err := New(win, V2, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, tbl.ProtectedCount())
	assert.Equal(t, 0, tbl.Used())

	// New admissions skip the protected slots.
	tok, err := tbl.Admit(0x8000_0000, 0x1000)
	require.NoError(t, err)
	_, addr, _ := rawEntry(win, V2, 1)
	assert.Equal(t, uint64(0x8000_0000), addr, "admission landed on a protected slot")

	// Close clears driver entries but leaves the firmware carveouts.
	tbl.Close()
	flags, addr, _ := rawEntry(win, V2, 0)
	assert.Equal(t, FlagAllow, flags)
	assert.Equal(t, uint64(0x4000_0000), addr)
	flags, _, _ = rawEntry(win, V2, 1)
	assert.Zero(t, flags, "driver entry survived Close")

	// Tokens die with Close.
	err = tbl.Evict(tok)
	assert.True(t, errors.Is(err, ErrStaleToken), "got %v", err)
}

func TestVersionLayoutsAreEquivalent(t *testing.T) {
	// The same admissions through both layouts must produce the same
	// logical table, even though the registers differ.
	winV2 := mmio.NewMemWindow(winSize)
	winV3 := mmio.NewMemWindow(winSize)
	t2, err := New(winV2, V2, nil)
	require.NoError(t, err)
	t3, err := New(winV3, V3, nil)
	require.NoError(t, err)

	regions := []struct {
		addr uint64
		size int
	}{
		{0x10_0000, 0x1000},
		{0x20_0000, 0x8000},
		{0x8_0000_0000, 0x1000}, // needs the full shifted address width
	}
	for _, r := range regions {
		_, err := t2.Admit(r.addr, r.size)
		require.NoError(t, err)
		_, err = t3.Admit(r.addr, r.size)
		require.NoError(t, err)
	}

	for i := range regions {
		f2, a2, s2 := rawEntry(winV2, V2, i)
		f3, a3, s3 := rawEntry(winV3, V3, i)
		assert.Equal(t, f2, f3, "entry %d flags", i)
		assert.Equal(t, a2, a3, "entry %d addr", i)
		assert.Equal(t, s2, s3, "entry %d size", i)
	}

	// V3 keeps config flags in the low byte, not packed with size.
	assert.Equal(t, uint32(FlagAllow), winV3.Read32(regConfig))
	assert.NotZero(t, winV3.Read32(regSize))
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, V2, nil)
	assert.Error(t, err)
	_, err = New(mmio.NewMemWindow(winSize), Version(7), nil)
	assert.Error(t, err)
}
