package image_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wnxd/microloader/image"
)

func testImage() *image.Image {
	text := make([]byte, 0x40)
	for i := range text {
		text[i] = byte(i)
	}
	return &image.Image{
		Name:         "sys.core",
		Flags:        image.FLAG_EXECUTABLE | image.FLAG_RELOCATABLE,
		EntrySection: 0,
		EntryOffset:  0x10,
		Sections: []image.Section{
			{Data: text, MemSize: 0x100, Align: 16, Prot: image.PROT_READ | image.PROT_EXEC},
			{Data: []byte{1, 2, 3, 4}, MemSize: 0x40, Align: 4, Prot: image.PROT_READ | image.PROT_WRITE},
		},
		Relocations: []image.Relocation{
			{Section: 0, Kind: image.RELOC_ABSOLUTE, Offset: 0x10, Symbol: 0},
			{Section: 0, Kind: image.RELOC_RELATIVE, Offset: 0x20, Symbol: 1},
			{Section: 1, Kind: image.RELOC_SELF, Offset: 0x0, Symbol: 0},
		},
		Symbols: []image.Symbol{
			{Name: "buffer", Section: 1, Value: 0x8},
			{Name: "printf", Section: image.ImportSection},
		},
	}
}

func TestRoundTrip(t *testing.T) {
	img := testImage()
	data, err := img.Encode()
	require.NoError(t, err)
	got, err := image.Parse(data)
	require.NoError(t, err)
	require.Equal(t, img.Name, got.Name)
	require.Equal(t, img.Flags, got.Flags)
	require.Equal(t, img.EntrySection, got.EntrySection)
	require.Equal(t, img.EntryOffset, got.EntryOffset)
	require.Equal(t, img.Relocations, got.Relocations)
	require.Equal(t, img.Symbols, got.Symbols)
	require.Len(t, got.Sections, len(img.Sections))
	for i := range img.Sections {
		require.Equal(t, img.Sections[i].Data, got.Sections[i].Data, "section %d", i)
		require.Equal(t, img.Sections[i].MemSize, got.Sections[i].MemSize)
		require.Equal(t, img.Sections[i].Align, got.Sections[i].Align)
		require.Equal(t, img.Sections[i].Prot, got.Sections[i].Prot)
	}
	require.True(t, got.Executable())
	require.True(t, got.Relocatable())

	var buf bytes.Buffer
	n, err := img.WriteTo(&buf)
	require.NoError(t, err)
	require.EqualValues(t, len(data), n)
	require.Equal(t, data, buf.Bytes())
}

func TestLookup(t *testing.T) {
	img := testImage()
	sym, ok := img.Lookup("buffer")
	require.True(t, ok)
	require.EqualValues(t, 1, sym.Section)
	require.EqualValues(t, 0x8, sym.Value)
	_, ok = img.Lookup("printf")
	require.False(t, ok, "imports are not defined symbols")
	_, ok = img.Lookup("missing")
	require.False(t, ok)
}

func TestParseRejects(t *testing.T) {
	encode := func(mutate func(*image.Image)) []byte {
		img := testImage()
		mutate(img)
		data, err := img.Encode()
		require.NoError(t, err)
		return data
	}
	for _, tc := range []struct {
		name   string
		data   []byte
		reason string
	}{
		{
			name:   "bad magic",
			data:   append([]byte("ELF\x01"), encode(func(*image.Image) {})[4:]...),
			reason: "bad magic",
		},
		{
			name: "entry out of bounds",
			data: encode(func(img *image.Image) {
				img.EntryOffset = 0x100
			}),
			reason: "entry offset out of bounds",
		},
		{
			name: "entry section not executable",
			data: encode(func(img *image.Image) {
				img.Sections[0].Prot = image.PROT_READ | image.PROT_WRITE
			}),
			reason: "entry section not executable",
		},
		{
			name: "duplicate relocation target",
			data: encode(func(img *image.Image) {
				img.Relocations = append(img.Relocations, img.Relocations[0])
			}),
			reason: "duplicate relocation target",
		},
		{
			name: "relocation target out of bounds",
			data: encode(func(img *image.Image) {
				img.Relocations[0].Offset = 0x100
			}),
			reason: "relocation target out of bounds",
		},
		{
			name: "misaligned relocation",
			data: encode(func(img *image.Image) {
				img.Relocations[0].Offset = 0x11
			}),
			reason: "misaligned relocation target",
		},
		{
			name: "relocation section out of range",
			data: encode(func(img *image.Image) {
				img.Relocations[0].Section = 7
			}),
			reason: "relocation section out of range",
		},
		{
			name: "relocation symbol out of range",
			data: encode(func(img *image.Image) {
				img.Relocations[0].Symbol = 9
			}),
			reason: "relocation symbol out of range",
		},
		{
			name: "symbol value out of bounds",
			data: encode(func(img *image.Image) {
				img.Symbols[0].Value = 0x41
			}),
			reason: "symbol value out of bounds",
		},
		{
			// The name offset lives in the header, outside the
			// checksummed payload, so it can be patched directly.
			name: "module name out of bounds",
			data: func() []byte {
				data := encode(func(*image.Image) {})
				data[28] = 0xFF
				return data
			}(),
			reason: "module name out of bounds",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := image.Parse(tc.data)
			require.ErrorIs(t, err, image.ErrMalformed)
			var ferr *image.FormatError
			require.ErrorAs(t, err, &ferr)
			require.Equal(t, tc.reason, ferr.Reason)
		})
	}
}

func TestUnnamedImage(t *testing.T) {
	img := testImage()
	img.Name = ""
	data, err := img.Encode()
	require.NoError(t, err)
	got, err := image.Parse(data)
	require.NoError(t, err)
	require.Empty(t, got.Name)
	require.Equal(t, img.Symbols, got.Symbols)
}

func TestParseChecksum(t *testing.T) {
	data, err := testImage().Encode()
	require.NoError(t, err)
	mut := bytes.Clone(data)
	mut[len(mut)-1] ^= 0xFF
	_, err = image.Parse(mut)
	require.ErrorIs(t, err, image.ErrMalformed)

	// A zeroed checksum field disables verification.
	unhashed := bytes.Clone(data)
	clear(unhashed[32:40])
	got, err := image.Parse(unhashed)
	require.NoError(t, err)
	require.Equal(t, "sys.core", got.Name)
}

func TestParseBadVersion(t *testing.T) {
	data, err := testImage().Encode()
	require.NoError(t, err)
	data[4] = 9
	_, err = image.Parse(data)
	var ferr *image.FormatError
	require.ErrorAs(t, err, &ferr)
	require.Equal(t, "unsupported version", ferr.Reason)
}

// Every truncation of a valid image must fail cleanly, never read out
// of bounds.
func TestParseTruncated(t *testing.T) {
	data, err := testImage().Encode()
	require.NoError(t, err)
	for i := 0; i < len(data); i++ {
		_, err := image.Parse(data[:i])
		require.Error(t, err, "truncated at %d", i)
	}
}

func TestParseCorrupt(t *testing.T) {
	data, err := testImage().Encode()
	require.NoError(t, err)
	for i := 0; i < len(data); i++ {
		mut := bytes.Clone(data)
		mut[i] ^= 0x55
		image.Parse(mut)
	}
}
